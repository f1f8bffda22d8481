// Package metrics holds the Prometheus collectors for the lease, sync, and
// shutdown subsystems. A nil *Set is valid and records nothing, so callers
// never need to guard instrumentation sites.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the daemon exports.
type Set struct {
	AcquireAttempts  prometheus.Counter
	AcquireSeconds   prometheus.Histogram
	LeaseHeld        prometheus.Gauge
	LeaseGeneration  prometheus.Gauge
	Renewals         *prometheus.CounterVec
	LeaseLost        prometheus.Counter
	SyncRounds       *prometheus.CounterVec
	SyncBytes        *prometheus.CounterVec
	SyncSeconds      *prometheus.HistogramVec
	MutationsActive  prometheus.Gauge
	MutationsDenied  prometheus.Counter
	ShutdownSeconds  prometheus.Histogram
	ShutdownDrainOK  prometheus.Counter
	ShutdownDrainCut prometheus.Counter
}

// New builds a Set and registers it on reg. A nil reg yields a Set that is
// still usable but not exported anywhere.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		AcquireAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_lease_acquire_attempts_total",
			Help: "Lock acquisition attempts, including contended rounds.",
		}),
		AcquireSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_lease_acquire_duration_seconds",
			Help:    "Time from Acquire start to holding the lease.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		LeaseHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_lease_held",
			Help: "1 while this process holds the lease.",
		}),
		LeaseGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_lease_generation",
			Help: "Fencing generation of the held lease.",
		}),
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_lease_renewals_total",
			Help: "Lease renewals by result.",
		}, []string{"result"}),
		LeaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_lease_lost_total",
			Help: "Times the lease was lost to another holder.",
		}),
		SyncRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sync_rounds_total",
			Help: "State sync rounds by direction and result.",
		}, []string{"direction", "result"}),
		SyncBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sync_bytes_total",
			Help: "Bytes transferred by state sync, by direction.",
		}, []string{"direction"}),
		SyncSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_sync_duration_seconds",
			Help:    "State sync round duration, by direction.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"direction"}),
		MutationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_mutations_in_flight",
			Help: "Admitted mutating operations currently in flight.",
		}),
		MutationsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_mutations_denied_total",
			Help: "Mutating operations refused because of draining or a lost lease.",
		}),
		ShutdownSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_shutdown_duration_seconds",
			Help:    "Total shutdown sequence duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ShutdownDrainOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_shutdown_drain_clean_total",
			Help: "Shutdowns where all in-flight work drained in time.",
		}),
		ShutdownDrainCut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_shutdown_drain_timeout_total",
			Help: "Shutdowns that proceeded with work still in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			s.AcquireAttempts,
			s.AcquireSeconds,
			s.LeaseHeld,
			s.LeaseGeneration,
			s.Renewals,
			s.LeaseLost,
			s.SyncRounds,
			s.SyncBytes,
			s.SyncSeconds,
			s.MutationsActive,
			s.MutationsDenied,
			s.ShutdownSeconds,
			s.ShutdownDrainOK,
			s.ShutdownDrainCut,
		)
	}
	return s
}

// ObserveAcquired records a successful acquisition.
func (s *Set) ObserveAcquired(elapsed time.Duration, generation int64) {
	if s == nil {
		return
	}
	s.AcquireSeconds.Observe(elapsed.Seconds())
	s.LeaseHeld.Set(1)
	s.LeaseGeneration.Set(float64(generation))
}

// ObserveAcquireAttempt counts one acquisition round.
func (s *Set) ObserveAcquireAttempt() {
	if s == nil {
		return
	}
	s.AcquireAttempts.Inc()
}

// ObserveRenewal counts a renewal by result label ("ok" or "failed").
func (s *Set) ObserveRenewal(result string) {
	if s == nil {
		return
	}
	s.Renewals.WithLabelValues(result).Inc()
}

// ObserveLost records a lost lease.
func (s *Set) ObserveLost() {
	if s == nil {
		return
	}
	s.LeaseLost.Inc()
	s.LeaseHeld.Set(0)
}

// ObserveReleased clears the held gauges.
func (s *Set) ObserveReleased() {
	if s == nil {
		return
	}
	s.LeaseHeld.Set(0)
	s.LeaseGeneration.Set(0)
}

// ObserveSync records one sync round.
func (s *Set) ObserveSync(direction, result string, bytes int64, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.SyncRounds.WithLabelValues(direction, result).Inc()
	if bytes > 0 {
		s.SyncBytes.WithLabelValues(direction).Add(float64(bytes))
	}
	s.SyncSeconds.WithLabelValues(direction).Observe(elapsed.Seconds())
}

// ObserveMutationAdmitted tracks the in-flight gauge.
func (s *Set) ObserveMutationAdmitted() {
	if s == nil {
		return
	}
	s.MutationsActive.Inc()
}

// ObserveMutationDone decrements the in-flight gauge.
func (s *Set) ObserveMutationDone() {
	if s == nil {
		return
	}
	s.MutationsActive.Dec()
}

// ObserveMutationDenied counts a refused admission.
func (s *Set) ObserveMutationDenied() {
	if s == nil {
		return
	}
	s.MutationsDenied.Inc()
}

// ObserveShutdown records the completed shutdown sequence.
func (s *Set) ObserveShutdown(elapsed time.Duration, drainedInTime bool) {
	if s == nil {
		return
	}
	s.ShutdownSeconds.Observe(elapsed.Seconds())
	if drainedInTime {
		s.ShutdownDrainOK.Inc()
	} else {
		s.ShutdownDrainCut.Inc()
	}
}
