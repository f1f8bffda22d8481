package backoff

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"pkt.systems/warden/internal/clock"
)

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2, Jitter: 0}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for attempt, expected := range want {
		if got := p.Delay(attempt, nil); got != expected {
			t.Fatalf("attempt %d: got %v, want %v", attempt, got, expected)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Second, Multiplier: 2, Jitter: 0.5}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := p.Delay(0, rng)
		if d < time.Second || d >= 1500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [1s, 1.5s)", d)
		}
	}
}

func TestDelayZeroValueUsesDefaults(t *testing.T) {
	var p Policy
	if got := p.Delay(0, nil); got != DefaultBase {
		t.Fatalf("zero-value first delay %v, want %v", got, DefaultBase)
	}
	if got := p.Delay(100, nil); got != DefaultMax {
		t.Fatalf("zero-value capped delay %v, want %v", got, DefaultMax)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Wait(ctx, clk, time.Minute)
	}()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not return after cancellation")
	}
}

func TestWaitCompletesOnClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() {
		done <- Wait(context.Background(), clk, time.Second)
	}()
	for clk.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not complete")
	}
}
