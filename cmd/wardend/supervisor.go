package main

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"pkt.systems/pslog"

	"pkt.systems/warden/internal/svcfields"
)

// supervisor runs the guarded child process. The child only ever starts once
// readiness is reached, receives the fencing generation in its environment,
// and is signalled down in step with the guard's lifecycle: SIGTERM when
// shutdown begins, SIGKILL the moment the lease is lost.
type supervisor struct {
	argv   []string
	logger pslog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	code    int
	done    chan struct{}
}

func newSupervisor(argv []string, logger pslog.Logger) *supervisor {
	return &supervisor{
		argv:   argv,
		logger: svcfields.WithSubsystem(logger, "supervisor"),
		done:   make(chan struct{}),
	}
}

// start launches the child. The fencing generation and owner identity travel
// in WARDEN_GENERATION / WARDEN_OWNER_ID so the child can tag downstream
// writes with them.
func (s *supervisor) start(generation int64, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor: already started")
	}
	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("WARDEN_GENERATION=%d", generation),
		fmt.Sprintf("WARDEN_OWNER_ID=%s", ownerID),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %q: %w", s.argv[0], err)
	}
	s.cmd = cmd
	s.started = true
	s.logger.Info("supervisor.started", "command", s.argv[0], "pid", cmd.Process.Pid, "generation", generation)

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				s.code = exitErr.ExitCode()
			} else {
				s.code = 1
			}
		}
		code := s.code
		s.mu.Unlock()
		s.logger.Info("supervisor.exited", "code", code)
		close(s.done)
	}()
	return nil
}

// exited closes once the child has terminated. It never closes if the child
// was never started.
func (s *supervisor) exited() <-chan struct{} {
	return s.done
}

// terminate asks the child to shut down gracefully.
func (s *supervisor) terminate() {
	s.signal(syscall.SIGTERM, "supervisor.terminate")
}

// kill stops the child immediately. Used when the lease is lost: the child
// must not keep mutating state another holder now owns.
func (s *supervisor) kill() {
	s.signal(syscall.SIGKILL, "supervisor.kill")
}

func (s *supervisor) signal(sig syscall.Signal, event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.logger.Warn(event, "pid", s.cmd.Process.Pid, "signal", sig.String())
	if err := s.cmd.Process.Signal(sig); err != nil {
		s.logger.Warn("supervisor.signal_failed", "signal", sig.String(), "error", err)
	}
}

// wait blocks until the child exits and returns its exit code. ran reports
// whether a child was ever started.
func (s *supervisor) wait() (code int, ran bool) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return 0, false
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, true
}
