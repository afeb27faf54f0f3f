package tunnel

import (
	"context"
	"fmt"
)

// probeCommand is cheap on every POSIX shell.
const probeCommand = "echo 1"

// CheckAlive reports whether the transport answers a probe.  A connect
// in progress is waited for first.  Concurrent callers share one probe,
// and its answer is reused for ProbeCooldown.  A failed probe closes the
// transport as wedged and leaves the session Closed.
func (s *Session) CheckAlive(ctx context.Context) bool {
	s.mu.Lock()
	for s.state == StateConnecting {
		ch := s.connecting
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
		s.mu.Lock()
	}
	state := s.state
	s.mu.Unlock()

	if !state.serviceable() {
		return false
	}
	alive, err := s.probe.Do(ctx, s.probeCurrent)
	return err == nil && alive
}

// probeCurrent probes the installed transport, moving Ready→Checking
// and then to Ready or Closed.
func (s *Session) probeCurrent() (bool, error) {
	s.mu.Lock()
	t, gen := s.transport, s.gen
	if t == nil || !s.state.serviceable() {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateChecking
	s.mu.Unlock()

	ok := s.runProbe(t)

	s.mu.Lock()
	if s.gen != gen {
		// Retired while probing; report on whatever replaced it.
		alive := s.state.serviceable()
		s.mu.Unlock()
		return alive, nil
	}
	if ok {
		s.state = StateReady
		s.mu.Unlock()
		return true, nil
	}
	s.retireLocked(StateClosed)
	s.mu.Unlock()

	t.Close()
	s.releaseHop()
	s.metrics.RecordError(fmt.Sprintf("probe: %s did not answer", s.cfg.SSH.Addr()))
	return false, nil
}

// runProbe runs probeCommand on t within ProbeTimeout.  Anything the
// command writes, stderr included, means the other end is alive.
func (s *Session) runProbe(t Transport) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
	defer cancel()

	_, _, err := t.Exec(ctx, probeCommand)
	ok := err == nil
	s.metrics.Probe(ok)
	if !ok {
		s.logger.Verbose("liveness probe on %s failed: %v", s.cfg.SSH.Addr(), err)
	}
	return ok
}
