package machine

import "time"

// Signal is an auto-resetting completion event. Raise never blocks, and a
// raise that lands after Clear is held until the next Wait consumes it.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Clear discards a pending raise.
func (s *Signal) Clear() {
	select {
	case <-s.ch:
	default:
	}
}

func (s *Signal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is raised or timeout elapses. It reports
// whether the signal was raised.
func (s *Signal) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return true
	case <-t.C:
		return false
	}
}
