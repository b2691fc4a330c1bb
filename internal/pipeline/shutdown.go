package pipeline

import "sync/atomic"

// Shutdown is the cooperative stop flag shared by the orchestrator and the
// prefetch worker. The first interrupt requests a graceful stop; workers
// finish their current stage and exit.
type Shutdown struct {
	requested atomic.Bool
	ch        chan struct{}
}

// NewShutdown creates an unset shutdown flag.
func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Request sets the flag. Safe to call more than once.
func (s *Shutdown) Request() {
	if s.requested.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Requested reports whether a stop has been requested.
func (s *Shutdown) Requested() bool {
	return s.requested.Load()
}

// Done returns a channel closed on the first Request, for select loops.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ch
}
