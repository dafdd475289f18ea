package worker

import "sync/atomic"

// Shutdown is a cooperative cancellation token shared by reference between
// the orchestrator and every worker. It is checked only between phases, so
// an in-flight handler always runs to completion.
type Shutdown struct {
	flag atomic.Bool
}

// Request sets the flag. It is safe to call from a signal hook.
func (s *Shutdown) Request() {
	if s == nil {
		return
	}
	s.flag.Store(true)
}

// Requested reports whether shutdown was requested.
func (s *Shutdown) Requested() bool {
	return s != nil && s.flag.Load()
}
