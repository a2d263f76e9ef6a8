// Package lifecycle tracks whether the process still accepts new sessions.
package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle is shared by the dispatcher and readiness handler. Once draining
// starts it never stops.
type Lifecycle struct {
	draining atomic.Bool
	once     sync.Once
	done     chan struct{}
}

func New() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

// BeginDrain marks the process as draining. It reports whether this call
// made the transition.
func (l *Lifecycle) BeginDrain() bool {
	if l == nil {
		return false
	}
	first := false
	l.once.Do(func() {
		first = true
		l.draining.Store(true)
		if l.done != nil {
			close(l.done)
		}
	})
	return first
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Draining is closed when draining begins. It is nil for a zero Lifecycle.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.done
}
