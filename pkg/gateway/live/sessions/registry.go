// Package sessions is the process-wide table of live voice sessions.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/vai-talk/pkg/gateway/metrics"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session id already registered")
	ErrEmptyID   = errors.New("session id is empty")
)

// Handle is what the registry knows about a session. Every func posts a
// message into the session; none of them touch session state directly.
type Handle struct {
	ID        string
	ClientID  string
	CreatedAt time.Time

	// Shutdown asks the session to send control:shutdown and close.
	Shutdown func(reason string) error
	// Cancel tears the session down without notice.
	Cancel func()
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
	metrics  *metrics.Metrics
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		metrics:  m,
	}
}

// Register adds h under id. An id that is still live is rejected.
func (r *Registry) Register(id string, h Handle) error {
	if r == nil {
		return nil
	}
	if id == "" {
		return ErrEmptyID
	}
	h.ID = id
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	if _, exists := r.sessions[id]; exists {
		return ErrDuplicate
	}
	r.sessions[id] = &entry{handle: h}
	r.wg.Add(1)
	r.metrics.SessionOpened()
	return nil
}

// Unregister removes id. Calling it more than once, or for an unknown id, is a no-op.
func (r *Registry) Unregister(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	e := r.sessions[id]
	if e != nil {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.once.Do(func() {
		r.metrics.SessionClosed()
		r.wg.Done()
	})
}

func (r *Registry) Lookup(id string) (Handle, error) {
	if r == nil {
		return Handle{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Handle{}, ErrNotFound
	}
	return e.handle, nil
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e != nil {
			out = append(out, e.handle)
		}
	}
	return out
}

// BroadcastShutdown posts a shutdown request to every session. It is best
// effort; a session whose control channel is gone is skipped.
func (r *Registry) BroadcastShutdown(reason string) (sent int) {
	if r == nil {
		return 0
	}
	for _, h := range r.snapshot() {
		if h.Shutdown == nil {
			continue
		}
		if err := h.Shutdown(reason); err == nil {
			sent++
		}
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}
	for _, h := range r.snapshot() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
