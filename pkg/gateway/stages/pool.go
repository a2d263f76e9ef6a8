// Package stages runs STT, LLM and TTS calls on bounded per-kind pools so a
// slow backend of one kind cannot starve the others.
package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vango-go/vai-talk/pkg/gateway/metrics"
)

var (
	ErrPoolSaturated = errors.New("stage pool saturated")
	ErrPoolClosed    = errors.New("stage pool closed")
	ErrUnknownKind   = errors.New("unknown stage kind")
)

type Kind string

const (
	KindSTT Kind = "stt"
	KindLLM Kind = "llm"
	KindTTS Kind = "tts"
)

func (k Kind) String() string { return string(k) }

// Task is one stage invocation. It must return promptly once ctx is done.
type Task func(ctx context.Context) error

type Limits struct {
	STT int
	LLM int
	TTS int
}

func DefaultLimits() Limits {
	return Limits{STT: 8, LLM: 8, TTS: 8}
}

type lane struct {
	limit    int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

type Pool struct {
	lanes   map[Kind]*lane
	closed  atomic.Bool
	wg      sync.WaitGroup
	metrics *metrics.Metrics
}

// New builds a pool; non-positive limits fall back to DefaultLimits.
func New(limits Limits, m *metrics.Metrics) *Pool {
	def := DefaultLimits()
	if limits.STT <= 0 {
		limits.STT = def.STT
	}
	if limits.LLM <= 0 {
		limits.LLM = def.LLM
	}
	if limits.TTS <= 0 {
		limits.TTS = def.TTS
	}
	p := &Pool{lanes: make(map[Kind]*lane, 3), metrics: m}
	for kind, n := range map[Kind]int{KindSTT: limits.STT, KindLLM: limits.LLM, KindTTS: limits.TTS} {
		p.lanes[kind] = &lane{limit: int64(n), sem: semaphore.NewWeighted(int64(n))}
	}
	return p
}

// Submit starts task on the kind's pool without blocking. It returns
// ErrPoolSaturated when every slot of that kind is busy.
func (p *Pool) Submit(ctx context.Context, kind Kind, task Task) (*Handle, error) {
	if p == nil || p.closed.Load() {
		return nil, ErrPoolClosed
	}
	l, ok := p.lanes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if task == nil {
		return nil, errors.New("stage task is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.sem.TryAcquire(1) {
		p.metrics.StageRejected(kind.String())
		return nil, fmt.Errorf("%s: %w", kind, ErrPoolSaturated)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	h := &Handle{kind: kind, cancel: cancel, done: make(chan struct{})}

	l.inFlight.Add(1)
	p.wg.Add(1)
	p.metrics.StageStarted(kind.String())
	started := time.Now()

	go func() {
		defer p.wg.Done()
		err := runTask(taskCtx, task)
		cancel()
		l.inFlight.Add(-1)
		l.sem.Release(1)
		p.metrics.StageFinished(kind.String(), outcome(err), time.Since(started).Seconds())
		h.err = err
		close(h.done)
	}()
	return h, nil
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage task panic: %v", r)
		}
	}()
	return task(ctx)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// InFlight reports running tasks of kind.
func (p *Pool) InFlight(kind Kind) int {
	if p == nil {
		return 0
	}
	l, ok := p.lanes[kind]
	if !ok {
		return 0
	}
	return int(l.inFlight.Load())
}

func (p *Pool) Limit(kind Kind) int {
	if p == nil {
		return 0
	}
	l, ok := p.lanes[kind]
	if !ok {
		return 0
	}
	return int(l.limit)
}

// Close rejects further submissions. Running tasks are left alone.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.closed.Store(true)
}

// Wait blocks until every running task has exited or ctx is done.
func (p *Pool) Wait(ctx context.Context) bool {
	if p == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Handle refers to one submitted task.
type Handle struct {
	kind   Kind
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *Handle) Kind() Kind {
	if h == nil {
		return ""
	}
	return h.kind
}

// Cancel interrupts the task. It is a no-op on a nil or finished handle.
func (h *Handle) Cancel() {
	if h == nil || h.cancel == nil {
		return
	}
	h.cancel()
}

// Done is closed after the task returned and its slot was released.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

// Err is the task's result; it is only meaningful after Done is closed.
func (h *Handle) Err() error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks for the task or ctx.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.Done():
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
