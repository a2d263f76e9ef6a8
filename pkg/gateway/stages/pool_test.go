package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-go/vai-talk/pkg/gateway/metrics"
)

func blockingTask(started chan<- struct{}) Task {
	return func(ctx context.Context) error {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestPool_SaturatedDoesNotBlock(t *testing.T) {
	p := New(Limits{STT: 1, LLM: 1, TTS: 1}, metrics.New(prometheus.NewRegistry()))

	started := make(chan struct{}, 1)
	h, err := p.Submit(context.Background(), KindLLM, blockingTask(started))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), KindLLM, blockingTask(nil))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrPoolSaturated) {
			t.Fatalf("err=%v, want ErrPoolSaturated", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Submit blocked on a saturated pool")
	}

	h.Cancel()
	<-h.Done()
	if !errors.Is(h.Err(), context.Canceled) {
		t.Fatalf("handle err=%v, want context.Canceled", h.Err())
	}
}

func TestPool_KindsAreIsolated(t *testing.T) {
	p := New(Limits{STT: 1, LLM: 1, TTS: 1}, nil)

	started := make(chan struct{}, 1)
	llm, err := p.Submit(context.Background(), KindLLM, blockingTask(started))
	if err != nil {
		t.Fatalf("Submit(llm) error = %v", err)
	}
	<-started
	defer llm.Cancel()

	stt, err := p.Submit(context.Background(), KindSTT, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit(stt) with busy llm lane error = %v", err)
	}
	<-stt.Done()
	if stt.Err() != nil {
		t.Fatalf("stt err=%v", stt.Err())
	}
}

func TestPool_SlotReleasedAfterCompletion(t *testing.T) {
	p := New(Limits{STT: 1, LLM: 1, TTS: 1}, nil)
	for i := 0; i < 3; i++ {
		h, err := p.Submit(context.Background(), KindTTS, func(context.Context) error { return nil })
		if err != nil {
			t.Fatalf("Submit() #%d error = %v", i, err)
		}
		<-h.Done()
	}
	if got := p.InFlight(KindTTS); got != 0 {
		t.Fatalf("InFlight=%d, want 0", got)
	}
}

func TestHandle_CancelAfterCompletionIsNoop(t *testing.T) {
	p := New(DefaultLimits(), nil)
	want := errors.New("backend down")
	h, err := p.Submit(context.Background(), KindSTT, func(context.Context) error { return want })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-h.Done()
	h.Cancel()
	h.Cancel()
	if !errors.Is(h.Err(), want) {
		t.Fatalf("err=%v, want %v", h.Err(), want)
	}

	var nilHandle *Handle
	nilHandle.Cancel()
	<-nilHandle.Done()
}

func TestPool_ParentCancelPropagates(t *testing.T) {
	p := New(DefaultLimits(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := p.Submit(ctx, KindSTT, blockingTask(nil))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatalf("task did not observe parent cancellation")
	}
}

func TestPool_PanicBecomesError(t *testing.T) {
	p := New(DefaultLimits(), nil)
	h, err := p.Submit(context.Background(), KindTTS, func(context.Context) error { panic("boom") })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-h.Done()
	if h.Err() == nil {
		t.Fatalf("expected panic to surface as error")
	}
	if got := p.InFlight(KindTTS); got != 0 {
		t.Fatalf("InFlight=%d, want 0", got)
	}
}

func TestPool_CloseAndWait(t *testing.T) {
	p := New(DefaultLimits(), nil)
	started := make(chan struct{}, 1)
	h, err := p.Submit(context.Background(), KindLLM, blockingTask(started))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	p.Close()
	if _, err := p.Submit(context.Background(), KindLLM, blockingTask(nil)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err=%v, want ErrPoolClosed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if p.Wait(ctx) {
		t.Fatalf("Wait returned true with a running task")
	}

	h.Cancel()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if !p.Wait(ctx2) {
		t.Fatalf("Wait returned false after cancel")
	}
}

func TestPool_UnknownKind(t *testing.T) {
	p := New(DefaultLimits(), nil)
	if _, err := p.Submit(context.Background(), Kind("vad"), blockingTask(nil)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err=%v, want ErrUnknownKind", err)
	}
}
