package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-talk/pkg/gateway/live/flow"
	"github.com/vango-go/vai-talk/pkg/gateway/live/protocol"
)

type recordedWrite struct {
	messageType int
	data        []byte
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

// frames decodes every binary write.
func (f *fakeWSWriter) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	for _, w := range f.snapshot() {
		if w.messageType != websocket.BinaryMessage {
			continue
		}
		fr, err := protocol.Decode(w.data)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, fr)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type writerHarness struct {
	ws       *fakeWSWriter
	priority chan protocol.Frame
	queue    *flow.Controller
	cancel   context.CancelFunc
	done     chan error
}

func startWriter(t *testing.T, prefill func(h *writerHarness), isCanceled func(uint64) bool) *writerHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &writerHarness{
		ws:       &fakeWSWriter{},
		priority: make(chan protocol.Frame, 8),
		queue:    flow.New(flow.Config{HighWater: 1 << 20, LowWater: 1 << 10, StallTimeout: time.Second}),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	if prefill != nil {
		prefill(h)
	}
	w := &outboundWriter{
		ws:         h.ws,
		ctx:        ctx,
		cfg:        Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority:   h.priority,
		queue:      h.queue,
		isCanceled: isCanceled,
	}
	go func() { h.done <- w.Run() }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *writerHarness) push(t *testing.T, turn uint64, f protocol.Frame) {
	t.Helper()
	if err := h.queue.Push(context.Background(), flow.Item{Turn: turn, Frame: f}); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func TestOutboundWriter_PriorityBeatsQueued(t *testing.T) {
	h := startWriter(t, func(h *writerHarness) {
		h.push(t, 1, protocol.Frame{Type: protocol.FrameAudio, Payload: []byte{1, 2}})
		h.priority <- protocol.Frame{Type: protocol.FrameControl, Payload: []byte(`{"op":"interrupted"}`)}
	}, nil)

	waitFor(t, "two frames", func() bool { return len(h.ws.frames(t)) == 2 })
	frames := h.ws.frames(t)
	if frames[0].Type != protocol.FrameControl {
		t.Fatalf("first frame type=%s, want control", frames[0].Type)
	}
	if frames[1].Type != protocol.FrameAudio {
		t.Fatalf("second frame type=%s, want audio", frames[1].Type)
	}
}

func TestOutboundWriter_AssignsIncreasingSeq(t *testing.T) {
	h := startWriter(t, nil, nil)
	h.priority <- protocol.Frame{Type: protocol.FrameControl, Payload: []byte(`{"op":"auth_ok"}`)}
	for i := 0; i < 4; i++ {
		h.push(t, 1, protocol.Frame{Type: protocol.FrameAudio, Seq: 999, Payload: []byte{byte(i)}})
	}
	h.push(t, 1, protocol.Frame{Type: protocol.FrameUtteranceEnd})

	waitFor(t, "six frames", func() bool { return len(h.ws.frames(t)) == 6 })
	for i, f := range h.ws.frames(t) {
		if f.Seq != uint32(i+1) {
			t.Fatalf("frame %d seq=%d, want %d", i, f.Seq, i+1)
		}
	}
}

func TestOutboundWriter_CanceledTurnDropped(t *testing.T) {
	h := startWriter(t, func(h *writerHarness) {
		h.push(t, 7, protocol.Frame{Type: protocol.FrameAudio, Payload: []byte{1}})
		h.push(t, 7, protocol.Frame{Type: protocol.FrameAudio, Payload: []byte{2}})
		h.push(t, 8, protocol.Frame{Type: protocol.FrameAudio, Payload: []byte{3}})
	}, func(turn uint64) bool { return turn == 7 })

	waitFor(t, "one frame", func() bool { return len(h.ws.frames(t)) == 1 })
	time.Sleep(20 * time.Millisecond)
	frames := h.ws.frames(t)
	if len(frames) != 1 || frames[0].Payload[0] != 3 {
		t.Fatalf("frames=%+v, want only turn 8 audio", frames)
	}
	if frames[0].Seq != 1 {
		t.Fatalf("seq=%d, dropped frames must not consume sequence numbers", frames[0].Seq)
	}
}

func TestOutboundWriter_UntaggedFramesIgnoreCancelSet(t *testing.T) {
	h := startWriter(t, func(h *writerHarness) {
		h.push(t, 0, protocol.Frame{Type: protocol.FrameControl, Payload: []byte(`{"op":"no_speech"}`)})
		h.priority <- protocol.ErrorFrame(protocol.ErrorPayload{Code: protocol.ErrCodeSTTFailed, Message: "x"})
	}, func(uint64) bool { return true })

	waitFor(t, "two frames", func() bool { return len(h.ws.frames(t)) == 2 })
}

func TestOutboundWriter_FlushesPriorityOnShutdown(t *testing.T) {
	ws := &fakeWSWriter{}
	priority := make(chan protocol.Frame, 2)
	priority <- protocol.ErrorFrame(protocol.ErrorPayload{Code: protocol.ErrCodeProtocolViolation, Message: "bye", Fatal: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		queue:    flow.New(flow.Config{}),
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d, want error frame then close", len(writes))
	}
	f, err := protocol.Decode(writes[0].data)
	if err != nil || f.Type != protocol.FrameError {
		t.Fatalf("first write is not an error frame: %v", err)
	}
	if writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("second write type=%d, want close", writes[1].messageType)
	}
	if !ws.closed {
		t.Fatalf("expected connection closed")
	}
}

func TestOutboundWriter_OnWriteSeesTurn(t *testing.T) {
	ws := &fakeWSWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	queue := flow.New(flow.Config{})
	var mu sync.Mutex
	var seen []uint64
	w := &outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: make(chan protocol.Frame),
		queue:    queue,
		onWrite: func(it flow.Item) {
			mu.Lock()
			seen = append(seen, it.Turn)
			mu.Unlock()
		},
	}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	_ = queue.Push(context.Background(), flow.Item{Turn: 3, Frame: protocol.Frame{Type: protocol.FrameUtteranceEnd}})
	waitFor(t, "onWrite", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	cancel()
	<-done
	if seen[0] != 3 {
		t.Fatalf("turn=%d, want 3", seen[0])
	}
}
