package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/types"
	"github.com/vango-go/vai-talk/pkg/core/voice"
	"github.com/vango-go/vai-talk/pkg/gateway/config"
	"github.com/vango-go/vai-talk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-talk/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-talk/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-talk/pkg/gateway/stages"
)

type fakeSTT struct {
	fn func(ctx context.Context) (string, error)
}

func (f fakeSTT) Name() string { return "fake-stt" }

func (f fakeSTT) Transcribe(ctx context.Context, _ []byte, _ voice.Format) (string, error) {
	if f.fn != nil {
		return f.fn(ctx)
	}
	return "hello", nil
}

type fakeLLM struct {
	mu    sync.Mutex
	calls [][]types.Message
}

func (f *fakeLLM) Name() string { return "fake-llm" }

func (f *fakeLLM) Complete(_ context.Context, msgs []types.Message) (core.TextStream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	f.mu.Unlock()
	return core.NewSliceStream("hi ", "there"), nil
}

type fakeTTS struct{}

func (fakeTTS) Name() string { return "fake-tts" }

func (fakeTTS) Format() voice.Format {
	return voice.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// Synthesize returns exactly three 512-sample frames.
func (fakeTTS) Synthesize(context.Context, string, string) ([]byte, error) {
	var b bytes.Buffer
	for i := 1; i <= 3; i++ {
		b.Write(bytes.Repeat([]byte{byte(i)}, 1024))
	}
	return b.Bytes(), nil
}

type voiceTestServer struct {
	url       string
	registry  *sessions.Registry
	lifecycle *lifecycle.Lifecycle
	llm       *fakeLLM
	close     func()
}

func newVoiceTestServer(t *testing.T, sttFn func(ctx context.Context) (string, error)) *voiceTestServer {
	t.Helper()
	cfg := config.Default()
	cfg.SharedSecret = "s3cret"
	cfg.SilenceTimeout = 0

	vs := &voiceTestServer{
		registry:  sessions.NewRegistry(nil),
		lifecycle: lifecycle.New(),
		llm:       &fakeLLM{},
	}
	h := VoiceHandler{
		Config:    cfg,
		Registry:  vs.registry,
		Lifecycle: vs.lifecycle,
		Pool:      stages.New(stages.Limits{STT: 2, LLM: 2, TTS: 2}, nil),
		STT:       fakeSTT{fn: sttFn},
		LLM:       vs.llm,
		TTS:       fakeTTS{},
	}
	mux := http.NewServeMux()
	mux.Handle("/v1/voice", h)
	srv := httptest.NewServer(mux)
	vs.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voice"
	vs.close = func() {
		vs.registry.CancelAll()
		srv.Close()
	}
	t.Cleanup(vs.close)
	return vs
}

func mustDialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func mustWriteFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func mustReadFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type=%d, want binary", mt)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func authFrame(t *testing.T, secret, clientID string, bits int) protocol.Frame {
	t.Helper()
	payload, err := json.Marshal(protocol.Auth{
		Op:       protocol.OpAuth,
		Secret:   secret,
		ClientID: clientID,
		AudioIn:  protocol.AudioFormat{SampleRateHz: 16000, Channels: 1, BitsPerSample: bits},
	})
	if err != nil {
		t.Fatalf("marshal auth: %v", err)
	}
	return protocol.Frame{Type: protocol.FrameControl, Seq: 1, Payload: payload}
}

func mustAuth(t *testing.T, conn *websocket.Conn, clientID string) protocol.AuthOK {
	t.Helper()
	mustWriteFrame(t, conn, authFrame(t, "s3cret", clientID, 16))
	f := mustReadFrame(t, conn)
	if f.Type != protocol.FrameControl {
		t.Fatalf("first frame type=%s, want control", f.Type)
	}
	ack, err := protocol.DecodeAuthOK(f.Payload)
	if err != nil {
		t.Fatalf("decode auth_ok: %v", err)
	}
	return ack
}

func expectErrorFrame(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	f := mustReadFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("frame type=%s, want error", f.Type)
	}
	p, err := protocol.DecodeErrorPayload(f.Payload)
	if err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != code || !p.Fatal {
		t.Fatalf("error=%+v, want fatal %s", p, code)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close after %s", code)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestVoiceHandler_EndToEnd(t *testing.T) {
	vs := newVoiceTestServer(t, nil)
	conn := mustDialWS(t, vs.url)
	defer conn.Close()

	ack := mustAuth(t, conn, "")
	if ack.Op != protocol.OpAuthOK || ack.SessionID == "" {
		t.Fatalf("auth_ok=%+v", ack)
	}
	if vs.registry.Count() != 1 {
		t.Fatalf("registry count=%d, want 1", vs.registry.Count())
	}

	mustWriteFrame(t, conn, protocol.Frame{Type: protocol.FrameAudio, Seq: 2, Payload: make([]byte, 3200)})
	mustWriteFrame(t, conn, protocol.Frame{Type: protocol.FrameUtteranceEnd, Seq: 3})

	lastSeq := uint32(1)
	for i := 1; i <= 3; i++ {
		f := mustReadFrame(t, conn)
		if f.Type != protocol.FrameAudio {
			t.Fatalf("frame %d type=%s, want audio", i, f.Type)
		}
		if len(f.Payload) != 1024 || f.Payload[0] != byte(i) {
			t.Fatalf("frame %d payload len=%d first=%d", i, len(f.Payload), f.Payload[0])
		}
		if f.Seq <= lastSeq {
			t.Fatalf("seq %d after %d", f.Seq, lastSeq)
		}
		lastSeq = f.Seq
	}
	if f := mustReadFrame(t, conn); f.Type != protocol.FrameUtteranceEnd {
		t.Fatalf("frame type=%s, want utterance-end", f.Type)
	}

	vs.llm.mu.Lock()
	calls := len(vs.llm.calls)
	var user string
	if calls == 1 {
		user = vs.llm.calls[0][len(vs.llm.calls[0])-1].Text
	}
	vs.llm.mu.Unlock()
	if calls != 1 || user != "hello" {
		t.Fatalf("llm calls=%d last user=%q", calls, user)
	}
}

func TestVoiceHandler_WrongSecretCreatesNoSession(t *testing.T) {
	vs := newVoiceTestServer(t, nil)
	conn := mustDialWS(t, vs.url)
	defer conn.Close()

	mustWriteFrame(t, conn, authFrame(t, "nope", "c1", 16))
	expectErrorFrame(t, conn, protocol.ErrCodeAuthFailed)

	if n := vs.registry.Count(); n != 0 {
		t.Fatalf("registry count=%d, want 0", n)
	}
	if _, err := vs.registry.Lookup("c1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("Lookup err=%v, want ErrNotFound", err)
	}
}

func TestVoiceHandler_FirstFrameMustBeAuth(t *testing.T) {
	vs := newVoiceTestServer(t, nil)
	conn := mustDialWS(t, vs.url)
	defer conn.Close()

	mustWriteFrame(t, conn, protocol.Frame{Type: protocol.FrameAudio, Seq: 1, Payload: []byte{0, 0}})
	expectErrorFrame(t, conn, protocol.ErrCodeAuthFailed)
}

func TestVoiceHandler_MalformedHandshake(t *testing.T) {
	vs := newVoiceTestServer(t, nil)
	conn := mustDialWS(t, vs.url)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("MIRA\x04")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectErrorFrame(t, conn, protocol.ErrCodeMalformedFrame)
}

func TestVoiceHandler_UnsupportedFormat(t *testing.T) {
	vs := newVoiceTestServer(t, nil)
	conn := mustDialWS(t, vs.url)
	defer conn.Close()

	mustWriteFrame(t, conn, authFrame(t, "s3cret", "", 8))
	expectErrorFrame(t, conn, protocol.ErrCodeUnsupportedFormat)
	if vs.registry.Count() != 0 {
		t.Fatalf("registry count=%d, want 0", vs.registry.Count())
	}
}

func TestVoiceHandler_ClientIDBecomesSessionIDWhenFree(t *testing.T) {
	vs := newVoiceTestServer(t, nil)

	first := mustDialWS(t, vs.url)
	defer first.Close()
	ack1 := mustAuth(t, first, "kiosk-7")
	if ack1.SessionID != "kiosk-7" {
		t.Fatalf("session id=%q, want kiosk-7", ack1.SessionID)
	}

	second := mustDialWS(t, vs.url)
	defer second.Close()
	ack2 := mustAuth(t, second, "kiosk-7")
	if ack2.SessionID == "kiosk-7" || ack2.SessionID == "" {
		t.Fatalf("second session id=%q, want a generated id", ack2.SessionID)
	}
	if vs.registry.Count() != 2 {
		t.Fatalf("registry count=%d, want 2", vs.registry.Count())
	}
}

func TestVoiceHandler_DisconnectCancelsStageAndUnregisters(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan struct{})
	var once sync.Once
	vs := newVoiceTestServer(t, func(ctx context.Context) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		close(canceled)
		return "", ctx.Err()
	})

	conn := mustDialWS(t, vs.url)
	mustAuth(t, conn, "caller-1")
	if _, err := vs.registry.Lookup("caller-1"); err != nil {
		t.Fatalf("Lookup after auth: %v", err)
	}

	mustWriteFrame(t, conn, protocol.Frame{Type: protocol.FrameAudio, Seq: 2, Payload: make([]byte, 320)})
	mustWriteFrame(t, conn, protocol.Frame{Type: protocol.FrameUtteranceEnd, Seq: 3})
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("stt never started")
	}

	_ = conn.Close()

	select {
	case <-canceled:
	case <-time.After(3 * time.Second):
		t.Fatalf("in-flight stt was not canceled")
	}
	waitUntil(t, "unregister", func() bool {
		_, err := vs.registry.Lookup("caller-1")
		return errors.Is(err, sessions.ErrNotFound)
	})
}

func TestVoiceHandler_ShutdownBroadcast(t *testing.T) {
	vs := newVoiceTestServer(t, nil)
	conn := mustDialWS(t, vs.url)
	defer conn.Close()
	mustAuth(t, conn, "")

	if sent := vs.registry.BroadcastShutdown("maintenance"); sent != 1 {
		t.Fatalf("broadcast sent=%d, want 1", sent)
	}
	f := mustReadFrame(t, conn)
	if f.Type != protocol.FrameControl {
		t.Fatalf("frame type=%s, want control", f.Type)
	}
	ctl, err := protocol.DecodeServerControl(f.Payload)
	if err != nil || ctl.Op != protocol.OpShutdown {
		t.Fatalf("control=%+v err=%v, want shutdown", ctl, err)
	}
	waitUntil(t, "registry empty", func() bool { return vs.registry.Count() == 0 })
}

func TestVoiceHandler_DrainingRefusesUpgrade(t *testing.T) {
	vs := newVoiceTestServer(t, nil)
	vs.lifecycle.BeginDrain()

	_, resp, err := websocket.DefaultDialer.Dial(vs.url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
}

func TestVoiceHandler_OriginCheck(t *testing.T) {
	vs := newVoiceTestServer(t, nil)
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(vs.url, header)
	if err == nil {
		t.Fatalf("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
}
