package handlers

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/voice/stt"
	"github.com/vango-go/vai-talk/pkg/core/voice/tts"
	"github.com/vango-go/vai-talk/pkg/gateway/config"
	"github.com/vango-go/vai-talk/pkg/gateway/events"
	"github.com/vango-go/vai-talk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-talk/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-talk/pkg/gateway/live/session"
	"github.com/vango-go/vai-talk/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-talk/pkg/gateway/metrics"
	"github.com/vango-go/vai-talk/pkg/gateway/mw"
	"github.com/vango-go/vai-talk/pkg/gateway/stages"
)

// handshakeReadLimit bounds the auth frame, which carries only JSON.
const handshakeReadLimit = protocol.HeaderSize + 8*1024

// VoiceHandler handles /v1/voice websocket sessions: one authentication
// round-trip, then one Session for the life of the connection.
type VoiceHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Registry  *sessions.Registry
	Lifecycle *lifecycle.Lifecycle
	Pool      *stages.Pool
	Metrics   *metrics.Metrics
	Events    events.Sink

	STT stt.Transcriber
	LLM core.Completer
	TTS tts.Synthesizer

	// NewID generates session ids for clients that do not supply a usable
	// client_id. Defaults to a random UUID.
	NewID func() string

	// OnSession, when set, observes every session right after registration.
	OnSession func(s *session.Session)
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteError(w, r, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteError(w, r, http.StatusServiceUnavailable, "overloaded_error", "server is draining")
		return
	}
	if !h.originAllowed(r) {
		mw.WriteError(w, r, http.StatusForbidden, "permission_error", "origin is not allowed")
		return
	}

	logger := h.logger()
	reqID, _ := mw.RequestIDFrom(r.Context())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	auth, authSeq, ok := h.handshake(conn, logger, reqID)
	if !ok {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s, unregister, err := h.startSession(conn, auth, authSeq, logger)
	if err != nil {
		logger.Error("voice session setup failed", "request_id", reqID, "error", err)
		h.writeWSError(conn, protocol.ErrCodeProtocolViolation, "failed to initialize session")
		return
	}
	defer unregister()

	logger.Info("voice session started", "session_id", s.ID(), "request_id", reqID, "auth", auth)
	if err := s.Run(); err != nil {
		logger.Warn("voice session ended with error", "session_id", s.ID(), "request_id", reqID, "error", err)
	}
}

// handshake reads the auth frame. On any failure it has already written the
// error frame and closed the connection.
func (h VoiceHandler) handshake(conn *websocket.Conn, logger *slog.Logger, reqID string) (protocol.Auth, uint32, bool) {
	conn.SetReadLimit(handshakeReadLimit)
	timeout := h.Config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	reject := func(code, reason, message string) (protocol.Auth, uint32, bool) {
		h.Metrics.AuthFailed(reason)
		logger.Warn("voice handshake rejected", "request_id", reqID, "reason", reason)
		h.writeWSError(conn, code, message)
		return protocol.Auth{}, 0, false
	}

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return reject(protocol.ErrCodeAuthFailed, "read", "failed to read auth frame")
	}
	if messageType != websocket.BinaryMessage {
		return reject(protocol.ErrCodeProtocolViolation, "non_binary", "frames must be binary messages")
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return reject(protocol.ErrCodeMalformedFrame, "malformed", err.Error())
	}
	if frame.Type != protocol.FrameControl {
		return reject(protocol.ErrCodeAuthFailed, "not_auth", "first frame must be control auth")
	}
	auth, err := protocol.DecodeAuth(frame.Payload)
	if err != nil {
		return reject(protocol.ErrCodeAuthFailed, "bad_auth", err.Error())
	}
	if !h.secretMatches(auth.Secret) {
		return reject(protocol.ErrCodeAuthFailed, "secret", "authentication failed")
	}
	if err := protocol.ValidatePCM16(auth.AudioIn, "audio_in"); err != nil {
		return reject(protocol.ErrCodeUnsupportedFormat, "format", err.Error())
	}
	return auth, frame.Seq, true
}

func (h VoiceHandler) secretMatches(got string) bool {
	want := h.Config.SharedSecret
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// startSession builds and registers the session. A client_id that is free
// becomes the session id; otherwise a generated id is used.
func (h VoiceHandler) startSession(conn *websocket.Conn, auth protocol.Auth, authSeq uint32, logger *slog.Logger) (*session.Session, func(), error) {
	ids := make([]string, 0, 2)
	if auth.ClientID != "" {
		if _, err := h.Registry.Lookup(auth.ClientID); errors.Is(err, sessions.ErrNotFound) {
			ids = append(ids, auth.ClientID)
		}
	}
	ids = append(ids, h.newID())

	var lastErr error
	for _, id := range ids {
		s, err := session.New(session.Dependencies{
			Conn:      conn,
			Logger:    logger.With("session_id", id),
			Pool:      h.Pool,
			STT:       h.STT,
			LLM:       h.LLM,
			TTS:       h.TTS,
			Events:    h.Events,
			Metrics:   h.Metrics,
			Auth:      auth,
			AuthSeq:   authSeq,
			SessionID: id,
			Config:    h.Config.Session(),
		})
		if err != nil {
			return nil, nil, err
		}
		err = h.Registry.Register(id, sessions.Handle{
			ClientID:  auth.ClientID,
			CreatedAt: time.Now(),
			Shutdown:  s.Shutdown,
			Cancel:    s.Cancel,
		})
		if errors.Is(err, sessions.ErrDuplicate) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if h.OnSession != nil {
			h.OnSession(s)
		}
		return s, func() { h.Registry.Unregister(id) }, nil
	}
	return nil, nil, lastErr
}

func (h VoiceHandler) newID() string {
	if h.NewID != nil {
		if id := strings.TrimSpace(h.NewID()); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func (h VoiceHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.OriginSet()[origin]
	return ok
}

func (h VoiceHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// writeWSError writes a fatal error frame before any session exists, so it
// always carries sequence number 1.
func (h VoiceHandler) writeWSError(conn *websocket.Conn, code, message string) {
	frame := protocol.ErrorFrame(protocol.ErrorPayload{Code: code, Message: message, Fatal: true})
	frame.Seq = 1
	if data, err := protocol.Encode(frame); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = conn.WriteMessage(websocket.BinaryMessage, data)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(2*time.Second))
}
