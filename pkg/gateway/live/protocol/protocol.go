package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const ProtocolVersion1 = "1"

// Decode error codes.
const (
	CodeTruncated      = "truncated"
	CodeBadMagic       = "bad_magic"
	CodeUnknownType    = "unknown_type"
	CodeLengthMismatch = "length_mismatch"
	CodeTooLarge       = "too_large"
	CodeBadControl     = "bad_control"
	CodeUnsupported    = "unsupported"
)

// ErrBadControl is matched by decode errors for control payloads that are
// well framed but not understood.
var ErrBadControl = errors.New("bad control payload")

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func (e *DecodeError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeBadControl, CodeUnsupported:
		return target == ErrBadControl
	default:
		return target == ErrMalformedFrame
	}
}

func malformed(code, message string) *DecodeError {
	return &DecodeError{Code: code, Message: message}
}

func badControl(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadControl, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

// Control operations.
const (
	OpAuth       = "auth"
	OpInterrupt  = "interrupt"
	OpReset      = "reset"
	OpEndSession = "end_session"

	OpAuthOK      = "auth_ok"
	OpTranscript  = "transcript"
	OpInterrupted = "interrupted"
	OpNoSpeech    = "no_speech"
	OpShutdown    = "shutdown"
	OpAudioGap    = "audio_gap"
)

// Error frame codes.
const (
	ErrCodeSTTFailed         = "stt-failed"
	ErrCodeLLMFailed         = "llm-failed"
	ErrCodeTTSFailed         = "tts-failed"
	ErrCodeAuthFailed        = "auth-failed"
	ErrCodeMalformedFrame    = "malformed-frame"
	ErrCodeProtocolViolation = "protocol-violation"
	ErrCodeRateLimited       = "rate-limited"
	ErrCodeClientStalled     = "client-stalled"
	ErrCodeUnsupportedFormat = "unsupported-format"
)

// AudioFormat describes linear PCM.
type AudioFormat struct {
	SampleRateHz  int `json:"sample_rate_hz"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// BytesPerSecond returns the byte rate of the format, or 0 when incomplete.
func (f AudioFormat) BytesPerSecond() int {
	if f.SampleRateHz <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 {
		return 0
	}
	return f.SampleRateHz * f.Channels * f.BitsPerSample / 8
}

// ValidatePCM16 accepts 16-bit PCM at 8..48 kHz with one or two channels.
func ValidatePCM16(f AudioFormat, field string) error {
	if f.BitsPerSample != 16 {
		return unsupported("only 16-bit PCM is supported", field+".bits_per_sample")
	}
	if f.SampleRateHz < 8000 || f.SampleRateHz > 48000 {
		return unsupported("sample rate must be between 8000 and 48000", field+".sample_rate_hz")
	}
	if f.Channels < 1 || f.Channels > 2 {
		return unsupported("channels must be 1 or 2", field+".channels")
	}
	return nil
}

// Auth is the first control frame a client sends.
type Auth struct {
	Op              string      `json:"op"`
	Secret          string      `json:"secret"`
	ClientID        string      `json:"client_id,omitempty"`
	AudioIn         AudioFormat `json:"audio_in"`
	VoiceID         string      `json:"voice_id,omitempty"`
	WantTranscripts bool        `json:"want_transcripts,omitempty"`
}

// LogValue logs the handshake without the secret.
func (a Auth) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", a.ClientID),
		slog.Int("sample_rate_hz", a.AudioIn.SampleRateHz),
		slog.Int("channels", a.AudioIn.Channels),
		slog.String("voice_id", a.VoiceID),
		slog.Bool("want_transcripts", a.WantTranscripts),
		slog.Bool("has_secret", strings.TrimSpace(a.Secret) != ""),
	)
}

// ClientControl is any post-auth client control frame.
type ClientControl struct {
	Op string `json:"op"`
}

type AuthOKLimits struct {
	MaxFrameBytes     int   `json:"max_frame_bytes"`
	MaxUtteranceBytes int   `json:"max_utterance_bytes"`
	MaxAudioFPS       int   `json:"max_audio_fps,omitempty"`
	MaxAudioBPS       int64 `json:"max_audio_bps,omitempty"`
	SilenceTimeoutMS  int   `json:"silence_timeout_ms"`
	HistoryTurns      int   `json:"history_turns"`
}

type AuthOK struct {
	Op              string       `json:"op"`
	ProtocolVersion string       `json:"protocol_version"`
	SessionID       string       `json:"session_id"`
	AudioIn         AudioFormat  `json:"audio_in"`
	AudioOut        AudioFormat  `json:"audio_out"`
	Limits          AuthOKLimits `json:"limits"`
}

// ServerControl carries every server control op other than auth_ok.
type ServerControl struct {
	Op       string `json:"op"`
	Text     string `json:"text,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Expected uint32 `json:"expected,omitempty"`
	Got      uint32 `json:"got,omitempty"`
}

// ErrorPayload is the JSON body of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// DecodeAuth parses the handshake control payload.
func DecodeAuth(payload []byte) (Auth, error) {
	var msg Auth
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Auth{}, badControl("invalid json control payload", "")
	}
	if strings.TrimSpace(msg.Op) != OpAuth {
		return Auth{}, badControl("first control frame must be auth", "op")
	}
	if strings.TrimSpace(msg.Secret) == "" {
		return Auth{}, badControl("auth.secret is required", "secret")
	}
	msg.ClientID = strings.TrimSpace(msg.ClientID)
	return msg, nil
}

// DecodeClientControl parses a control payload received after the handshake.
func DecodeClientControl(payload []byte) (ClientControl, error) {
	var msg ClientControl
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ClientControl{}, badControl("invalid json control payload", "")
	}
	op := strings.TrimSpace(msg.Op)
	if op == "" {
		return ClientControl{}, badControl("control.op is required", "op")
	}
	switch op {
	case OpInterrupt, OpReset, OpEndSession:
	default:
		return ClientControl{}, unsupported("unsupported control operation", "op")
	}
	msg.Op = op
	return msg, nil
}

// ControlFrame marshals v as the payload of a control frame. The sequence
// number is left zero; the writer assigns it.
func ControlFrame(v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal control: %w", err)
	}
	return Frame{Type: FrameControl, Payload: payload}, nil
}

// ErrorFrame builds an error frame. Marshalling ErrorPayload cannot fail.
func ErrorFrame(p ErrorPayload) Frame {
	payload, _ := json.Marshal(p)
	return Frame{Type: FrameError, Payload: payload}
}

// DecodeErrorPayload parses the body of an error frame.
func DecodeErrorPayload(payload []byte) (ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ErrorPayload{}, badControl("invalid json error payload", "")
	}
	return p, nil
}

// DecodeServerControl parses the op of a server control frame and the common
// fields. auth_ok payloads should be decoded with DecodeAuthOK.
func DecodeServerControl(payload []byte) (ServerControl, error) {
	var c ServerControl
	if err := json.Unmarshal(payload, &c); err != nil {
		return ServerControl{}, badControl("invalid json control payload", "")
	}
	if strings.TrimSpace(c.Op) == "" {
		return ServerControl{}, badControl("control.op is required", "op")
	}
	return c, nil
}

func DecodeAuthOK(payload []byte) (AuthOK, error) {
	var ack AuthOK
	if err := json.Unmarshal(payload, &ack); err != nil {
		return AuthOK{}, badControl("invalid json auth_ok payload", "")
	}
	if ack.Op != OpAuthOK {
		return AuthOK{}, badControl("expected auth_ok", "op")
	}
	return ack, nil
}
