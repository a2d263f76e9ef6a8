package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/types"
	"github.com/vango-go/vai-talk/pkg/core/voice"
	"github.com/vango-go/vai-talk/pkg/core/voice/stt"
	"github.com/vango-go/vai-talk/pkg/core/voice/tts"
	"github.com/vango-go/vai-talk/pkg/gateway/events"
	"github.com/vango-go/vai-talk/pkg/gateway/live/flow"
	"github.com/vango-go/vai-talk/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-talk/pkg/gateway/metrics"
	"github.com/vango-go/vai-talk/pkg/gateway/stages"
)

const (
	outboundPriorityQueueSize = 32
	stageEventQueueSize       = 16
	inboundQueueSize          = 64

	// maxSegmentsAhead bounds synthesized segments handed to playback but not
	// yet queued for the wire. TTS for the next sentence waits below it.
	maxSegmentsAhead = 2

	DefaultOutputFrameSamples = 512
)

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrClientStalled  = errors.New("client stalled")
	ErrSessionClosed  = errors.New("session closed")

	errControlBusy = errors.New("session control channel busy")
	errTurnTimeout = errors.New("turn timeout")
	errEmptyReply  = errors.New("completion produced no text")
)

// ProtocolError is a fatal client protocol violation. Code is the wire error
// code sent before the connection closes.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StageError reports a failed pipeline stage. It never closes the session.
type StageError struct {
	Stage stages.Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Code returns the wire error code for the failed stage.
func (e *StageError) Code() string {
	switch e.Stage {
	case stages.KindSTT:
		return protocol.ErrCodeSTTFailed
	case stages.KindLLM:
		return protocol.ErrCodeLLMFailed
	default:
		return protocol.ErrCodeTTSFailed
	}
}

type Config struct {
	HistoryTurns int
	SystemPrompt string

	SilenceTimeout    time.Duration
	SilenceThreshold  float64
	RepeatInterval    time.Duration
	MaxUtteranceBytes int
	MaxFrameBytes     int

	// RecentTranscripts is how many accepted transcripts the near-duplicate
	// check compares against. Zero disables it.
	RecentTranscripts int
	// MaxQueuedUtterances bounds utterances waiting while a reply runs.
	// Zero means no bound.
	MaxQueuedUtterances int

	// OutputFrameSamples is the number of sample frames per outbound audio frame.
	OutputFrameSamples int

	Flow flow.Config

	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	TurnTimeout  time.Duration

	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int
}

func DefaultConfig() Config {
	return Config{
		HistoryTurns:       10,
		SilenceTimeout:     800 * time.Millisecond,
		SilenceThreshold:   0.01,
		RepeatInterval:     4 * time.Second,
		MaxUtteranceBytes:  30 * 32000,

		RecentTranscripts:   10,
		MaxQueuedUtterances: 2,

		MaxFrameBytes:      64 * 1024,
		OutputFrameSamples: DefaultOutputFrameSamples,
		Flow:               flow.DefaultConfig(),
		PingInterval:       20 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		TurnTimeout:        30 * time.Second,
		MaxAudioFPS:        100,
		MaxAudioBPS:        192000,

		InboundBurstSeconds: 2,
	}
}

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Dependencies struct {
	Conn    Conn
	Logger  *slog.Logger
	Pool    *stages.Pool
	STT     stt.Transcriber
	LLM     core.Completer
	TTS     tts.Synthesizer
	Events  events.Sink
	Metrics *metrics.Metrics

	// Auth is the accepted handshake and AuthSeq its frame sequence number.
	Auth      protocol.Auth
	AuthSeq   uint32
	SessionID string
	Config    Config
	Now       func() time.Time

	// OnPhase is called from the session goroutine on every phase change.
	OnPhase func(from, to Phase)
}

// Session drives one authenticated connection through its turn cycle. All
// fields below the channels are owned by the Run goroutine.
type Session struct {
	conn    Conn
	logger  *slog.Logger
	pool    *stages.Pool
	stt     stt.Transcriber
	llm     core.Completer
	tts     tts.Synthesizer
	events  events.Sink
	metrics *metrics.Metrics
	auth    protocol.Auth
	id      string
	cfg     Config
	now     func() time.Time
	onPhase func(from, to Phase)

	inFormat  voice.Format
	outFormat voice.Format
	decoder   protocol.Decoder

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	priority chan protocol.Frame
	queue    *flow.Controller
	results  chan stageEvent
	control  chan controlRequest

	canceledThrough atomic.Uint64
	speakers        sync.WaitGroup

	phase     Phase
	history   *history
	utter     *utteranceBuffer
	filter    transcriptFilter
	limiter   *inboundAudioLimiter
	idle      *time.Timer
	lastInSeq uint32
	turnSeq   uint64
	active    *turn
	inflight  []*stages.Handle
}

// turn is one utterance on its way from transcription to playback.
type turn struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc

	user      string
	sentences []string
	reply     []string
	spoken    []string

	llmDone   bool
	ttsBusy   bool
	ahead     int
	finishing bool
	speaker   chan segment
}

type segment struct {
	text string
	pcm  []byte
}

type controlRequest struct {
	reason string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("conn is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("stage pool is required")
	}
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil {
		return nil, fmt.Errorf("stt, llm and tts collaborators are required")
	}
	if deps.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if err := protocol.ValidatePCM16(deps.Auth.AudioIn, "audio_in"); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.OutputFrameSamples <= 0 {
		cfg.OutputFrameSamples = DefaultOutputFrameSamples
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = protocol.DefaultMaxPayload
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	if cfg.SilenceTimeout < 0 {
		cfg.SilenceTimeout = 0
	}

	outFormat := deps.TTS.Format()
	if outFormat.BitsPerSample != 16 || outFormat.Channels <= 0 || outFormat.SampleRate <= 0 {
		return nil, fmt.Errorf("tts backend %s has unsupported output format %+v", deps.TTS.Name(), outFormat)
	}
	inFormat := voice.Format{
		SampleRate:    deps.Auth.AudioIn.SampleRateHz,
		Channels:      deps.Auth.AudioIn.Channels,
		BitsPerSample: deps.Auth.AudioIn.BitsPerSample,
	}

	flowCfg := cfg.Flow
	m := deps.Metrics
	prevOnPause := flowCfg.OnPause
	flowCfg.OnPause = func() {
		m.FlowPaused()
		if prevOnPause != nil {
			prevOnPause()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := time.NewTimer(time.Hour)
	idle.Stop()

	s := &Session{
		conn:      deps.Conn,
		logger:    deps.Logger.With("session_id", deps.SessionID),
		pool:      deps.Pool,
		stt:       deps.STT,
		llm:       deps.LLM,
		tts:       deps.TTS,
		events:    deps.Events,
		metrics:   deps.Metrics,
		auth:      deps.Auth,
		id:        deps.SessionID,
		cfg:       cfg,
		now:       deps.Now,
		onPhase:   deps.OnPhase,
		inFormat:  inFormat,
		outFormat: outFormat,
		decoder:   protocol.Decoder{MaxPayload: cfg.MaxFrameBytes},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		priority:  make(chan protocol.Frame, outboundPriorityQueueSize),
		queue:     flow.New(flowCfg),
		results:   make(chan stageEvent, stageEventQueueSize),
		control:   make(chan controlRequest, 1),
		phase:     PhaseAuthenticating,
		history:   newHistory(cfg.HistoryTurns),
		utter:     newUtteranceBuffer(inFormat, cfg.MaxUtteranceBytes, cfg.MaxQueuedUtterances, cfg.SilenceTimeout, cfg.SilenceThreshold),
		filter:    newTranscriptFilter(cfg.RepeatInterval, cfg.RecentTranscripts),
		limiter:   newInboundAudioLimiter(deps.Now, cfg.MaxAudioFPS, cfg.MaxAudioBPS, cfg.InboundBurstSeconds),
		idle:      idle,
		lastInSeq: deps.AuthSeq,
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel tears the session down without a goodbye frame.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Shutdown asks the session to send control: shutdown and close. It does not
// wait for the session to exit.
func (s *Session) Shutdown(reason string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.control <- controlRequest{reason: reason}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return errControlBusy
	}
}

// Run serves the connection until the client leaves, a fatal protocol error
// occurs, or the session is shut down or canceled. A clean close returns nil.
func (s *Session) Run() error {
	defer close(s.done)
	defer s.cancel()

	s.conn.SetReadLimit(int64(s.cfg.MaxFrameBytes + protocol.HeaderSize))
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, inboundQueueSize)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         s.conn,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority:   s.priority,
			queue:      s.queue,
			isCanceled: s.isCanceled,
			onWrite:    s.onWrite,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	s.setPhase(PhaseListening)
	s.sendAuthOK()

	err := s.loop(readCh, writerErrCh)
	s.teardown(writerErrCh)
	if err != nil {
		s.logger.Info("session closed", "error", err)
	} else {
		s.logger.Info("session closed")
	}
	return err
}

func (s *Session) loop(readCh <-chan inboundFrame, writerErrCh <-chan error) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err, ok := <-writerErrCh:
			if !ok || err == nil {
				return nil
			}
			return fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
		case in, ok := <-readCh:
			if !ok {
				return nil
			}
			if in.err != nil {
				if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return fmt.Errorf("%w: read: %v", ErrConnectionLost, in.err)
			}
			stop, err := s.handleInbound(in)
			if err != nil {
				return s.fatal(err)
			}
			if stop {
				return nil
			}
		case ev := <-s.results:
			if err := s.handleStageEvent(ev); err != nil {
				return s.fatal(err)
			}
		case req := <-s.control:
			s.logger.Info("session shutdown requested", "reason", req.reason)
			s.sendControl(protocol.ServerControl{Op: protocol.OpShutdown, Reason: req.reason})
			return nil
		case <-s.idle.C:
			if s.utter.idle() {
				s.utteranceClosed()
			}
		}
	}
}

// fatal queues the error frame for err ahead of the close.
func (s *Session) fatal(err error) error {
	payload := protocol.ErrorPayload{Fatal: true, Message: err.Error()}
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		payload.Code = pe.Code
		payload.Message = pe.Message
		s.metrics.ProtocolViolation(pe.Code)
	case errors.Is(err, ErrClientStalled):
		payload.Code = protocol.ErrCodeClientStalled
		payload.Message = "client is not reading audio"
		s.metrics.FlowStalled()
	default:
		payload.Code = protocol.ErrCodeProtocolViolation
	}
	s.logger.Warn("closing session", "code", payload.Code, "error", err)
	s.sendPriority(protocol.ErrorFrame(payload))
	return err
}

func (s *Session) teardown(writerErrCh <-chan error) {
	if s.active != nil {
		s.abortTurn(s.active)
	}
	s.idle.Stop()
	s.setPhase(PhaseClosed)
	s.cancel()
	s.queue.Close()

	wait := 250 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
		wait = s.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
	timer.Stop()
	_ = s.conn.Close()

	// Stage tasks observe the canceled context; give them a bounded window
	// to release their pool slots before Run returns.
	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()
	for _, h := range s.inflight {
		select {
		case <-h.Done():
		case <-deadline.C:
			s.logger.Warn("stage task did not exit after cancel", "stage", h.Kind())
			return
		}
	}
	s.speakers.Wait()
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// handleInbound applies one client frame. stop reports a clean end_session.
func (s *Session) handleInbound(in inboundFrame) (stop bool, err error) {
	if in.messageType != websocket.BinaryMessage {
		return false, &ProtocolError{Code: protocol.ErrCodeProtocolViolation, Message: "frames must be sent as binary messages"}
	}
	f, err := s.decoder.Decode(in.data)
	if err != nil {
		return false, &ProtocolError{Code: protocol.ErrCodeMalformedFrame, Message: err.Error()}
	}
	if err := s.checkSeq(f.Seq); err != nil {
		return false, err
	}

	switch f.Type {
	case protocol.FrameAudio:
		s.metrics.FrameReceived(f.Type.String(), len(f.Payload))
		return false, s.handleAudio(f.Payload)
	case protocol.FrameUtteranceEnd:
		s.metrics.FrameReceived(f.Type.String(), 0)
		if s.utter.end() {
			s.utteranceClosed()
		}
		s.armIdle()
	case protocol.FrameControl:
		s.metrics.FrameReceived(f.Type.String(), 0)
		ctl, err := protocol.DecodeClientControl(f.Payload)
		if err != nil {
			return false, &ProtocolError{Code: protocol.ErrCodeProtocolViolation, Message: err.Error()}
		}
		switch ctl.Op {
		case protocol.OpInterrupt:
			s.interrupt()
		case protocol.OpReset:
			s.utter.reset()
			s.armIdle()
		case protocol.OpEndSession:
			return true, nil
		}
	case protocol.FrameError:
		s.metrics.FrameReceived(f.Type.String(), 0)
		p, _ := protocol.DecodeErrorPayload(f.Payload)
		s.logger.Warn("client reported error", "code", p.Code, "message", p.Message)
	}
	return false, nil
}

// checkSeq enforces strictly increasing inbound sequence numbers.
func (s *Session) checkSeq(seq uint32) error {
	last := s.lastInSeq
	if seq <= last {
		return &ProtocolError{
			Code:    protocol.ErrCodeProtocolViolation,
			Message: fmt.Sprintf("sequence %d does not follow %d", seq, last),
		}
	}
	if seq != last+1 {
		s.metrics.SequenceGap()
		s.logger.Warn("inbound sequence gap", "expected", last+1, "got", seq)
		s.sendControl(protocol.ServerControl{Op: protocol.OpAudioGap, Expected: last + 1, Got: seq})
	}
	s.lastInSeq = seq
	return nil
}

func (s *Session) handleAudio(pcm []byte) error {
	if !s.limiter.Allow(len(pcm)) {
		return &ProtocolError{Code: protocol.ErrCodeRateLimited, Message: "inbound audio rate exceeded"}
	}
	closed := s.utter.append(pcm)
	s.armIdle()
	if closed {
		s.utteranceClosed()
	}
	return nil
}

// utteranceClosed reports utterances the full queue could not take, then
// starts the next turn if the session is free.
func (s *Session) utteranceClosed() {
	if n := s.utter.takeDropped(); n > 0 {
		s.logger.Warn("utterance queue full, audio discarded", "utterances", n, "queued", s.utter.queued())
		s.sendPriority(protocol.ErrorFrame(protocol.ErrorPayload{
			Code:    protocol.ErrCodeRateLimited,
			Message: "too many utterances waiting for a reply",
		}))
	}
	s.startNextTurn()
}

func (s *Session) armIdle() {
	if s.utter.awaitingSilence() {
		s.idle.Reset(s.cfg.SilenceTimeout)
		return
	}
	s.idle.Stop()
}

// startNextTurn begins the oldest queued utterance if the session is free.
func (s *Session) startNextTurn() {
	if s.phase != PhaseListening || s.active != nil {
		return
	}
	pcm, ok := s.utter.next()
	if !ok {
		return
	}
	s.beginTurn(pcm)
}

func (s *Session) beginTurn(pcm []byte) {
	s.turnSeq++
	ctx, cancel := context.WithCancel(s.ctx)
	t := &turn{id: s.turnSeq, ctx: ctx, cancel: cancel}
	s.active = t
	s.setPhase(PhaseTranscribing)
	s.logger.Debug("utterance", "turn", t.id, "bytes", len(pcm), "duration", s.inFormat.Duration(len(pcm)))

	id := t.id
	_, err := s.submit(t, stages.KindSTT, func(ctx context.Context) stageEvent {
		text, err := s.stt.Transcribe(ctx, pcm, s.inFormat)
		return sttResult{turn: id, text: text, err: err}
	}, func(err error) stageEvent {
		return sttResult{turn: id, err: err}
	})
	if err != nil {
		s.stageFailed(t, stages.KindSTT, err)
	}
}

// submit runs work on the stage pool and posts its event back to the
// session. failed builds the event for a task that panicked.
func (s *Session) submit(t *turn, kind stages.Kind, work func(ctx context.Context) stageEvent, failed func(error) stageEvent) (*stages.Handle, error) {
	task := func(ctx context.Context) (err error) {
		var ev stageEvent
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s task panic: %v", kind, r)
				ev = failed(err)
			}
			s.post(ctx, ev)
		}()
		ev = work(ctx)
		return ev.failure()
	}
	h, err := s.pool.Submit(t.ctx, kind, task)
	if err != nil {
		return nil, err
	}
	s.track(h)
	return h, nil
}

func (s *Session) track(h *stages.Handle) {
	kept := s.inflight[:0]
	for _, old := range s.inflight {
		select {
		case <-old.Done():
		default:
			kept = append(kept, old)
		}
	}
	s.inflight = append(kept, h)
}

// post delivers ev to the session goroutine unless ctx ends first.
func (s *Session) post(ctx context.Context, ev stageEvent) bool {
	if ev == nil {
		return false
	}
	select {
	case s.results <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) handleStageEvent(ev stageEvent) error {
	t := s.active
	if t == nil || ev.turnID() != t.id {
		return nil
	}
	switch ev := ev.(type) {
	case sttResult:
		s.onTranscript(t, ev)
	case llmSentence:
		t.sentences = append(t.sentences, ev.text)
		t.reply = append(t.reply, ev.text)
		s.pumpTTS(t)
	case llmDone:
		if ev.err != nil {
			s.stageFailed(t, stages.KindLLM, ev.err)
			return nil
		}
		t.llmDone = true
		s.maybeFinishReply(t)
	case ttsResult:
		t.ttsBusy = false
		if ev.err != nil {
			s.stageFailed(t, stages.KindTTS, ev.err)
			return nil
		}
		s.speak(t, ev)
		s.pumpTTS(t)
		s.maybeFinishReply(t)
	case segmentQueued:
		t.ahead--
		s.pumpTTS(t)
		s.maybeFinishReply(t)
	case segmentWritten:
		t.spoken = append(t.spoken, ev.text)
	case speakerFailed:
		if errors.Is(ev.err, flow.ErrStalled) {
			return ErrClientStalled
		}
	case turnFlushed:
		s.completeTurn(t)
	}
	return nil
}

func (s *Session) onTranscript(t *turn, ev sttResult) {
	if ev.err != nil {
		s.stageFailed(t, stages.KindSTT, ev.err)
		return
	}
	text, ok := s.filter.accept(ev.text, s.now())
	if !ok {
		s.logger.Debug("no speech in utterance", "turn", t.id, "transcript", ev.text)
		s.metrics.NoSpeechDetected()
		s.sendControl(protocol.ServerControl{Op: protocol.OpNoSpeech})
		s.finishTurn(t)
		return
	}
	t.user = text
	if s.auth.WantTranscripts {
		s.sendControl(protocol.ServerControl{Op: protocol.OpTranscript, Text: text})
	}

	s.setPhase(PhaseCompleting)
	msgs := s.history.messages(s.cfg.SystemPrompt, text)
	id := t.id
	_, err := s.submit(t, stages.KindLLM, func(ctx context.Context) stageEvent {
		return llmDone{turn: id, err: s.streamReply(ctx, id, msgs)}
	}, func(err error) stageEvent {
		return llmDone{turn: id, err: err}
	})
	if err != nil {
		s.stageFailed(t, stages.KindLLM, err)
	}
}

// streamReply reads the completion and posts it sentence by sentence.
func (s *Session) streamReply(ctx context.Context, id uint64, msgs []types.Message) error {
	if s.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TurnTimeout)
		defer cancel()
	}
	timedOut := func(err error) error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errTurnTimeout
		}
		return err
	}

	stream, err := s.llm.Complete(ctx, msgs)
	if err != nil {
		return timedOut(err)
	}
	defer stream.Close()

	buf := voice.NewSentenceBuffer(0)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return timedOut(err)
		}
		for _, sentence := range buf.Add(chunk) {
			if !s.post(ctx, llmSentence{turn: id, text: sentence}) {
				return timedOut(ctx.Err())
			}
		}
	}
	if rest := buf.Flush(); rest != "" {
		if !s.post(ctx, llmSentence{turn: id, text: rest}) {
			return timedOut(ctx.Err())
		}
	}
	return nil
}

// pumpTTS submits the next pending sentence when the TTS slot is free and
// playback is not too far behind.
func (s *Session) pumpTTS(t *turn) {
	if s.active != t || t.ttsBusy || len(t.sentences) == 0 || t.ahead >= maxSegmentsAhead {
		return
	}
	text := t.sentences[0]
	t.sentences = t.sentences[1:]
	if s.phase == PhaseCompleting {
		s.setPhase(PhaseSynthesizing)
	}

	id := t.id
	voiceID := s.auth.VoiceID
	_, err := s.submit(t, stages.KindTTS, func(ctx context.Context) stageEvent {
		pcm, err := s.tts.Synthesize(ctx, text, voiceID)
		return ttsResult{turn: id, text: text, pcm: pcm, err: err}
	}, func(err error) stageEvent {
		return ttsResult{turn: id, text: text, err: err}
	})
	if err != nil {
		s.stageFailed(t, stages.KindTTS, err)
		return
	}
	t.ttsBusy = true
}

// speak hands synthesized audio to the turn's playback goroutine.
func (s *Session) speak(t *turn, ev ttsResult) {
	if len(ev.pcm) == 0 {
		t.spoken = append(t.spoken, ev.text)
		return
	}
	s.ensureSpeaker(t)
	t.speaker <- segment{text: ev.text, pcm: ev.pcm}
	t.ahead++
	s.setPhase(PhaseSpeaking)
}

func (s *Session) ensureSpeaker(t *turn) {
	if t.speaker != nil {
		return
	}
	t.speaker = make(chan segment, maxSegmentsAhead+1)
	s.speakers.Add(1)
	go s.runSpeaker(t.ctx, t.id, t.speaker)
}

// runSpeaker cuts segments into wire frames and pushes them through the flow
// controller. When segs is closed it marks the end of the reply.
func (s *Session) runSpeaker(ctx context.Context, id uint64, segs <-chan segment) {
	defer s.speakers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case seg, ok := <-segs:
			if !ok {
				s.push(ctx, flow.Item{Turn: id, Frame: protocol.Frame{Type: protocol.FrameUtteranceEnd}})
				return
			}
			if !s.playSegment(ctx, id, seg) {
				return
			}
		}
	}
}

func (s *Session) playSegment(ctx context.Context, id uint64, seg segment) bool {
	align := s.outFormat.BytesPerFrame()
	frameBytes := s.cfg.OutputFrameSamples * align
	chunks := voice.SplitFrames(seg.pcm, frameBytes, align)
	for i, chunk := range chunks {
		item := flow.Item{Turn: id, Frame: protocol.Frame{Type: protocol.FrameAudio, Payload: chunk}}
		if i == len(chunks)-1 {
			item.Segment = seg.text
		}
		if !s.push(ctx, item) {
			return false
		}
	}
	s.post(ctx, segmentQueued{turn: id, text: seg.text})
	return true
}

// push queues one reply frame. A failure other than cancellation is
// reported to the session.
func (s *Session) push(ctx context.Context, item flow.Item) bool {
	err := s.queue.Push(ctx, item)
	if err == nil {
		return true
	}
	if ctx.Err() == nil {
		s.post(s.ctx, speakerFailed{turn: item.Turn, err: err})
	}
	return false
}

// maybeFinishReply closes playback once the completion and every synthesis
// for it are done.
func (s *Session) maybeFinishReply(t *turn) {
	if s.active != t || !t.llmDone || t.ttsBusy || len(t.sentences) > 0 || t.finishing {
		return
	}
	if len(t.reply) == 0 {
		s.stageFailed(t, stages.KindLLM, errEmptyReply)
		return
	}
	t.finishing = true
	s.ensureSpeaker(t)
	close(t.speaker)
}

// onWrite runs on the writer goroutine.
func (s *Session) onWrite(it flow.Item) {
	audio := 0
	if it.Frame.Type == protocol.FrameAudio {
		audio = len(it.Frame.Payload)
	}
	s.metrics.FrameSent(it.Frame.Type.String(), audio)
	if it.Turn != 0 && it.Segment != "" {
		s.post(s.ctx, segmentWritten{turn: it.Turn, text: it.Segment})
	}
	if it.Turn != 0 && it.Frame.Type == protocol.FrameUtteranceEnd {
		s.post(s.ctx, turnFlushed{turn: it.Turn})
	}
}

func (s *Session) completeTurn(t *turn) {
	done := types.Turn{User: t.user, Assistant: strings.Join(t.reply, " ")}
	s.history.append(done)
	s.metrics.TurnCompleted(false)
	s.publish(t.id, done)
	s.finishTurn(t)
}

// finishTurn releases the active turn and moves on to any queued utterance.
func (s *Session) finishTurn(t *turn) {
	t.cancel()
	if s.active == t {
		s.active = nil
	}
	s.setPhase(PhaseListening)
	s.startNextTurn()
}

// abortTurn cancels t and drops every queued frame of its reply.
func (s *Session) abortTurn(t *turn) {
	t.cancel()
	s.markCanceled(t.id)
	if n := s.queue.Purge(func(it flow.Item) bool { return it.Turn == t.id }); n > 0 {
		s.logger.Debug("purged queued reply frames", "turn", t.id, "frames", n)
	}
	if s.active == t {
		s.active = nil
	}
}

func (s *Session) stageFailed(t *turn, kind stages.Kind, err error) {
	if errors.Is(err, errTurnTimeout) {
		kind = stages.KindLLM
	}
	se := &StageError{Stage: kind, Err: err}
	s.logger.Warn("stage failed", "stage", kind, "turn", t.id, "error", err)
	s.metrics.StageFailed(kind.String())
	s.abortTurn(t)
	s.sendPriority(protocol.ErrorFrame(protocol.ErrorPayload{
		Code:    se.Code(),
		Message: se.Error(),
		Stage:   kind.String(),
	}))
	s.setPhase(PhaseListening)
	s.startNextTurn()
}

// interrupt handles barge-in. Outside a reply there is nothing to cancel.
func (s *Session) interrupt() {
	t := s.active
	if t == nil || !s.phase.replying() {
		s.logger.Debug("interrupt ignored", "phase", s.phase)
		return
	}
	partial := types.Turn{User: t.user, Assistant: strings.Join(t.spoken, " "), Interrupted: true}
	s.abortTurn(t)
	s.sendControl(protocol.ServerControl{Op: protocol.OpInterrupted})
	s.history.append(partial)
	s.metrics.TurnCompleted(true)
	s.publish(t.id, partial)
	s.setPhase(PhaseListening)
	s.startNextTurn()
}

func (s *Session) markCanceled(id uint64) {
	for {
		cur := s.canceledThrough.Load()
		if id <= cur || s.canceledThrough.CompareAndSwap(cur, id) {
			return
		}
	}
}

// isCanceled reports whether frames tagged with turn must be dropped. Turns
// run one at a time, so a single high-water mark covers every canceled turn.
func (s *Session) isCanceled(turn uint64) bool {
	return turn <= s.canceledThrough.Load()
}

func (s *Session) publish(id uint64, t types.Turn) {
	if s.events == nil {
		return
	}
	ev := events.TurnEvent{
		SessionID:   s.id,
		ClientID:    s.auth.ClientID,
		Turn:        id,
		User:        t.User,
		Assistant:   t.Assistant,
		Interrupted: t.Interrupted,
		CompletedAt: s.now().UTC(),
	}
	if err := s.events.Publish(s.ctx, ev); err != nil {
		s.logger.Warn("turn event not published", "turn", id, "error", err)
	}
}

func (s *Session) setPhase(to Phase) {
	from := s.phase
	if from == to {
		return
	}
	s.phase = to
	s.metrics.PhaseChanged(from.String(), to.String())
	s.logger.Debug("phase", "from", from.String(), "to", to.String())
	if s.onPhase != nil {
		s.onPhase(from, to)
	}
}

func (s *Session) sendAuthOK() {
	f, err := protocol.ControlFrame(protocol.AuthOK{
		Op:              protocol.OpAuthOK,
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       s.id,
		AudioIn:         s.auth.AudioIn,
		AudioOut: protocol.AudioFormat{
			SampleRateHz:  s.outFormat.SampleRate,
			Channels:      s.outFormat.Channels,
			BitsPerSample: s.outFormat.BitsPerSample,
		},
		Limits: protocol.AuthOKLimits{
			MaxFrameBytes:     s.cfg.MaxFrameBytes,
			MaxUtteranceBytes: s.cfg.MaxUtteranceBytes,
			MaxAudioFPS:       s.cfg.MaxAudioFPS,
			MaxAudioBPS:       s.cfg.MaxAudioBPS,
			SilenceTimeoutMS:  int(s.cfg.SilenceTimeout / time.Millisecond),
			HistoryTurns:      s.cfg.HistoryTurns,
		},
	})
	if err != nil {
		s.logger.Error("encode auth_ok", "error", err)
		return
	}
	s.sendPriority(f)
}

func (s *Session) sendControl(c protocol.ServerControl) {
	f, err := protocol.ControlFrame(c)
	if err != nil {
		s.logger.Error("encode control", "op", c.Op, "error", err)
		return
	}
	s.sendPriority(f)
}

// sendPriority never blocks. When the priority lane is full the oldest frame
// is evicted.
func (s *Session) sendPriority(f protocol.Frame) {
	for i := 0; i < 4; i++ {
		select {
		case s.priority <- f:
			return
		default:
		}
		select {
		case old := <-s.priority:
			s.logger.Warn("priority frame evicted", "type", old.Type.String())
		default:
		}
	}
	s.logger.Warn("priority frame dropped", "type", f.Type.String())
}
