// Package server assembles the voice server: routes, middleware, shared
// stage pool, session registry and the graceful shutdown sequence.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/voice/stt"
	"github.com/vango-go/vai-talk/pkg/core/voice/tts"
	"github.com/vango-go/vai-talk/pkg/gateway/config"
	"github.com/vango-go/vai-talk/pkg/gateway/events"
	"github.com/vango-go/vai-talk/pkg/gateway/handlers"
	"github.com/vango-go/vai-talk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-talk/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-talk/pkg/gateway/metrics"
	"github.com/vango-go/vai-talk/pkg/gateway/mw"
	"github.com/vango-go/vai-talk/pkg/gateway/stages"
)

// Backends are the three collaborators shared by every session.
type Backends struct {
	STT stt.Transcriber
	LLM core.Completer
	TTS tts.Synthesizer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	backends  Backends
	events    events.Sink
	publisher *events.Publisher
	registry  *sessions.Registry
	lifecycle *lifecycle.Lifecycle
	pool      *stages.Pool
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
}

// New builds the server. With a nil sink the server publishes turn events
// through its own Kafka publisher built from cfg. Each Server owns its own
// Prometheus registry.
func New(cfg config.Config, logger *slog.Logger, backends Backends, sink events.Sink) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		backends:  backends,
		events:    sink,
		registry:  sessions.NewRegistry(m),
		lifecycle: lifecycle.New(),
		pool:      stages.New(cfg.PoolLimits(), m),
		metrics:   m,
		gatherer:  reg,
	}
	if sink == nil {
		s.publisher = events.New(cfg.Events(), logger, m)
		s.events = s.publisher
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Registry:  s.registry,
		Pool:      s.pool,
	})
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
		Pool:      s.pool,
		Metrics:   s.metrics,
		Events:    s.events,
		STT:       s.backends.STT,
		LLM:       s.backends.LLM,
		TTS:       s.backends.TTS,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Registry() *sessions.Registry { return s.registry }

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

// Drain stops accepting sessions and asks every live session to send
// control:shutdown. It returns how many sessions were notified.
func (s *Server) Drain(reason string) int {
	if !s.lifecycle.BeginDrain() {
		return 0
	}
	sent := s.registry.BroadcastShutdown(reason)
	s.logger.Info("draining voice sessions", "sessions", s.registry.Count(), "notified", sent)
	return sent
}

// WaitSessions waits for sessions to end, then cancels whatever is left and
// waits for stage work to exit. It reports whether sessions ended on their own.
func (s *Server) WaitSessions(ctx context.Context) bool {
	clean := s.registry.Wait(ctx)
	if !clean {
		n := s.registry.CancelAll()
		s.logger.Warn("shutdown grace period expired, canceling sessions", "sessions", n)
	}
	s.pool.Close()
	if !s.pool.Wait(ctx) {
		s.logger.Warn("stage tasks still running at shutdown")
	}
	return clean
}

// Close flushes and closes the turn event publisher owned by the server.
func (s *Server) Close() error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.Close()
}
