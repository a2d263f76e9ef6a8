package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vango-go/vai-talk/internal/dotenv"
	"github.com/vango-go/vai-talk/pkg/core/providers/gemini"
	"github.com/vango-go/vai-talk/pkg/core/providers/openai"
	"github.com/vango-go/vai-talk/pkg/core/voice/stt"
	"github.com/vango-go/vai-talk/pkg/core/voice/tts"
	"github.com/vango-go/vai-talk/pkg/gateway/config"
	"github.com/vango-go/vai-talk/pkg/gateway/server"
)

type talkDeps struct {
	loadConfig   func() (config.Config, error)
	newBackends  func(context.Context, config.Config) (server.Backends, func(), error)
	newServer    func(config.Config, *slog.Logger, server.Backends) *server.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultTalkDeps() talkDeps {
	return talkDeps{
		loadConfig:  config.Load,
		newBackends: buildBackends,
		newServer: func(cfg config.Config, logger *slog.Logger, b server.Backends) *server.Server {
			return server.New(cfg, logger, b, nil)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout: it would also cut hijacked websocket connections.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("VAI_TALK_LOG_LEVEL: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// cloudEndpoint drops the local default endpoint so hosted backends use
// their own base URL unless one was configured explicitly.
func cloudEndpoint(got, localDefault string) string {
	if got == localDefault {
		return ""
	}
	return got
}

func buildBackends(ctx context.Context, cfg config.Config) (server.Backends, func(), error) {
	defaults := config.Default()
	var b server.Backends
	closers := []func() error{}
	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	switch cfg.STT.Backend {
	case config.STTGoogle:
		g, err := stt.NewGoogle(ctx, cfg.STT.Language)
		if err != nil {
			return server.Backends{}, cleanup, err
		}
		closers = append(closers, g.Close)
		b.STT = g
	default:
		b.STT = stt.NewWhisper(cfg.STT.Endpoint, cfg.STT.Language, nil)
	}

	switch cfg.LLM.Backend {
	case config.LLMGemini:
		p, err := gemini.New(ctx, gemini.Config{
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.Model,
			BaseURL:   cloudEndpoint(cfg.LLM.Endpoint, defaults.LLM.Endpoint),
			MaxTokens: cfg.LLM.MaxTokens,
		})
		if err != nil {
			return server.Backends{}, cleanup, err
		}
		b.LLM = p
	default:
		b.LLM = openai.New(cfg.LLM.APIKey, cfg.LLM.Model,
			openai.WithBaseURL(cfg.LLM.Endpoint),
			openai.WithMaxTokens(cfg.LLM.MaxTokens),
		)
	}

	switch cfg.TTS.Backend {
	case config.TTSCartesia:
		b.TTS = tts.NewCartesia(tts.CartesiaConfig{
			APIKey:     cfg.TTS.APIKey,
			BaseURL:    cloudEndpoint(cfg.TTS.Endpoint, defaults.TTS.Endpoint),
			VoiceID:    cfg.TTS.VoiceID,
			SampleRate: cfg.TTS.SampleRate,
		})
	case config.TTSElevenLabs:
		e, err := tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:     cfg.TTS.APIKey,
			BaseURL:    cloudEndpoint(cfg.TTS.Endpoint, defaults.TTS.Endpoint),
			VoiceID:    cfg.TTS.VoiceID,
			SampleRate: cfg.TTS.SampleRate,
		})
		if err != nil {
			return server.Backends{}, cleanup, err
		}
		b.TTS = e
	default:
		b.TTS = tts.NewPiper(tts.PiperConfig{
			Endpoint:   cfg.TTS.Endpoint,
			VoiceID:    cfg.TTS.VoiceID,
			SampleRate: cfg.TTS.SampleRate,
		})
	}
	return b, cleanup, nil
}

func runTalk(ctx context.Context, stderr io.Writer, deps talkDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newBackends == nil || deps.newServer == nil {
		return errors.New("missing server dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}

	backends, cleanup, err := deps.newBackends(ctx, cfg)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return fmt.Errorf("init backends: %w", err)
	}

	srv := deps.newServer(cfg, logger, backends)
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("close event publisher", "error", err)
		}
	}()
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting voice server",
		"addr", cfg.Addr,
		"stt", cfg.STT.Backend,
		"llm", cfg.LLM.Backend,
		"tts", cfg.TTS.Backend,
		"kafka", len(cfg.Kafka.Brokers) > 0,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Sessions hear control:shutdown before the listener goes away.
	srv.Drain("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if !srv.WaitSessions(shutdownCtx) {
		logger.Warn("voice sessions canceled at end of grace period")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice server stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps talkDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-talk: %v\n", err)
		return 1
	}

	if err := runTalk(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-talk: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultTalkDeps()))
}
