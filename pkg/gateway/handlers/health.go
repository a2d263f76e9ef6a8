package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-talk/pkg/gateway/config"
	"github.com/vango-go/vai-talk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-talk/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-talk/pkg/gateway/stages"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether new voice sessions would be accepted.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
	Pool      *stages.Pool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type stageResp struct {
		InFlight int `json:"in_flight"`
		Limit    int `json:"limit"`
	}
	type readyResp struct {
		OK       bool                 `json:"ok"`
		Draining bool                 `json:"draining"`
		Sessions int                  `json:"sessions"`
		Stages   map[string]stageResp `json:"stages,omitempty"`
		Backends map[string]string    `json:"backends"`
		Issues   []string             `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "server is draining")
	}
	if h.Pool == nil {
		issues = append(issues, "stage pool not configured")
	}

	resp := readyResp{
		Draining: draining,
		Sessions: h.Registry.Count(),
		Backends: map[string]string{
			"stt": h.Config.STT.Backend,
			"llm": h.Config.LLM.Backend,
			"tts": h.Config.TTS.Backend,
		},
	}
	if h.Pool != nil {
		resp.Stages = make(map[string]stageResp, 3)
		for _, kind := range []stages.Kind{stages.KindSTT, stages.KindLLM, stages.KindTTS} {
			resp.Stages[string(kind)] = stageResp{InFlight: h.Pool.InFlight(kind), Limit: h.Pool.Limit(kind)}
		}
	}
	resp.OK = len(issues) == 0
	resp.Issues = issues

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
