package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-talk/pkg/gateway/config"
	"github.com/vango-go/vai-talk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-talk/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-talk/pkg/gateway/stages"
)

func readyConfig() config.Config {
	cfg := config.Default()
	cfg.SharedSecret = "s3cret"
	return cfg
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return rr.Code, resp
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	reg := sessions.NewRegistry(nil)
	_ = reg.Register("a", sessions.Handle{})
	status, resp := serveReady(t, ReadyHandler{
		Config:    readyConfig(),
		Lifecycle: lifecycle.New(),
		Registry:  reg,
		Pool:      stages.New(stages.Limits{STT: 1, LLM: 2, TTS: 3}, nil),
	})
	if status != http.StatusOK || resp["ok"] != true {
		t.Fatalf("status=%d resp=%v", status, resp)
	}
	if resp["sessions"].(float64) != 1 {
		t.Fatalf("sessions=%v", resp["sessions"])
	}
	tts := resp["stages"].(map[string]any)["tts"].(map[string]any)
	if tts["limit"].(float64) != 3 {
		t.Fatalf("tts stage=%v", tts)
	}
}

func TestReadyHandler_DrainingNotReady(t *testing.T) {
	lc := lifecycle.New()
	lc.BeginDrain()
	status, resp := serveReady(t, ReadyHandler{
		Config:    readyConfig(),
		Lifecycle: lc,
		Pool:      stages.New(stages.DefaultLimits(), nil),
	})
	if status != http.StatusServiceUnavailable || resp["draining"] != true {
		t.Fatalf("status=%d resp=%v", status, resp)
	}
}

func TestReadyHandler_InvalidConfigNotReady(t *testing.T) {
	status, resp := serveReady(t, ReadyHandler{
		Config: config.Default(),
		Pool:   stages.New(stages.DefaultLimits(), nil),
	})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", status)
	}
	issues, _ := resp["issues"].([]any)
	if len(issues) == 0 {
		t.Fatalf("expected issues, got %v", resp)
	}
}

func TestNotFoundHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}
