package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/voice"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"
	elevenLabsModel   = "eleven_flash_v2_5"
)

// elevenLabsRates are the pcm_<rate> output formats the API accepts.
var elevenLabsRates = map[int]bool{8000: true, 16000: true, 22050: true, 24000: true, 44100: true, 48000: true}

// ElevenLabs synthesizes with the non-streaming text-to-speech endpoint and
// requests raw PCM output.
type ElevenLabs struct {
	apiKey       string
	baseURL      string
	model        string
	defaultVoice string
	format       voice.Format
	client       *http.Client
}

type ElevenLabsConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	VoiceID    string
	SampleRate int
	HTTPClient *http.Client
}

func NewElevenLabs(cfg ElevenLabsConfig) (*ElevenLabs, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = elevenLabsBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = elevenLabsModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if !elevenLabsRates[cfg.SampleRate] {
		return nil, fmt.Errorf("elevenlabs: unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &ElevenLabs{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		defaultVoice: strings.TrimSpace(cfg.VoiceID),
		format:       voice.Format{SampleRate: cfg.SampleRate, Channels: 1, BitsPerSample: 16},
		client:       cfg.HTTPClient,
	}, nil
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Format() voice.Format { return e.format }

func (e *ElevenLabs) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if voiceID == "" {
		voiceID = e.defaultVoice
	}
	if voiceID == "" {
		return nil, fmt.Errorf("elevenlabs: voice id is required")
	}
	body, err := json.Marshal(map[string]string{"text": text, "model_id": e.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := e.baseURL + "/v1/text-to-speech/" + url.PathEscape(voiceID) +
		"?output_format=pcm_" + strconv.Itoa(e.format.SampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, core.Unavailable(e.Name(), err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Unavailable(e.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.StatusError(e.Name(), resp.StatusCode, audio)
	}
	return audio[:len(audio)&^1], nil
}
