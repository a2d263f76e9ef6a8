package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/voice"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "sonic-3"

	// Default voice ID - users should provide their own voice IDs
	cartesiaDefaultVoice = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

// Cartesia synthesizes through Cartesia's /tts/bytes endpoint with raw
// pcm_s16le output, so no container parsing is needed.
type Cartesia struct {
	apiKey       string
	baseURL      string
	model        string
	defaultVoice string
	format       voice.Format
	client       *http.Client
}

type CartesiaConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	VoiceID    string
	SampleRate int
	HTTPClient *http.Client
}

func NewCartesia(cfg CartesiaConfig) *Cartesia {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cartesiaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = cartesiaModel
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = cartesiaDefaultVoice
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Cartesia{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		defaultVoice: cfg.VoiceID,
		format:       voice.Format{SampleRate: cfg.SampleRate, Channels: 1, BitsPerSample: 16},
		client:       cfg.HTTPClient,
	}
}

func (c *Cartesia) Name() string { return "cartesia" }

func (c *Cartesia) Format() voice.Format { return c.format }

type cartesiaTTSRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

func (c *Cartesia) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if voiceID == "" {
		voiceID = c.defaultVoice
	}
	body, err := json.Marshal(cartesiaTTSRequest{
		ModelID:    c.model,
		Transcript: text,
		Voice:      cartesiaVoiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.format.SampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, core.Unavailable(c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return []byte{}, nil
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Unavailable(c.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.StatusError(c.Name(), resp.StatusCode, audio)
	}
	// A trailing odd byte cannot be a sample.
	return audio[:len(audio)&^1], nil
}
