package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/voice"
)

const (
	DefaultPiperEndpoint   = "http://localhost:7071/tts"
	DefaultPiperSampleRate = 22050
)

// Piper posts a url-encoded "text" form to a piper HTTP server and reads the
// WAV body. Output is normalized to 16-bit mono at the configured rate.
type Piper struct {
	endpoint     string
	defaultVoice string
	format       voice.Format
	client       *http.Client
}

type PiperConfig struct {
	Endpoint   string
	VoiceID    string
	SampleRate int
	HTTPClient *http.Client
}

func NewPiper(cfg PiperConfig) *Piper {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultPiperEndpoint
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultPiperSampleRate
	}
	if cfg.HTTPClient == nil {
		// The piper process can take a while to warm up.
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Piper{
		endpoint:     cfg.Endpoint,
		defaultVoice: cfg.VoiceID,
		format:       voice.Format{SampleRate: cfg.SampleRate, Channels: 1, BitsPerSample: 16},
		client:       cfg.HTTPClient,
	}
}

func (p *Piper) Name() string { return "piper" }

func (p *Piper) Format() voice.Format { return p.format }

func (p *Piper) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	form := url.Values{}
	form.Set("text", text)
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID != "" {
		form.Set("voice", voiceID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, core.Unavailable(p.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Unavailable(p.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, core.StatusError(p.Name(), resp.StatusCode, body)
	}

	pcm, f, err := voice.DecodeWAV(body)
	if err != nil {
		return nil, fmt.Errorf("piper: %w", err)
	}
	if f.Channels == 2 {
		pcm = voice.DownmixStereo16(pcm)
	}
	if f.SampleRate != p.format.SampleRate {
		return nil, fmt.Errorf("piper: voice sample rate %d does not match configured %d", f.SampleRate, p.format.SampleRate)
	}
	return pcm, nil
}
