// Package openai streams replies from any OpenAI-compatible Chat Completions
// endpoint (OpenAI itself, Ollama's /v1, vLLM, llama.cpp server).
package openai

import (
	"net/http"
	"time"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"

	DefaultMaxTokens = 512
)

type Provider struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature *float64
	httpClient  *http.Client
}

type Option func(*Provider)

func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// New creates a provider for model. apiKey may be empty for local servers.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      model,
		maxTokens:  DefaultMaxTokens,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return "openai"
}
