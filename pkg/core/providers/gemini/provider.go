// Package gemini streams replies from the Gemini API through the genai SDK.
package gemini

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/types"
)

const DefaultModel = "gemini-2.5-flash"

type Provider struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, model: model, maxTokens: int32(cfg.MaxTokens)}, nil
}

func (p *Provider) Name() string {
	return "gemini"
}

func (p *Provider) Complete(ctx context.Context, msgs []types.Message) (core.TextStream, error) {
	system, contents := toContents(msgs)
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: no user content")
	}
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if p.maxTokens > 0 {
		config.MaxOutputTokens = p.maxTokens
	}
	return newSeqStream(p.client.Models.GenerateContentStream(ctx, p.model, contents, config)), nil
}

// toContents maps the conversation onto Gemini roles; system messages are
// joined into the system instruction.
func toContents(msgs []types.Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Text)
			continue
		case types.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Text}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Text}}})
		}
	}
	return strings.Join(system, "\n"), contents
}

// seqStream adapts the SDK's push iterator to TextStream.
type seqStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	done bool
}

func newSeqStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *seqStream {
	next, stop := iter.Pull2(seq)
	return &seqStream{next: next, stop: stop}
}

func (s *seqStream) Next() (string, error) {
	for !s.done {
		resp, err, ok := s.next()
		if !ok {
			s.Close()
			return "", io.EOF
		}
		if err != nil {
			s.Close()
			return "", core.Unavailable("gemini", err)
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (s *seqStream) Close() error {
	if !s.done {
		s.done = true
		s.stop()
	}
	return nil
}
