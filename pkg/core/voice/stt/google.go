package stt

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/voice"
)

// Google uses Cloud Speech-to-Text synchronous recognition. Credentials come
// from GOOGLE_APPLICATION_CREDENTIALS.
type Google struct {
	language  string
	recognize func(context.Context, *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	close     func() error
}

func NewGoogle(ctx context.Context, language string) (*Google, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google stt: new client: %w", err)
	}
	return &Google{
		language: languageOrDefault(language),
		recognize: func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			return c.Recognize(ctx, req)
		},
		close: c.Close,
	}, nil
}

func languageOrDefault(language string) string {
	if strings.TrimSpace(language) == "" {
		return "en-US"
	}
	return language
}

func (g *Google) Name() string { return "google" }

func (g *Google) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

func (g *Google) request(pcm []byte, format voice.Format) *speechpb.RecognizeRequest {
	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:          speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:   int32(format.SampleRate),
			AudioChannelCount: int32(format.Channels),
			LanguageCode:      g.language,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	}
}

func (g *Google) Transcribe(ctx context.Context, pcm []byte, format voice.Format) (string, error) {
	resp, err := g.recognize(ctx, g.request(pcm, format))
	if err != nil {
		return "", core.Unavailable(g.Name(), err)
	}
	var parts []string
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if t := strings.TrimSpace(alts[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}
