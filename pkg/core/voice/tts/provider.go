// Package tts turns reply text into PCM audio.
package tts

import (
	"context"

	"github.com/vango-go/vai-talk/pkg/core/voice"
)

// Synthesizer is the speech synthesis collaborator. Every call returns audio
// in the same Format().
type Synthesizer interface {
	Name() string

	// Format is the fixed sample format of synthesized audio.
	Format() voice.Format

	// Synthesize renders text with voiceID ("" selects the default voice).
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}
