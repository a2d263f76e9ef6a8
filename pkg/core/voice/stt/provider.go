// Package stt turns a finished utterance into text.
package stt

import (
	"context"

	"github.com/vango-go/vai-talk/pkg/core/voice"
)

// Transcriber is the speech recognizer collaborator.
type Transcriber interface {
	// Name returns the backend identifier.
	Name() string

	// Transcribe converts one utterance of 16-bit PCM to text. An utterance
	// with no recognizable speech returns "" and no error.
	Transcribe(ctx context.Context, pcm []byte, format voice.Format) (string, error)
}
