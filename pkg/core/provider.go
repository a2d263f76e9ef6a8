// Package core defines the collaborator contracts the voice pipeline depends on.
package core

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/vango-go/vai-talk/pkg/core/types"
)

// Completer produces a reply for a conversation.
type Completer interface {
	// Name returns the backend identifier (e.g. "openai", "gemini").
	Name() string

	// Complete starts a reply. The returned stream yields text chunks in
	// order; it is finite and cannot be restarted.
	Complete(ctx context.Context, msgs []types.Message) (TextStream, error)
}

// TextStream is a lazy sequence of reply chunks.
type TextStream interface {
	// Next returns the next chunk. It returns "", io.EOF once the reply is done.
	Next() (string, error)

	// Close releases resources. It is safe to call more than once.
	Close() error
}

// Collect drains s into one string.
func Collect(s TextStream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		chunk, err := s.Next()
		b.WriteString(chunk)
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
	}
}

// SliceStream replays fixed chunks. Backends that cannot stream use it to
// wrap a whole reply.
type SliceStream struct {
	chunks []string
	closed bool
}

func NewSliceStream(chunks ...string) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Next() (string, error) {
	if s.closed || len(s.chunks) == 0 {
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
