package openai

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/vango-go/vai-talk/pkg/core"
)

// chatChunk is the streaming chunk format; only the text delta is read.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// textStream reads "data:" lines of a server-sent event stream.
type textStream struct {
	reader   *bufio.Reader
	closer   io.Closer
	err      error
	finished bool
}

func newTextStream(body io.ReadCloser) *textStream {
	return &textStream{reader: bufio.NewReader(body), closer: body}
}

func (s *textStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.finished {
		return "", io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				s.finished = true
				return "", io.EOF
			}
			s.err = core.Unavailable("openai", err)
			return "", s.err
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.finished = true
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			s.err = errors.New("openai: stream error: " + chunk.Error.Message)
			return "", s.err
		}
		var text strings.Builder
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
		if text.Len() > 0 {
			return text.String(), nil
		}
	}
}

func (s *textStream) Close() error {
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c.Close()
}
