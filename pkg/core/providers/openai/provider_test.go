package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/types"
)

func TestComplete_StreamsChunks(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization=%q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi \"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := New("sk-test", "gpt-4o-mini", WithBaseURL(server.URL+"/v1"), WithMaxTokens(64))
	stream, err := p.Complete(context.Background(), []types.Message{
		{Role: types.RoleSystem, Text: "be brief"},
		{Role: types.RoleUser, Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	text, err := core.Collect(stream)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if text != "hi there" {
		t.Fatalf("text=%q", text)
	}
	if !got.Stream || got.Model != "gpt-4o-mini" || got.MaxTokens != 64 {
		t.Fatalf("request=%+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hello" {
		t.Fatalf("messages=%+v", got.Messages)
	}
}

func TestComplete_ServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := New("", "llama3", WithBaseURL(server.URL))
	_, err := p.Complete(context.Background(), []types.Message{{Role: types.RoleUser, Text: "x"}})
	if !errors.Is(err, core.ErrBackendUnavailable) {
		t.Fatalf("err=%v, want ErrBackendUnavailable", err)
	}
	var be *core.BackendError
	if !errors.As(err, &be) || be.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err=%#v", err)
	}
}

func TestComplete_BadRequestIsNotUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"unknown model"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := New("", "nope", WithBaseURL(server.URL)).Complete(context.Background(), nil)
	if err == nil || errors.Is(err, core.ErrBackendUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

func TestTextStream_EOFWithoutDone(t *testing.T) {
	s := newTextStream(io.NopCloser(strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}")))
	chunk, err := s.Next()
	if err != nil || chunk != "tail" {
		t.Fatalf("Next()=%q,%v", chunk, err)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestTextStream_ErrorChunk(t *testing.T) {
	s := newTextStream(io.NopCloser(strings.NewReader("data: {\"error\":{\"message\":\"quota\"}}\n")))
	if _, err := s.Next(); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Fatalf("err=%v", err)
	}
}

func TestComplete_CanceledContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := New("", "m", WithBaseURL(server.URL)).Complete(ctx, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	defer stream.Close()
	if chunk, err := stream.Next(); err != nil || chunk != "a" {
		t.Fatalf("Next()=%q,%v", chunk, err)
	}
	cancel()
	if _, err := stream.Next(); err == nil || err == io.EOF {
		t.Fatalf("expected error after cancel, got %v", err)
	}
}
