package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/voice"
)

const DefaultWhisperEndpoint = "http://localhost:7070/inference"

// Whisper posts WAV-wrapped audio to a whisper.cpp style inference server that
// accepts a multipart "file" field and answers {"text": "..."}.
type Whisper struct {
	endpoint string
	language string
	client   *http.Client
}

func NewWhisper(endpoint, language string, client *http.Client) *Whisper {
	if endpoint == "" {
		endpoint = DefaultWhisperEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Whisper{endpoint: endpoint, language: language, client: client}
}

func (w *Whisper) Name() string { return "whisper" }

type whisperResp struct {
	Text string `json:"text"`
}

func (w *Whisper) Transcribe(ctx context.Context, pcm []byte, format voice.Format) (string, error) {
	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(voice.EncodeWAV(pcm, format)); err != nil {
		return "", fmt.Errorf("write audio to form: %w", err)
	}
	_ = mw.WriteField("response_format", "json")
	if w.language != "" {
		_ = mw.WriteField("language", w.language)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &b)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", core.Unavailable(w.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.Unavailable(w.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", core.StatusError(w.Name(), resp.StatusCode, body)
	}

	var wr whisperResp
	if err := json.Unmarshal(body, &wr); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(wr.Text), nil
}
