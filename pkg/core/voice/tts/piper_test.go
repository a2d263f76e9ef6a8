package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-talk/pkg/core"
	"github.com/vango-go/vai-talk/pkg/core/voice"
)

func TestPiper_Synthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("text") != "hi there" || r.PostForm.Get("voice") != "amy" {
			t.Errorf("form=%v", r.PostForm)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(voice.EncodeWAV([]byte{1, 0, 2, 0, 3, 0}, voice.Format{SampleRate: 22050, Channels: 1, BitsPerSample: 16}))
	}))
	defer server.Close()

	p := NewPiper(PiperConfig{Endpoint: server.URL, VoiceID: "amy"})
	pcm, err := p.Synthesize(context.Background(), "hi there", "")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(pcm) != 6 {
		t.Fatalf("pcm=%d bytes", len(pcm))
	}
	if p.Format().SampleRate != 22050 || p.Format().BitsPerSample != 16 {
		t.Fatalf("format=%+v", p.Format())
	}
}

func floatWAV(samples ...float32) []byte {
	data := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	hdr := voice.EncodeWAV(data, voice.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 32})
	// Patch the format tag to IEEE float.
	binary.LittleEndian.PutUint16(hdr[20:], 3)
	return hdr
}

func TestPiper_FloatOutputConverted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(floatWAV(0.5, -0.5))
	}))
	defer server.Close()

	pcm, err := NewPiper(PiperConfig{Endpoint: server.URL, SampleRate: 16000}).Synthesize(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(pcm) != 4 {
		t.Fatalf("pcm=%d bytes, want 4", len(pcm))
	}
	if got := int16(binary.LittleEndian.Uint16(pcm)); got != 16383 {
		t.Fatalf("sample=%d", got)
	}
}

func TestPiper_RateMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(voice.EncodeWAV([]byte{0, 0}, voice.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}))
	}))
	defer server.Close()

	if _, err := NewPiper(PiperConfig{Endpoint: server.URL}).Synthesize(context.Background(), "x", ""); err == nil {
		t.Fatalf("expected sample rate mismatch error")
	}
}

func TestPiper_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewPiper(PiperConfig{Endpoint: server.URL}).Synthesize(context.Background(), "x", "")
	if !errors.Is(err, core.ErrBackendUnavailable) {
		t.Fatalf("err=%v", err)
	}
}
