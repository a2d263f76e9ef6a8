package voice

import (
	"strings"
	"testing"
)

func TestSentenceBuffer_Add_SingleSentence(t *testing.T) {
	b := NewSentenceBuffer(0)

	sentences := b.Add("Hello world. ")
	if len(sentences) != 1 {
		t.Fatalf("expected 1 sentence, got %d", len(sentences))
	}
	if sentences[0] != "Hello world." {
		t.Fatalf("expected 'Hello world.', got %q", sentences[0])
	}
}

func TestSentenceBuffer_Add_MultipleSentences(t *testing.T) {
	b := NewSentenceBuffer(0)

	sentences := b.Add("First sentence. Second sentence! Third? ")
	if len(sentences) != 3 {
		t.Fatalf("expected 3 sentences, got %d: %v", len(sentences), sentences)
	}
}

func TestSentenceBuffer_HoldsTrailingTerminator(t *testing.T) {
	b := NewSentenceBuffer(0)

	if got := b.Add("Pi is 3."); len(got) != 0 {
		t.Fatalf("split on trailing period: %v", got)
	}
	if got := b.Add("14 roughly. Next"); len(got) != 1 || got[0] != "Pi is 3.14 roughly." {
		t.Fatalf("got %v", got)
	}
	if got := b.Flush(); got != "Next" {
		t.Fatalf("Flush()=%q", got)
	}
}

func TestSentenceBuffer_StreamingChunks(t *testing.T) {
	b := NewSentenceBuffer(0)

	var all []string
	for _, chunk := range []string{"The ", "quick ", "brown ", "fox.", " Jumps ", "over.", " "} {
		all = append(all, b.Add(chunk)...)
	}
	if len(all) != 2 || all[0] != "The quick brown fox." || all[1] != "Jumps over." {
		t.Fatalf("got %v", all)
	}
}

func TestSentenceBuffer_Abbreviations(t *testing.T) {
	b := NewSentenceBuffer(0)

	got := b.Add("Dr. Smith met J. Doe at 5 p.m. today. Done ")
	if len(got) != 1 || got[0] != "Dr. Smith met J. Doe at 5 p.m. today." {
		t.Fatalf("got %v", got)
	}
}

func TestSentenceBuffer_ClauseBreakWhenLong(t *testing.T) {
	b := NewSentenceBuffer(20)

	got := b.Add("this clause runs long, and keeps going without end")
	if len(got) != 1 || got[0] != "this clause runs long," {
		t.Fatalf("got %v", got)
	}
	if !strings.HasPrefix(b.Pending(), " and keeps") {
		t.Fatalf("pending=%q", b.Pending())
	}
}

func TestSentenceBuffer_Flush(t *testing.T) {
	b := NewSentenceBuffer(0)

	b.Add("Incomplete sentence without period")
	if got := b.Flush(); got != "Incomplete sentence without period" {
		t.Fatalf("Flush()=%q", got)
	}
	if b.Pending() != "" {
		t.Fatalf("expected empty buffer after flush, got %q", b.Pending())
	}
}
