package voice

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxPendingRunes bounds how much unterminated text is held before it
// is cut at the last clause break.
const DefaultMaxPendingRunes = 240

// SentenceBuffer accumulates streamed text and releases complete sentences so
// each one can be synthesized while the rest of the reply is still arriving.
type SentenceBuffer struct {
	buffer     strings.Builder
	maxPending int
}

// NewSentenceBuffer creates a buffer. maxPending <= 0 uses DefaultMaxPendingRunes.
func NewSentenceBuffer(maxPending int) *SentenceBuffer {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingRunes
	}
	return &SentenceBuffer{maxPending: maxPending}
}

// Add appends text and returns any sentences it completed. A terminator at the
// very end of the pending text is held until the next chunk shows whether it
// really ends the sentence ("3." followed by "14" must not split).
func (b *SentenceBuffer) Add(text string) []string {
	b.buffer.WriteString(text)

	content := b.buffer.String()
	var sentences []string

	lastEnd := 0
	for i := 0; i < len(content); i++ {
		if isSentenceEnd(content, i) {
			if s := strings.TrimSpace(content[lastEnd : i+1]); s != "" {
				sentences = append(sentences, s)
			}
			lastEnd = i + 1
		}
	}

	rest := content[lastEnd:]
	if utf8.RuneCountInString(rest) > b.maxPending {
		if cut := lastClauseBreak(rest); cut > 0 {
			if s := strings.TrimSpace(rest[:cut]); s != "" {
				sentences = append(sentences, s)
			}
			rest = rest[cut:]
			lastEnd = len(content) - len(rest)
		}
	}

	if lastEnd > 0 {
		b.buffer.Reset()
		b.buffer.WriteString(rest)
	}
	return sentences
}

// Flush returns any remaining text and clears the buffer.
func (b *SentenceBuffer) Flush() string {
	result := strings.TrimSpace(b.buffer.String())
	b.buffer.Reset()
	return result
}

// Pending returns the current pending text without clearing.
func (b *SentenceBuffer) Pending() string {
	return b.buffer.String()
}

func isSentenceEnd(s string, i int) bool {
	c := s[i]
	if c != '.' && c != '!' && c != '?' {
		return false
	}
	// Need to see the following byte.
	if i+1 >= len(s) {
		return false
	}
	if !isSpace(s[i+1]) {
		return false
	}
	if c == '.' && isAbbreviation(s, i) {
		return false
	}
	return true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

var commonAbbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Jr.", "Sr.",
	"Prof.", "Rev.", "Gen.", "Col.", "Lt.", "Sgt.",
	"Inc.", "Ltd.", "Corp.", "Co.", "vs.", "etc.",
	"i.e.", "e.g.", "a.m.", "p.m.", "U.S.", "U.K.",
	"St.", "No.",
}

func isAbbreviation(s string, i int) bool {
	if i < 1 {
		return false
	}
	start := i
	for start > 0 && !isSpace(s[start-1]) {
		start--
	}
	word := s[start : i+1]
	for _, abbr := range commonAbbreviations {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	// Initials: a lone capital letter.
	if s[i-1] >= 'A' && s[i-1] <= 'Z' && (i < 2 || isSpace(s[i-2])) {
		return true
	}
	return false
}

// lastClauseBreak returns the index just past the last ", " "; " or ": " in s.
func lastClauseBreak(s string) int {
	for i := len(s) - 2; i > 0; i-- {
		switch s[i] {
		case ',', ';', ':':
			if isSpace(s[i+1]) {
				return i + 1
			}
		}
	}
	return 0
}
