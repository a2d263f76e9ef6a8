package session

import (
	"strings"
	"time"
	"unicode"
)

// overlapThreshold is the shared-word ratio above which a transcript counts
// as a near duplicate of a recent one.
const overlapThreshold = 0.8

// skipPhrases are recognizer outputs commonly produced from silence.
var skipPhrases = map[string]struct{}{
	"thank you":           {},
	"thanks for watching": {},
}

// transcriptFilter rejects recognizer output that should not start a reply:
// empty or single-character text, text without letters or digits, known
// silence phrases, an exact repeat of the previous transcript inside the
// repeat interval, and near duplicates of the recent accepted transcripts.
type transcriptFilter struct {
	repeatInterval time.Duration

	last   string
	lastAt time.Time

	// recent is a ring of word sets of accepted transcripts.
	recent []map[string]struct{}
	next   int
	size   int
}

func newTranscriptFilter(repeatInterval time.Duration, recent int) transcriptFilter {
	f := transcriptFilter{repeatInterval: repeatInterval}
	if recent > 0 {
		f.recent = make([]map[string]struct{}, recent)
	}
	return f
}

// accept reports whether text should become a user turn and returns it
// with whitespace normalized.
func (f *transcriptFilter) accept(text string, now time.Time) (string, bool) {
	text = normalizeSpace(text)
	if runeCount(text) <= 1 {
		return "", false
	}
	if !hasLetterOrDigit(text) {
		return "", false
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	key := strings.Join(words, " ")
	if _, skip := skipPhrases[key]; skip {
		return "", false
	}
	if f.repeatInterval > 0 && key == f.last && now.Sub(f.lastAt) < f.repeatInterval {
		return "", false
	}
	set := wordSet(words)
	if f.nearDuplicate(set) {
		return "", false
	}
	f.remember(set)
	f.last = key
	f.lastAt = now
	return text, true
}

func (f *transcriptFilter) nearDuplicate(set map[string]struct{}) bool {
	for i := 0; i < f.size; i++ {
		if overlap(f.recent[i], set) > overlapThreshold {
			return true
		}
	}
	return false
}

func (f *transcriptFilter) remember(set map[string]struct{}) {
	if len(f.recent) == 0 {
		return
	}
	f.recent[f.next] = set
	f.next = (f.next + 1) % len(f.recent)
	if f.size < len(f.recent) {
		f.size++
	}
}

// overlap is the number of shared words over the larger set size.
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	common := 0
	for w := range b {
		if _, ok := a[w]; ok {
			common++
		}
	}
	return float64(common) / float64(max(len(a), len(b)))
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func runeCount(s string) int {
	return len([]rune(s))
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
