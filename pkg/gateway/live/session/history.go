package session

import "github.com/vango-go/vai-talk/pkg/core/types"

// history keeps the most recent turns of one session. It is owned by the
// session goroutine.
type history struct {
	limit int
	turns []types.Turn
}

func newHistory(limit int) *history {
	if limit < 0 {
		limit = 0
	}
	return &history{limit: limit, turns: make([]types.Turn, 0, limit)}
}

// append adds t and evicts the oldest turns beyond the limit.
func (h *history) append(t types.Turn) {
	if h.limit == 0 {
		return
	}
	h.turns = append(h.turns, t)
	if over := len(h.turns) - h.limit; over > 0 {
		copy(h.turns, h.turns[over:])
		clear(h.turns[len(h.turns)-over:])
		h.turns = h.turns[:len(h.turns)-over]
	}
}

func (h *history) len() int { return len(h.turns) }

func (h *history) snapshot() []types.Turn {
	out := make([]types.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// messages renders the history plus the pending user utterance for the LLM.
func (h *history) messages(system, current string) []types.Message {
	return types.Messages(system, h.turns, current)
}
