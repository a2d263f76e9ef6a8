package session

import (
	"time"

	"github.com/vango-go/vai-talk/pkg/core/voice"
)

// utteranceBuffer accumulates client audio and cuts it into utterances.
// Closed utterances wait in a FIFO until the session is free to transcribe
// them. The FIFO holds at most maxQueued entries. Once full, a new utterance
// is merged into the newest queued one while the result stays within
// maxBytes; otherwise it is discarded and counted in dropped. Apart from
// that and an explicit reset, every appended byte ends up in exactly one
// closed utterance.
type utteranceBuffer struct {
	format           voice.Format
	maxBytes         int
	maxQueued        int
	silenceTimeout   time.Duration
	silenceThreshold float64

	cur       []byte
	speech    bool
	silentRun time.Duration

	queue   [][]byte
	dropped int
}

func newUtteranceBuffer(format voice.Format, maxBytes, maxQueued int, silenceTimeout time.Duration, threshold float64) *utteranceBuffer {
	return &utteranceBuffer{
		format:           format,
		maxBytes:         maxBytes,
		maxQueued:        maxQueued,
		silenceTimeout:   silenceTimeout,
		silenceThreshold: threshold,
	}
}

// append adds pcm to the accumulating utterance and reports whether doing
// so closed it, either by size or by trailing silence.
func (u *utteranceBuffer) append(pcm []byte) bool {
	if len(pcm) == 0 {
		return false
	}
	u.cur = append(u.cur, pcm...)

	if u.silenceTimeout > 0 {
		if voice.CalculateRMSEnergy(pcm) >= u.silenceThreshold {
			u.speech = true
			u.silentRun = 0
		} else if u.speech {
			u.silentRun += u.format.Duration(len(pcm))
		}
	}

	if u.maxBytes > 0 && len(u.cur) >= u.maxBytes {
		u.close()
		return true
	}
	if u.silenceTimeout > 0 && u.speech && u.silentRun >= u.silenceTimeout {
		u.close()
		return true
	}
	return false
}

// end closes the accumulating utterance on an explicit boundary. An empty
// buffer produces no utterance.
func (u *utteranceBuffer) end() bool {
	if len(u.cur) == 0 {
		return false
	}
	u.close()
	return true
}

// idle closes the accumulating utterance when the client has gone quiet
// after speaking. It is driven by the wall-clock silence timer.
func (u *utteranceBuffer) idle() bool {
	if u.silenceTimeout <= 0 || !u.speech || len(u.cur) == 0 {
		return false
	}
	u.close()
	return true
}

// awaitingSilence reports whether the idle timer should be armed.
func (u *utteranceBuffer) awaitingSilence() bool {
	return u.silenceTimeout > 0 && u.speech && len(u.cur) > 0
}

// reset discards the accumulating utterance. Queued utterances are kept.
func (u *utteranceBuffer) reset() {
	u.cur = nil
	u.speech = false
	u.silentRun = 0
}

func (u *utteranceBuffer) close() {
	switch {
	case u.maxQueued <= 0 || len(u.queue) < u.maxQueued:
		u.queue = append(u.queue, u.cur)
	case u.maxBytes <= 0 || len(u.queue[len(u.queue)-1])+len(u.cur) <= u.maxBytes:
		last := len(u.queue) - 1
		u.queue[last] = append(u.queue[last], u.cur...)
	default:
		u.dropped++
	}
	u.reset()
}

// takeDropped returns the number of utterances discarded since the last call.
func (u *utteranceBuffer) takeDropped() int {
	n := u.dropped
	u.dropped = 0
	return n
}

// next pops the oldest closed utterance.
func (u *utteranceBuffer) next() ([]byte, bool) {
	if len(u.queue) == 0 {
		return nil, false
	}
	pcm := u.queue[0]
	u.queue[0] = nil
	u.queue = u.queue[1:]
	return pcm, true
}

func (u *utteranceBuffer) pending() int { return len(u.cur) }

func (u *utteranceBuffer) queued() int { return len(u.queue) }
