package session

// stageEvent is a result posted back to the session goroutine by a stage
// task, a speaker or the writer. Events for a turn that is no longer active
// are dropped.
type stageEvent interface {
	turnID() uint64
	failure() error
}

type sttResult struct {
	turn uint64
	text string
	err  error
}

type llmSentence struct {
	turn uint64
	text string
}

type llmDone struct {
	turn uint64
	err  error
}

type ttsResult struct {
	turn uint64
	text string
	pcm  []byte
	err  error
}

// segmentQueued reports that every frame of one synthesized segment is in
// the outbound queue.
type segmentQueued struct {
	turn uint64
	text string
}

// segmentWritten reports that the writer sent the last frame of a segment.
type segmentWritten struct {
	turn uint64
	text string
}

type speakerFailed struct {
	turn uint64
	err  error
}

// turnFlushed reports that the writer sent the reply's utterance-end frame.
type turnFlushed struct {
	turn uint64
}

func (e sttResult) turnID() uint64      { return e.turn }
func (e llmSentence) turnID() uint64    { return e.turn }
func (e llmDone) turnID() uint64        { return e.turn }
func (e ttsResult) turnID() uint64      { return e.turn }
func (e segmentQueued) turnID() uint64  { return e.turn }
func (e segmentWritten) turnID() uint64 { return e.turn }
func (e speakerFailed) turnID() uint64  { return e.turn }
func (e turnFlushed) turnID() uint64    { return e.turn }

func (e sttResult) failure() error      { return e.err }
func (e llmSentence) failure() error    { return nil }
func (e llmDone) failure() error        { return e.err }
func (e ttsResult) failure() error      { return e.err }
func (e segmentQueued) failure() error  { return nil }
func (e segmentWritten) failure() error { return nil }
func (e speakerFailed) failure() error  { return e.err }
func (e turnFlushed) failure() error    { return nil }
