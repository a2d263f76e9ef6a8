package session

// Phase is the position of a session in its turn cycle.
type Phase int

const (
	PhaseAuthenticating Phase = iota
	PhaseListening
	PhaseTranscribing
	PhaseCompleting
	PhaseSynthesizing
	PhaseSpeaking
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseListening:
		return "listening"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseCompleting:
		return "completing"
	case PhaseSynthesizing:
		return "synthesizing"
	case PhaseSpeaking:
		return "speaking"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// replying reports whether a reply is being produced or played, which is
// when a client interrupt has something to cancel.
func (p Phase) replying() bool {
	return p == PhaseCompleting || p == PhaseSynthesizing || p == PhaseSpeaking
}
