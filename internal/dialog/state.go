package dialog

// State tracks where the interview conversation is. Transitions are
// driven by a single goroutine; external callers only observe.
//
//	awaiting-start -> greeting -> asking -> listening -> evaluating-answer
//	evaluating-answer -> follow-up -> listening   (budget permitting)
//	evaluating-answer -> asking                   (next stage)
//	evaluating-answer -> closing -> ended         (plan exhausted)
type State int32

const (
	StateAwaitingStart State = iota
	StateGreeting
	StateAsking
	StateListening
	StateEvaluating
	StateFollowUp
	StateClosing
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting-start"
	case StateGreeting:
		return "greeting"
	case StateAsking:
		return "asking"
	case StateListening:
		return "listening"
	case StateEvaluating:
		return "evaluating-answer"
	case StateFollowUp:
		return "follow-up"
	case StateClosing:
		return "closing"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// AgentSpeaking reports whether the agent holds the floor in this
// state.
func (s State) AgentSpeaking() bool {
	switch s {
	case StateGreeting, StateAsking, StateFollowUp, StateClosing:
		return true
	default:
		return false
	}
}
