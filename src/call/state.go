package call

// State is the call lifecycle state. Exactly one is active at any time and
// every mutation flows through the session's event loop.
type State int

const (
	Idle State = iota
	Connecting
	Listening
	Processing
	ToolCalling
	ShowingResult
	PlayingResponse
	Ended
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case ToolCalling:
		return "tool_calling"
	case ShowingResult:
		return "showing_result"
	case PlayingResponse:
		return "playing_response"
	case Ended:
		return "ended"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions can occur.
func (s State) terminal() bool {
	return s == Ended || s == Errored
}

// active reports whether the user can still hang up from this state.
func (s State) active() bool {
	switch s {
	case Connecting, Listening, ToolCalling, ShowingResult, PlayingResponse:
		return true
	default:
		return false
	}
}

// playing reports whether a response playback is in progress.
func (s State) playing() bool {
	return s == ShowingResult || s == PlayingResponse
}
