package call

import "github.com/square-key-labs/callgo-ai/src/protocol"

// TranscriptEntry is one line of the accumulated conversation.
type TranscriptEntry struct {
	Role string // "user" or "assistant"
	Text string
}

// Session holds the per-call state: the identifier, current state, the
// outgoing chunk counter, the transcript, and the end-of-call bookkeeping.
// It is owned exclusively by the call event loop; external readers go
// through the Call accessors.
type Session struct {
	ID    string
	State State

	// ChunkSeq is the next outgoing audio chunk number. It resets to 0 at
	// the start of every listening turn and strictly increases within one.
	ChunkSeq uint64

	// HasSpokenSinceListenStart mirrors the endpointer's speech gate for
	// the current turn.
	HasSpokenSinceListenStart bool

	Transcript []TranscriptEntry

	// pendingEndCall is set by an audio_response with should_end_call and
	// consumed when its playback completes.
	pendingEndCall bool

	Summary *protocol.CallSummary
	Costs   map[string]interface{}
}

// NewSession creates a session in the Idle state.
func NewSession(id string) *Session {
	return &Session{ID: id, State: Idle}
}

// beginTurn resets the per-turn counters for a new listening turn.
func (s *Session) beginTurn() {
	s.ChunkSeq = 0
	s.HasSpokenSinceListenStart = false
}

func (s *Session) appendTranscript(role, text string) {
	if text == "" {
		return
	}
	s.Transcript = append(s.Transcript, TranscriptEntry{Role: role, Text: text})
}
