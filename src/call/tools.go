package call

import (
	"errors"

	"github.com/square-key-labs/callgo-ai/src/logger"
)

// ToolStatus tracks the lifecycle of a backend tool invocation.
type ToolStatus int

const (
	ToolDispatched ToolStatus = iota
	ToolCompleted
)

func (s ToolStatus) String() string {
	if s == ToolCompleted {
		return "completed"
	}
	return "dispatched"
}

// ToolInvocation is one backend tool call. At most one lives per session.
type ToolInvocation struct {
	Tool      string
	Arguments map[string]interface{}
	Status    ToolStatus
	Result    map[string]interface{}
}

// ResultKind classifies a tool result the UI can keep showing while the
// spoken response plays.
type ResultKind int

const (
	KindSlots ResultKind = iota
	KindConfirmation
	KindAppointments
	KindIdentity
)

func (k ResultKind) String() string {
	switch k {
	case KindSlots:
		return "slots"
	case KindConfirmation:
		return "confirmation"
	case KindAppointments:
		return "appointments"
	case KindIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

// PersistedToolResult is a displayable tool result retained until playback
// of the following spoken response finishes.
type PersistedToolResult struct {
	Tool   string
	Kind   ResultKind
	Result map[string]interface{}
}

// errToolInFlight marks a backend protocol violation: a second tool_call
// before the first completed.
var errToolInFlight = errors.New("tool invocation already in flight")

// ToolTracker records the lifecycle of the session's single in-flight tool
// invocation and the displayable result kept through playback. It is only
// mutated from the session event loop.
type ToolTracker struct {
	current   *ToolInvocation
	persisted *PersistedToolResult
	log       *logger.Logger
}

func NewToolTracker() *ToolTracker {
	return &ToolTracker{log: logger.WithPrefix("Tools")}
}

// Dispatch records a new invocation. A tool_call while one is already
// dispatched is a protocol violation; the caller logs and ignores it.
func (t *ToolTracker) Dispatch(tool string, args map[string]interface{}) error {
	if t.current != nil && t.current.Status == ToolDispatched {
		return errToolInFlight
	}

	// A new tool call supersedes any result still on display.
	t.persisted = nil
	t.current = &ToolInvocation{
		Tool:      tool,
		Arguments: args,
		Status:    ToolDispatched,
	}
	t.log.Info("Tool dispatched: %s", tool)
	return nil
}

// Complete finalizes the in-flight invocation with its result. Displayable
// results are retained for the UI; error-shaped ones are not.
func (t *ToolTracker) Complete(tool string, result map[string]interface{}) error {
	if t.current == nil || t.current.Status != ToolDispatched {
		return errors.New("tool_result without dispatched invocation")
	}

	t.current.Status = ToolCompleted
	t.current.Result = result

	if kind, ok := displayableKind(result); ok {
		t.persisted = &PersistedToolResult{Tool: tool, Kind: kind, Result: result}
		t.log.Info("Tool completed: %s (displayable: %s)", tool, kind)
	} else {
		t.log.Info("Tool completed: %s", tool)
	}
	return nil
}

// Current returns the live invocation, if any.
func (t *ToolTracker) Current() *ToolInvocation {
	return t.current
}

// Persisted returns the displayable result currently retained.
func (t *ToolTracker) Persisted() *PersistedToolResult {
	return t.persisted
}

// Clear drops both the invocation and any persisted result; called when
// playback of the spoken response finishes.
func (t *ToolTracker) Clear() {
	t.current = nil
	t.persisted = nil
}

// displayableKind detects result payloads the UI keeps on screen. The
// detection is keyed off the field names the appointment tools emit:
// availability slots, booking confirmations, appointment lists, and
// identity confirmations. Error-shaped payloads are never displayable.
func displayableKind(result map[string]interface{}) (ResultKind, bool) {
	if result == nil {
		return 0, false
	}
	if success, ok := result["success"].(bool); ok && !success {
		return 0, false
	}
	if _, ok := result["error"]; ok {
		return 0, false
	}

	if _, ok := result["available_slots"]; ok {
		return KindSlots, true
	}
	if _, ok := result["appointment_id"]; ok {
		return KindConfirmation, true
	}
	if _, ok := result["upcoming"]; ok {
		return KindAppointments, true
	}
	if _, ok := result["past"]; ok {
		return KindAppointments, true
	}
	_, hasName := result["user_name"]
	_, hasID := result["user_id"]
	if hasName && hasID {
		return KindIdentity, true
	}
	return 0, false
}
