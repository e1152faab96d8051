// Package call contains the voice session orchestrator: the state machine
// that ties microphone capture, endpoint detection, the duplex transport,
// tool invocation tracking, and response playback into one call.
package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/callgo-ai/src/audio"
	"github.com/square-key-labs/callgo-ai/src/audio/vad"
	"github.com/square-key-labs/callgo-ai/src/logger"
	"github.com/square-key-labs/callgo-ai/src/playback"
	"github.com/square-key-labs/callgo-ai/src/protocol"
)

// Transport is the duplex session channel the orchestrator drives.
// *transports.SessionTransport implements it.
type Transport interface {
	Authenticate(token, sessionID string) error
	Send(msg protocol.Message) error
	Recv() <-chan protocol.Message
	Close() error
	Err() error
}

// Capture is the microphone source. *audio.Capture implements it.
type Capture interface {
	Start() (<-chan audio.Frame, error)
	Stop()
}

// Playback plays one synthesized response and reports completion exactly
// once. *playback.Scheduler implements it.
type Playback interface {
	Play(item playback.Item, complete func(error))
	Stop()
}

// Options configure a call.
type Options struct {
	SessionID string
	Token     string
	VAD       vad.Params

	// OnStateChange is invoked after every state transition.
	OnStateChange func(State)
	// OnDisplay is invoked when a displayable tool result arrives; the UI
	// keeps showing it until playback of the spoken response ends.
	OnDisplay func(*PersistedToolResult)
	// OnSummary is invoked when the post-call summary arrives.
	OnSummary func(protocol.CallSummary)
}

// internal event loop messages
type event interface{}

type (
	evEndOfSpeech  struct{}
	evPlaybackDone struct{ err error }
	evEndRequest   struct{}
	evTextInput    struct{ text string }
)

// Call orchestrates one voice session. All state mutations happen on the
// single event-loop goroutine; frames, transport messages, the endpointer
// trigger, and playback completions all arrive as serialized events, so no
// handler ever races another.
type Call struct {
	opts       Options
	transport  Transport
	capture    Capture
	playback   Playback
	endpointer *vad.Endpointer
	tools      *ToolTracker

	events chan event
	done   chan struct{}

	mu   sync.Mutex
	sess *Session
	err  error

	log *logger.Logger
}

// New assembles a call from its collaborators. Nothing starts until Start.
func New(opts Options, transport Transport, capture Capture, pb Playback) *Call {
	if opts.VAD == (vad.Params{}) {
		opts.VAD = vad.DefaultParams()
	}

	c := &Call{
		opts:      opts,
		transport: transport,
		capture:   capture,
		playback:  pb,
		tools:     NewToolTracker(),
		events:    make(chan event, 32),
		done:      make(chan struct{}),
		sess:      NewSession(opts.SessionID),
		log:       logger.WithPrefix("Call"),
	}
	c.endpointer = vad.NewEndpointer(opts.VAD, func() {
		c.post(evEndOfSpeech{})
	})
	return c
}

// Start opens the call: acquires the microphone, performs the transport
// handshake, and runs the event loop. Setup failures are fatal to the
// attempt and leave the call in the error state.
func (c *Call) Start() error {
	c.mu.Lock()
	if c.sess.State != Idle {
		c.mu.Unlock()
		return fmt.Errorf("call already started (state=%s)", c.sess.State)
	}
	c.mu.Unlock()

	c.setState(Connecting)

	frames, err := c.capture.Start()
	if err != nil {
		c.fail(fmt.Errorf("capture setup: %w", err))
		c.transport.Close()
		close(c.done)
		return err
	}

	if err := c.transport.Authenticate(c.opts.Token, c.sess.ID); err != nil {
		c.fail(fmt.Errorf("transport handshake: %w", err))
		c.capture.Stop()
		c.transport.Close()
		close(c.done)
		return err
	}

	go c.run(frames)
	return nil
}

// EndCall requests hanging up. Idempotent: once the session is already
// winding down (or never started), further calls have no effect.
func (c *Call) EndCall() {
	c.post(evEndRequest{})
}

// SendText submits a typed utterance instead of speech (testing path that
// bypasses STT). Only honored while listening.
func (c *Call) SendText(text string) {
	if text == "" {
		return
	}
	c.post(evTextInput{text: text})
}

// State returns the current call state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.State
}

// Transcript returns a copy of the conversation so far.
func (c *Call) Transcript() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TranscriptEntry, len(c.sess.Transcript))
	copy(out, c.sess.Transcript)
	return out
}

// PersistedResult returns the tool result currently retained for display,
// or nil.
func (c *Call) PersistedResult() *PersistedToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools.Persisted()
}

// Summary returns the post-call summary once it has arrived.
func (c *Call) Summary() *protocol.CallSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Summary
}

// Costs returns the cost breakdown once the session has ended.
func (c *Call) Costs() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Costs
}

// Done is closed when the event loop has exited.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error for calls that ended in the error state.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Call) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// run is the single-threaded cooperative event loop. Exactly one handler
// executes at a time, which is what makes lock-free session mutation safe.
func (c *Call) run(frames <-chan audio.Frame) {
	defer close(c.done)

	recv := c.transport.Recv()
	for {
		if c.State().terminal() {
			return
		}

		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil // capture stopped; nil channel blocks forever
				continue
			}
			c.handleFrame(f)

		case msg, ok := <-recv:
			if !ok {
				c.handleTransportClosed()
				return
			}
			c.handleMessage(msg)

		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// handleFrame streams captured audio while listening and feeds the
// endpointer; frames in any other state are discarded.
func (c *Call) handleFrame(f audio.Frame) {
	c.mu.Lock()
	if c.sess.State != Listening {
		c.mu.Unlock()
		return
	}
	if !c.sess.HasSpokenSinceListenStart && f.RMS >= c.opts.VAD.SpeechThreshold {
		c.sess.HasSpokenSinceListenStart = true
	}
	seq := c.sess.ChunkSeq
	c.sess.ChunkSeq++
	c.mu.Unlock()

	// Fire-and-forget: Send enqueues without blocking the audio path.
	if err := c.transport.Send(protocol.NewAudioChunk(c.sess.ID, seq, f.PCM, false)); err != nil {
		c.log.Warn("Failed to send audio chunk %d: %v", seq, err)
	}
	c.endpointer.Observe(f.RMS)
}

func (c *Call) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ready:
		if m.SessionID != "" && m.SessionID != c.sess.ID {
			c.log.Warn("Ignoring ready for foreign session %s", m.SessionID)
			return
		}
		if c.State() != Connecting {
			c.log.Warn("Ignoring ready in state %s", c.State())
			return
		}
		c.log.Info("Session %s ready", c.sess.ID)
		c.beginListening()

	case protocol.ToolCall:
		c.handleToolCall(m)

	case protocol.ToolResult:
		c.handleToolResult(m)

	case protocol.AudioResponse:
		c.handleAudioResponse(m)

	case protocol.CallSummary:
		if c.State() != Processing {
			c.log.Warn("Ignoring call_summary in state %s", c.State())
			return
		}
		c.log.Info("Call summary received (%d turns, %.1fs)", m.TotalTurns, m.DurationSeconds)
		c.mu.Lock()
		c.sess.Summary = &m
		c.mu.Unlock()
		c.capture.Stop()
		if c.opts.OnSummary != nil {
			c.opts.OnSummary(m)
		}

	case protocol.CostBreakdown:
		if c.State() != Processing {
			c.log.Warn("Ignoring cost_breakdown in state %s", c.State())
			return
		}
		c.mu.Lock()
		c.sess.Costs = m.Costs
		c.mu.Unlock()
		c.log.Info("Cost breakdown received, session complete")
		c.setState(Ended)
		c.release()

	case protocol.ServerError:
		// Non-fatal backend error report; the conversation continues.
		c.log.Error("Server error: %s", m.Message)

	default:
		// Unknown tags are already filtered by the transport; anything
		// else here is a client-bound echo we don't act on.
		c.log.Warn("Ignoring unexpected %s message", msg.MessageType())
	}
}

func (c *Call) handleToolCall(m protocol.ToolCall) {
	state := c.State()
	if state != Processing && state != ToolCalling {
		c.log.Warn("Ignoring tool_call in state %s", state)
		return
	}

	c.mu.Lock()
	err := c.tools.Dispatch(m.Tool, m.Arguments)
	c.mu.Unlock()
	if err != nil {
		// Backend protocol violation: second tool_call before the first
		// completed. Logged and ignored, state unchanged.
		c.log.Warn("Ignoring tool_call %s: %v", m.Tool, err)
		return
	}

	if state == Processing {
		c.setState(ToolCalling)
	}
}

func (c *Call) handleToolResult(m protocol.ToolResult) {
	if c.State() != ToolCalling {
		c.log.Warn("Ignoring tool_result in state %s", c.State())
		return
	}

	c.mu.Lock()
	err := c.tools.Complete(m.Tool, m.Result)
	persisted := c.tools.Persisted()
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("Ignoring tool_result for %s: %v", m.Tool, err)
		return
	}

	// The state stays ToolCalling until the spoken response arrives.
	if persisted != nil && c.opts.OnDisplay != nil {
		c.opts.OnDisplay(persisted)
	}
}

func (c *Call) handleAudioResponse(m protocol.AudioResponse) {
	state := c.State()
	if state != Processing && state != ToolCalling {
		c.log.Warn("Ignoring audio_response in state %s", state)
		return
	}

	c.mu.Lock()
	c.sess.pendingEndCall = m.ShouldEndCall
	c.sess.appendTranscript("user", m.UserTranscript)
	c.sess.appendTranscript("assistant", m.Text)
	persisted := c.tools.Persisted()
	c.mu.Unlock()

	if persisted != nil {
		c.setState(ShowingResult)
	} else {
		c.setState(PlayingResponse)
	}

	item, err := playback.ItemFromResponse(m)
	if err != nil {
		// Decode failure is a playback error: absorbed, treated as an
		// immediate completion so the machine still advances.
		c.log.Error("Failed to decode audio response: %v", err)
		c.post(evPlaybackDone{err: err})
		return
	}

	c.playback.Play(item, func(err error) {
		c.post(evPlaybackDone{err: err})
	})
}

func (c *Call) handleEvent(ev event) {
	switch e := ev.(type) {
	case evEndOfSpeech:
		if c.State() != Listening {
			return
		}
		c.mu.Lock()
		total := c.sess.ChunkSeq
		c.mu.Unlock()
		c.log.Info("End of speech after %d chunks", total)
		c.setState(Processing)
		if err := c.transport.Send(protocol.NewEndOfSpeech(c.sess.ID, total)); err != nil {
			c.log.Warn("Failed to send end_of_speech: %v", err)
		}

	case evPlaybackDone:
		c.handlePlaybackDone(e.err)

	case evEndRequest:
		c.handleEndRequest()

	case evTextInput:
		if c.State() != Listening {
			c.log.Warn("Ignoring text input in state %s", c.State())
			return
		}
		c.endpointer.Disarm()
		c.setState(Processing)
		if err := c.transport.Send(protocol.NewTextInput(c.sess.ID, e.text)); err != nil {
			c.log.Warn("Failed to send text_input: %v", err)
		}
	}
}

func (c *Call) handlePlaybackDone(err error) {
	if !c.State().playing() {
		return
	}
	if err != nil {
		// Playback failure is absorbed; orchestration advances as if the
		// response finished.
		c.log.Warn("Playback ended with error: %v", err)
	}

	c.mu.Lock()
	c.tools.Clear()
	shouldEnd := c.sess.pendingEndCall
	c.sess.pendingEndCall = false
	c.mu.Unlock()

	if shouldEnd {
		c.setState(Processing)
		if err := c.transport.Send(protocol.NewEndCall(c.sess.ID)); err != nil {
			c.log.Warn("Failed to send end_call: %v", err)
		}
		return
	}
	c.beginListening()
}

func (c *Call) handleEndRequest() {
	state := c.State()
	if !state.active() {
		// Already winding down (or never started): nothing more to do.
		c.log.Debug("End request in state %s ignored", state)
		return
	}

	c.log.Info("User requested end of call")
	c.endpointer.Disarm()
	if state.playing() {
		c.playback.Stop()
	}
	c.capture.Stop()
	c.setState(Processing)
	if err := c.transport.Send(protocol.NewEndCall(c.sess.ID)); err != nil {
		c.log.Warn("Failed to send end_call: %v", err)
	}
}

func (c *Call) handleTransportClosed() {
	if c.State().terminal() {
		return
	}
	err := c.transport.Err()
	if err == nil {
		err = errTransportClosed
	}
	c.log.Error("Transport closed unexpectedly: %v", err)
	c.fail(err)
	c.release()
}

var errTransportClosed = errors.New("transport closed")

// beginListening starts a new listening turn: chunk numbering restarts at
// zero and the endpointer is rearmed.
func (c *Call) beginListening() {
	c.mu.Lock()
	c.sess.beginTurn()
	c.mu.Unlock()
	c.endpointer.Rearm()
	c.setState(Listening)
}

// release tears down everything the session owns. Safe to call from any
// state; every component's stop is idempotent.
func (c *Call) release() {
	c.endpointer.Disarm()
	c.capture.Stop()
	c.playback.Stop()
	c.transport.Close()
}

func (c *Call) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.setState(Errored)
}

func (c *Call) setState(next State) {
	c.mu.Lock()
	prev := c.sess.State
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.sess.State = next
	c.mu.Unlock()

	c.log.Info("State: %s -> %s", prev, next)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}
