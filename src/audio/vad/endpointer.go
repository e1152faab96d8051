// Package vad implements end-of-utterance detection over per-frame RMS
// energy readings.
package vad

import (
	"sync"
	"time"

	"github.com/square-key-labs/callgo-ai/src/logger"
)

// Params holds the hysteresis tuning for endpoint detection. The speech
// threshold gates the detector on actual speech so it never fires on pure
// background noise; the lower silence threshold keeps transient dips from
// truncating an utterance; the duration keeps brief pauses from ending the
// turn.
type Params struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	SilenceDuration  time.Duration
}

// DefaultParams returns the tuning used for 16 kHz microphone capture.
func DefaultParams() Params {
	return Params{
		SpeechThreshold:  0.02,
		SilenceThreshold: 0.01,
		SilenceDuration:  1500 * time.Millisecond,
	}
}

// Endpointer consumes RMS readings for one listening turn and fires its
// callback once sustained silence follows speech. It fires at most once
// per turn; Rearm starts the next turn.
//
// The silence countdown is an explicit cancellable timer owned by the
// Endpointer: observing energy at or above the silence threshold cancels
// it, so timers never leak across turns.
type Endpointer struct {
	params Params
	onEnd  func()

	mu        sync.Mutex
	armed     bool
	fired     bool
	hasSpoken bool
	countdown *time.Timer

	log *logger.Logger
}

// NewEndpointer creates a disarmed Endpointer. onEnd is invoked from the
// countdown timer goroutine when end of speech is detected; callers that
// need serialization should forward it into their event loop.
func NewEndpointer(params Params, onEnd func()) *Endpointer {
	return &Endpointer{
		params: params,
		onEnd:  onEnd,
		log:    logger.WithPrefix("Endpointer"),
	}
}

// Rearm starts a new listening turn: clears the spoken flag and allows the
// detector to fire again.
func (e *Endpointer) Rearm() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopCountdownLocked()
	e.armed = true
	e.fired = false
	e.hasSpoken = false
	e.log.Debug("Rearmed")
}

// Disarm cancels any pending countdown and stops the detector until the
// next Rearm.
func (e *Endpointer) Disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopCountdownLocked()
	e.armed = false
}

// HasSpoken reports whether speech-level energy was observed this turn.
func (e *Endpointer) HasSpoken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasSpoken
}

// Observe feeds one frame's RMS energy into the detector.
func (e *Endpointer) Observe(rms float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.armed || e.fired {
		return
	}

	if rms >= e.params.SpeechThreshold && !e.hasSpoken {
		e.hasSpoken = true
		e.log.Debug("Speech onset (rms=%.4f)", rms)
	}

	if rms >= e.params.SilenceThreshold {
		// Loud enough: any running countdown was a false start.
		e.stopCountdownLocked()
		return
	}

	if e.hasSpoken && e.countdown == nil {
		e.log.Debug("Silence countdown started (%.0fms)", e.params.SilenceDuration.Seconds()*1000)
		e.countdown = time.AfterFunc(e.params.SilenceDuration, e.fire)
	}
}

func (e *Endpointer) fire() {
	e.mu.Lock()
	if !e.armed || e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	e.armed = false
	e.countdown = nil
	e.mu.Unlock()

	e.log.Info("End of speech detected")
	if e.onEnd != nil {
		e.onEnd()
	}
}

func (e *Endpointer) stopCountdownLocked() {
	if e.countdown != nil {
		e.countdown.Stop()
		e.countdown = nil
	}
}
