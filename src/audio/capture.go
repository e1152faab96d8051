package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/square-key-labs/callgo-ai/src/logger"
)

// ErrPermissionDenied is returned by Capture.Start when the microphone
// cannot be acquired. This is fatal to call initiation; callers must not
// retry.
var ErrPermissionDenied = errors.New("microphone permission denied")

// Frame is one fixed-size block of captured audio with its energy already
// computed. RMS is calculated in the device callback for every block, even
// before anyone arms an endpointing pass.
type Frame struct {
	PCM []byte
	RMS float64
}

// CaptureConfig controls the microphone stream format.
type CaptureConfig struct {
	SampleRate int // default 16000
	BlockSize  int // samples per frame, default 4096
}

// DefaultCaptureConfig returns the stream format the backend expects:
// 16 kHz mono PCM16 in 4096-sample blocks (~256 ms per frame).
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate: 16000,
		BlockSize:  4096,
	}
}

// Capture owns exclusive access to the microphone and emits fixed-size
// PCM16 frames. The device callback must never block, so frame delivery is
// a non-blocking send: if the consumer falls behind, frames are dropped
// and counted.
type Capture struct {
	cfg CaptureConfig

	mu      sync.Mutex // lifecycle
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	frames  chan Frame
	running bool

	cbMu    sync.Mutex // callback state, never held across device calls
	pending []byte
	dropped int

	log *logger.Logger
}

// NewCapture creates an inactive capture pipeline.
func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 4096
	}
	return &Capture{
		cfg: cfg,
		log: logger.WithPrefix("Capture"),
	}
}

// Start requests exclusive access to the microphone and begins emitting
// frames on the returned channel. A device acquisition failure maps to
// ErrPermissionDenied and is fatal to the call attempt.
func (c *Capture) Start() (<-chan Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil, fmt.Errorf("capture already started")
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)

	frames := make(chan Frame, 16)
	blockBytes := c.cfg.BlockSize * 2

	callbacks := malgo.DeviceCallbacks{
		// Runs on the real-time audio thread once per device period. It
		// accumulates into fixed blocks, computes energy, and hands frames
		// off without ever blocking.
		Data: func(_, pInputSamples []byte, _ uint32) {
			c.cbMu.Lock()
			c.pending = append(c.pending, pInputSamples...)
			for len(c.pending) >= blockBytes {
				block := make([]byte, blockBytes)
				copy(block, c.pending[:blockBytes])
				c.pending = c.pending[blockBytes:]

				frame := Frame{PCM: block, RMS: RMS(block)}
				select {
				case frames <- frame:
				default:
					c.dropped++
				}
			}
			c.cbMu.Unlock()
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	c.ctx = mctx
	c.device = device
	c.frames = frames
	c.pending = nil
	c.dropped = 0
	c.running = true

	c.log.Info("Microphone started: %d Hz, %d-sample blocks", c.cfg.SampleRate, c.cfg.BlockSize)
	return frames, nil
}

// Stop releases the microphone. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false

	// device.Stop blocks until the data callback has returned, so closing
	// the frame channel afterwards cannot race a send.
	c.device.Stop()
	c.device.Uninit()
	c.ctx.Uninit()
	c.device = nil
	c.ctx = nil
	close(c.frames)

	c.cbMu.Lock()
	dropped := c.dropped
	c.pending = nil
	c.cbMu.Unlock()

	if dropped > 0 {
		c.log.Warn("Dropped %d frames during capture (consumer too slow)", dropped)
	}
	c.log.Info("Microphone released")
}
