package playback

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/square-key-labs/callgo-ai/src/audio"
	"github.com/square-key-labs/callgo-ai/src/logger"
)

// Player turns a PCM buffer into audible output. Play returns a channel
// that receives exactly one value when playback ends (nil on natural
// completion) and a stop function that forces an early end.
type Player interface {
	Play(pcm []byte, sampleRate int) (done <-chan error, stop func(), err error)
}

// OtoPlayer plays PCM16 buffers through the default output device. The
// underlying oto context can only be created once per process, so the
// first buffer's sample rate fixes the device rate and later buffers are
// resampled to match.
type OtoPlayer struct {
	mu         sync.Mutex
	ctx        *oto.Context
	sampleRate int
	log        *logger.Logger
}

// NewOtoPlayer creates a player; the audio device is opened lazily on the
// first Play.
func NewOtoPlayer() *OtoPlayer {
	return &OtoPlayer{log: logger.WithPrefix("Player")}
}

func (p *OtoPlayer) context(sampleRate int) (*oto.Context, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return p.ctx, p.sampleRate, nil
	}

	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100 ms of buffered audio keeps latency low without glitching.
		BufferSize: 100 * time.Millisecond,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audio output: %w", err)
	}
	<-ready

	p.ctx = ctx
	p.sampleRate = sampleRate
	p.log.Info("Audio output opened at %d Hz", sampleRate)
	return ctx, sampleRate, nil
}

// Play starts playback of one PCM16 buffer.
func (p *OtoPlayer) Play(pcm []byte, sampleRate int) (<-chan error, func(), error) {
	ctx, deviceRate, err := p.context(sampleRate)
	if err != nil {
		return nil, nil, err
	}

	if sampleRate != deviceRate {
		pcm = audio.Resample(pcm, sampleRate, deviceRate)
	}

	player := ctx.NewPlayer(bytes.NewReader(pcm))
	player.Play()

	done := make(chan error, 1)
	stopped := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopped) }) }

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		// Hard deadline in case the device wedges: buffer duration + 1s.
		deadline := time.After(time.Duration(audio.DurationMs(pcm, deviceRate))*time.Millisecond + time.Second)

		for player.IsPlaying() {
			select {
			case <-ticker.C:
			case <-stopped:
				player.Pause()
				done <- player.Close()
				return
			case <-deadline:
				done <- player.Close()
				return
			}
		}
		done <- player.Close()
	}()

	return done, stop, nil
}
