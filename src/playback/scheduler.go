// Package playback decodes synthesized audio responses, plays them, and
// drives the viseme (mouth-shape) timeline that animates the avatar.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/callgo-ai/src/logger"
	"github.com/square-key-labs/callgo-ai/src/protocol"
)

// RestViseme is emitted once playback ends so the avatar's mouth closes.
const RestViseme = "sil"

// fallbackPattern drives a coarse talking animation when the response
// carries no viseme data.
var fallbackPattern = []string{"AA", "EE", "OO", "MM"}

const fallbackInterval = 120 * time.Millisecond

// Item is one playable response: a PCM buffer plus its viseme timeline.
// It lives only for the duration of one playback.
type Item struct {
	ID         string
	PCM        []byte
	SampleRate int
	Visemes    []protocol.Viseme
}

// NewItem builds a playback item, assigning it an identifier.
func NewItem(pcm []byte, sampleRate int, visemes []protocol.Viseme) Item {
	return Item{
		ID:         uuid.NewString(),
		PCM:        pcm,
		SampleRate: sampleRate,
		Visemes:    visemes,
	}
}

// ItemFromResponse decodes an audio_response message into a playback item.
func ItemFromResponse(msg protocol.AudioResponse) (Item, error) {
	pcm, err := msg.PCM()
	if err != nil {
		return Item{}, err
	}
	return NewItem(pcm, msg.SampleRate, msg.Visemes), nil
}

// Scheduler plays one item at a time and emits viseme events at their
// offsets relative to playback start. Completion is signaled exactly once
// per item, whether playback ends naturally, fails, or is stopped; a
// failure is reported through the same path so orchestration always
// advances.
type Scheduler struct {
	player   Player
	onViseme func(id string)

	mu   sync.Mutex
	stop func()

	log *logger.Logger
}

// NewScheduler creates a scheduler. onViseme may be nil if no avatar is
// attached.
func NewScheduler(player Player, onViseme func(id string)) *Scheduler {
	return &Scheduler{
		player:   player,
		onViseme: onViseme,
		log:      logger.WithPrefix("Playback"),
	}
}

// Play starts playback of item and invokes complete exactly once when it
// ends. A decode/start failure is passed to complete immediately.
func (s *Scheduler) Play(item Item, complete func(error)) {
	var once sync.Once
	signal := func(err error) {
		once.Do(func() {
			s.emit(RestViseme)
			if err != nil {
				s.log.Error("Playback %s ended with error: %v", item.ID, err)
			} else {
				s.log.Debug("Playback %s complete", item.ID)
			}
			if complete != nil {
				complete(err)
			}
		})
	}

	if len(item.PCM) == 0 {
		signal(errors.New("empty audio buffer"))
		return
	}

	done, stop, err := s.player.Play(item.PCM, item.SampleRate)
	if err != nil {
		signal(err)
		return
	}

	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	s.log.Info("Playing %s: %d bytes at %d Hz, %d visemes",
		item.ID, len(item.PCM), item.SampleRate, len(item.Visemes))

	go s.runTimeline(item, done, signal)
}

// Stop forcibly ends the current playback, if any. The item's completion
// still fires, once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// runTimeline emits viseme events until playback ends.
func (s *Scheduler) runTimeline(item Item, done <-chan error, signal func(error)) {
	start := time.Now()

	if len(item.Visemes) == 0 {
		// No lip-sync data: cycle a coarse mouth pattern until done.
		ticker := time.NewTicker(fallbackInterval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case err := <-done:
				signal(err)
				return
			case <-ticker.C:
				s.emit(fallbackPattern[i%len(fallbackPattern)])
				i++
			}
		}
	}

	for _, v := range item.Visemes {
		at := start.Add(time.Duration(v.StartMs) * time.Millisecond)
		wait := time.Until(at)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case err := <-done:
				timer.Stop()
				signal(err)
				return
			case <-timer.C:
			}
		}
		s.emit(v.ID)
	}

	signal(<-done)
}

func (s *Scheduler) emit(id string) {
	if s.onViseme != nil {
		s.onViseme(id)
	}
}
