package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/callgo-ai/src/protocol"
)

// fakePlayer completes on demand instead of playing real audio.
type fakePlayer struct {
	mu       sync.Mutex
	playErr  error
	done     chan error
	stopped  int
	lastPCM  []byte
	lastRate int
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{done: make(chan error, 1)}
}

func (f *fakePlayer) Play(pcm []byte, sampleRate int) (<-chan error, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return nil, nil, f.playErr
	}
	f.lastPCM = pcm
	f.lastRate = sampleRate
	return f.done, func() {
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
		select {
		case f.done <- errors.New("stopped"):
		default:
		}
	}, nil
}

func (f *fakePlayer) finish(err error) { f.done <- err }

type visemeLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *visemeLog) record(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *visemeLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func waitComplete(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func TestScheduler_EmitsVisemesInOrderThenRest(t *testing.T) {
	player := newFakePlayer()
	log := &visemeLog{}
	s := NewScheduler(player, log.record)

	item := NewItem(make([]byte, 320), 16000, []protocol.Viseme{
		{ID: "HH", StartMs: 0},
		{ID: "AA", StartMs: 20},
		{ID: "OO", StartMs: 40},
	})

	completed := make(chan error, 1)
	s.Play(item, func(err error) { completed <- err })

	// Let the timeline pass all offsets, then end playback.
	time.Sleep(80 * time.Millisecond)
	player.finish(nil)

	require.NoError(t, waitComplete(t, completed))
	assert.Equal(t, []string{"HH", "AA", "OO", RestViseme}, log.snapshot())
}

func TestScheduler_FallbackPatternWithoutVisemes(t *testing.T) {
	player := newFakePlayer()
	log := &visemeLog{}
	s := NewScheduler(player, log.record)

	completed := make(chan error, 1)
	s.Play(NewItem(make([]byte, 320), 16000, nil), func(err error) { completed <- err })

	// Two fallback intervals, then finish.
	time.Sleep(2*fallbackInterval + 30*time.Millisecond)
	player.finish(nil)
	require.NoError(t, waitComplete(t, completed))

	ids := log.snapshot()
	require.GreaterOrEqual(t, len(ids), 3, "expected fallback visemes plus rest")
	assert.Equal(t, "AA", ids[0])
	assert.Equal(t, "EE", ids[1])
	assert.Equal(t, RestViseme, ids[len(ids)-1])
}

func TestScheduler_CompletionFiresExactlyOnce(t *testing.T) {
	player := newFakePlayer()
	s := NewScheduler(player, nil)

	var mu sync.Mutex
	count := 0
	completed := make(chan error, 1)
	s.Play(NewItem(make([]byte, 320), 16000, nil), func(err error) {
		mu.Lock()
		count++
		mu.Unlock()
		completed <- err
	})

	s.Stop()
	waitComplete(t, completed)
	s.Stop() // a second stop must not re-signal

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestScheduler_PlaybackFailureStillCompletes(t *testing.T) {
	player := newFakePlayer()
	s := NewScheduler(player, nil)

	completed := make(chan error, 1)
	s.Play(NewItem(make([]byte, 320), 16000, nil), func(err error) { completed <- err })

	player.finish(errors.New("device gone"))
	assert.EqualError(t, waitComplete(t, completed), "device gone")
}

func TestScheduler_PlayerStartFailure(t *testing.T) {
	player := newFakePlayer()
	player.playErr = errors.New("no output device")
	s := NewScheduler(player, nil)

	completed := make(chan error, 1)
	s.Play(NewItem(make([]byte, 320), 16000, nil), func(err error) { completed <- err })
	assert.EqualError(t, waitComplete(t, completed), "no output device")
}

func TestScheduler_EmptyBufferCompletesWithError(t *testing.T) {
	log := &visemeLog{}
	s := NewScheduler(newFakePlayer(), log.record)

	completed := make(chan error, 1)
	s.Play(NewItem(nil, 16000, nil), func(err error) { completed <- err })

	assert.Error(t, waitComplete(t, completed))
	// Even a failed playback closes the mouth.
	assert.Equal(t, []string{RestViseme}, log.snapshot())
}

func TestItemFromResponse(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	msg := protocol.AudioResponse{
		Type:       protocol.TypeAudioResponse,
		AudioData:  protocol.EncodePCM(pcm),
		SampleRate: 16000,
		Visemes:    []protocol.Viseme{{ID: "MM", StartMs: 0}},
	}

	item, err := ItemFromResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, pcm, item.PCM)
	assert.Equal(t, 16000, item.SampleRate)
	assert.Len(t, item.Visemes, 1)
	assert.NotEmpty(t, item.ID)

	msg.AudioData = "!!bad"
	_, err = ItemFromResponse(msg)
	assert.Error(t, err)
}
