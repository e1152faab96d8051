package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/square-key-labs/callgo-ai/src/playback"
	"github.com/square-key-labs/callgo-ai/src/protocol"
)

const initiateTimeout = 15 * time.Second

// InitiateResponse is the server's answer to session initiation: the new
// session ID plus a pre-synthesized greeting so the client has something to
// play before the socket handshake completes.
type InitiateResponse struct {
	SessionID          string            `json:"session_id"`
	GreetingText       string            `json:"greeting_text"`
	GreetingAudioData  string            `json:"greeting_audio_data"`
	GreetingFormat     string            `json:"greeting_audio_format"`
	GreetingSampleRate int               `json:"greeting_sample_rate"`
	GreetingDurationMs int               `json:"greeting_duration_ms"`
	GreetingVisemes    []protocol.Viseme `json:"greeting_visemes"`
}

// GreetingItem converts the greeting payload into a playable item.
func (r InitiateResponse) GreetingItem() (playback.Item, error) {
	pcm, err := protocol.DecodePCM(r.GreetingAudioData)
	if err != nil {
		return playback.Item{}, fmt.Errorf("greeting audio: %w", err)
	}
	rate := r.GreetingSampleRate
	if rate == 0 {
		rate = 16000
	}
	return playback.Item{
		ID:         r.SessionID,
		PCM:        pcm,
		SampleRate: rate,
		Visemes:    r.GreetingVisemes,
	}, nil
}

// Initiate creates a new voice session on the backend and returns the
// session ID and greeting. baseURL is the HTTP origin of the backend, e.g.
// "http://localhost:8000".
func Initiate(ctx context.Context, client *http.Client, baseURL, token string) (*InitiateResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(baseURL, "/") + "/api/voice/initiate"

	ctx, cancel := context.WithTimeout(ctx, initiateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("initiate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("initiate call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("initiate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("initiate failed: status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out InitiateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("initiate response: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("initiate response missing session_id")
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
