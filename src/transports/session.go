// Package transports provides the duplex session channel to the voice
// agent backend: one WebSocket connection per call, tagged JSON messages
// in both directions.
package transports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/callgo-ai/src/logger"
	"github.com/square-key-labs/callgo-ai/src/protocol"
)

// ErrClosed is returned by Send once the transport has been torn down.
var ErrClosed = errors.New("transport closed")

const sendQueueSize = 256

// SessionTransport is a single persistent duplex channel for one call.
// Sends are a non-blocking enqueue drained by a dedicated writer goroutine,
// so the audio capture callback never blocks on socket I/O. Receives are
// delivered in arrival order on one channel; the consumer processes them
// one at a time, which serializes all state machine mutations.
//
// No reconnect is attempted: a dropped channel ends the call.
type SessionTransport struct {
	conn  *websocket.Conn
	sendQ chan []byte
	recv  chan protocol.Message

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error

	wg  sync.WaitGroup
	log *logger.Logger
}

// Dial opens the WebSocket channel to the backend voice endpoint.
func Dial(url string) (*SessionTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial voice endpoint %s: %w", url, err)
	}

	t := &SessionTransport{
		conn:  conn,
		sendQ: make(chan []byte, sendQueueSize),
		recv:  make(chan protocol.Message, 64),
		done:  make(chan struct{}),
		log:   logger.WithPrefix("Transport"),
	}

	t.wg.Add(2)
	go t.writeLoop()
	go t.readLoop()

	t.log.Info("Connected to %s", url)
	return t, nil
}

// Authenticate performs the session handshake: it sends the auth message
// carrying the credential token and session identifier. The server answers
// with a ready message on the receive channel.
func (t *SessionTransport) Authenticate(token, sessionID string) error {
	return t.Send(protocol.NewAuth(token, sessionID))
}

// Send serializes the message and enqueues it for transmission. It never
// blocks: if the queue is full the message is dropped and logged, which is
// acceptable for audio chunks and a protocol violation for anything else
// (the queue is sized so control messages are never realistically dropped).
func (t *SessionTransport) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	select {
	case t.sendQ <- data:
		return nil
	default:
		t.log.Warn("Send queue full, dropping %s message", msg.MessageType())
		return nil
	}
}

// Recv returns the channel of inbound messages. It is closed when the
// connection drops or Close is called; after that Err reports why.
func (t *SessionTransport) Recv() <-chan protocol.Message {
	return t.recv
}

// Err returns the terminal transport error, or nil after a clean local
// Close.
func (t *SessionTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close tears the channel down. Safe to call multiple times; the
// connection is closed exactly once.
func (t *SessionTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
		t.log.Info("Closed")
	})
	return nil
}

func (t *SessionTransport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case data := <-t.sendQ:
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.log.Error("Write error: %v", err)
				t.fail(fmt.Errorf("transport write: %w", err))
				return
			}
		}
	}
}

func (t *SessionTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.recv)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				// Local close, not a failure.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					t.log.Error("Read error: %v", err)
				}
				t.fail(fmt.Errorf("transport read: %w", err))
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Malformed payloads are logged and skipped, not fatal.
			t.log.Warn("Dropping undecodable message: %v", err)
			continue
		}
		if unknown, ok := msg.(protocol.Unknown); ok {
			t.log.Warn("Ignoring unknown message type %q", unknown.Type)
			continue
		}

		select {
		case t.recv <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *SessionTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.Close()
}
