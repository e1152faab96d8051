package transports

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/callgo-ai/src/protocol"
)

var upgrader = websocket.Upgrader{}

// wsServer runs handler for each incoming WebSocket connection and returns
// the ws:// URL to dial.
func wsServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionTransport_AuthHandshake(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return
		}
		auth, ok := msg.(protocol.Auth)
		if !ok || auth.Token != "tok-1" || auth.SessionID != "sess-1" {
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"ready","session_id":"sess-1","sample_rate":16000}`))
		// Hold the connection open until the client hangs up.
		conn.ReadMessage()
	})

	tr, err := Dial(url)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Authenticate("tok-1", "sess-1"))

	select {
	case msg := <-tr.Recv():
		ready, ok := msg.(protocol.Ready)
		require.True(t, ok, "expected ready, got %T", msg)
		assert.Equal(t, "sess-1", ready.SessionID)
		assert.Equal(t, 16000, ready.SampleRate)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
}

func TestSessionTransport_DeliversMessagesInOrder(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tool_call","tool":"check_availability","arguments":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tool_result","tool":"check_availability","result":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"late"}`))
		conn.ReadMessage()
	})

	tr, err := Dial(url)
	require.NoError(t, err)
	defer tr.Close()

	var got []protocol.MessageType
	for i := 0; i < 3; i++ {
		select {
		case msg := <-tr.Recv():
			got = append(got, msg.MessageType())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for messages")
		}
	}
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeToolCall, protocol.TypeToolResult, protocol.TypeError,
	}, got)
}

func TestSessionTransport_SkipsUnknownAndMalformed(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","seq":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready"}`))
		conn.ReadMessage()
	})

	tr, err := Dial(url)
	require.NoError(t, err)
	defer tr.Close()

	select {
	case msg := <-tr.Recv():
		assert.Equal(t, protocol.TypeReady, msg.MessageType(),
			"unknown and malformed payloads must be skipped")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
}

func TestSessionTransport_ClientMessagesReachServer(t *testing.T) {
	received := make(chan protocol.Message, 8)
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := protocol.Decode(data); err == nil {
				received <- msg
			}
		}
	})

	tr, err := Dial(url)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(protocol.NewAudioChunk("sess-1", 0, []byte{1, 2}, false)))
	require.NoError(t, tr.Send(protocol.NewEndOfSpeech("sess-1", 1)))

	for _, want := range []protocol.MessageType{protocol.TypeAudioChunk, protocol.TypeEndOfSpeech} {
		select {
		case msg := <-received:
			assert.Equal(t, want, msg.MessageType())
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSessionTransport_LocalCloseIsClean(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	tr, err := Dial(url)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "close is idempotent")

	select {
	case _, ok := <-tr.Recv():
		assert.False(t, ok, "recv channel closes on teardown")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recv close")
	}

	assert.NoError(t, tr.Err())
	assert.ErrorIs(t, tr.Send(protocol.NewEndCall("sess-1")), ErrClosed)
}

func TestSessionTransport_RemoteDropReportsError(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	tr, err := Dial(url)
	require.NoError(t, err)
	defer tr.Close()

	select {
	case _, ok := <-tr.Recv():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recv close")
	}

	assert.Error(t, tr.Err())
}

func TestSessionTransport_DialFailure(t *testing.T) {
	_, err := Dial("ws://127.0.0.1:1/nope")
	assert.Error(t, err)
}
