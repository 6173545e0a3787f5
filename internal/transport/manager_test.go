package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer upgrades incoming connections and hands them to handler.
type wsTestServer struct {
	srv *httptest.Server
	url string

	mu       sync.Mutex
	upgrades int
	authSeen string
}

func newWSTestServer(t *testing.T, handler func(conn *websocket.Conn)) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{}
	upgrader := websocket.Upgrader{}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.upgrades++
		ts.authSeen = r.Header.Get("Authorization")
		ts.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handler(conn)
	}))
	t.Cleanup(ts.srv.Close)

	ts.url = "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	return ts
}

func (ts *wsTestServer) upgradeCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.upgrades
}

func (ts *wsTestServer) authHeader() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.authSeen
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Credential = "test-token"
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func TestConnect_NoCredentialMeansNoDial(t *testing.T) {
	ts := newWSTestServer(t, func(conn *websocket.Conn) { conn.Close() })

	cfg := testConfig(ts.url)
	cfg.Credential = ""
	m := NewManager(cfg)
	defer m.Close()

	state := m.Connect(context.Background())

	assert.False(t, state.Connected)
	assert.Equal(t, "no credential", state.LastError)
	assert.Zero(t, ts.upgradeCount(), "no connection attempt without a credential")
}

func TestConnect_FailureSurfacesStateNotPanic(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	m := NewManager(cfg)
	defer m.Close()

	state := m.Connect(context.Background())

	assert.False(t, state.Connected)
	assert.NotEmpty(t, state.LastError)
	assert.False(t, m.Connected())
}

func TestConnect_SendsBearerCredential(t *testing.T) {
	ts := newWSTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(ts.url))
	defer m.Close()

	state := m.Connect(context.Background())
	require.True(t, state.Connected)
	assert.Empty(t, state.LastError)
	assert.Equal(t, "Bearer test-token", ts.authHeader())
}

func TestConnect_IsIdempotent(t *testing.T) {
	ts := newWSTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(ts.url))
	defer m.Close()

	first := m.Connect(context.Background())
	second := m.Connect(context.Background())

	require.True(t, first.Connected)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, ts.upgradeCount(), "at most one connection per session")
}

func TestEvents_InboundFramesAreDelivered(t *testing.T) {
	ts := newWSTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		frame := map[string]interface{}{
			"type":    "NEW_BID",
			"payload": map[string]interface{}{"amount": 120.5, "bidderName": "alice"},
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(ts.url))
	defer m.Close()
	require.True(t, m.Connect(context.Background()).Connected)

	select {
	case ev := <-m.Events():
		assert.Equal(t, "NEW_BID", ev.Type)
		var payload struct {
			Amount     float64 `json:"amount"`
			BidderName string  `json:"bidderName"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		assert.Equal(t, 120.5, payload.Amount)
		assert.Equal(t, "alice", payload.BidderName)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestEmit_WritesOutboundFrame(t *testing.T) {
	received := make(chan []byte, 1)
	ts := newWSTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(ts.url))
	defer m.Close()
	require.True(t, m.Connect(context.Background()).Connected)

	require.NoError(t, m.Emit("join_room", map[string]string{"auctionId": "41"}))

	select {
	case msg := <-received:
		var frame struct {
			Type    string `json:"type"`
			Payload struct {
				AuctionID string `json:"auctionId"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(msg, &frame))
		assert.Equal(t, "join_room", frame.Type)
		assert.Equal(t, "41", frame.Payload.AuctionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
	}
}

func TestEmit_FailsWhenNotConnected(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1"))
	defer m.Close()

	err := m.Emit("join_room", map[string]string{"auctionId": "41"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_TearsDownAndClosesEventStream(t *testing.T) {
	ts := newWSTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(testConfig(ts.url))
	require.True(t, m.Connect(context.Background()).Connected)

	m.Close()
	m.Close() // safe on every exit path, including twice

	assert.False(t, m.Connected())

	select {
	case _, open := <-m.Events():
		assert.False(t, open, "event channel must close on teardown")
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close")
	}
}

func TestConnect_AfterPeerDropDoesNotRedial(t *testing.T) {
	ts := newWSTestServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	m := NewManager(testConfig(ts.url))
	defer m.Close()
	require.True(t, m.Connect(context.Background()).Connected)

	require.Eventually(t, func() bool {
		return !m.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	state := m.Connect(context.Background())
	assert.False(t, state.Connected)
	assert.NotEmpty(t, state.LastError)
	assert.Equal(t, 1, ts.upgradeCount(), "a dropped session stays down")

	// The closed event stream is never written to again.
	select {
	case _, open := <-m.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close after drop")
	}
}

func TestReadPump_PeerCloseMarksDisconnected(t *testing.T) {
	ts := newWSTestServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	m := NewManager(testConfig(ts.url))
	defer m.Close()
	require.True(t, m.Connect(context.Background()).Connected)

	require.Eventually(t, func() bool {
		return !m.Connected()
	}, 2*time.Second, 10*time.Millisecond)
}
