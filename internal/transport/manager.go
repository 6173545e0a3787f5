package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by Emit when no connection is open.
var ErrNotConnected = errors.New("event channel not connected")

// Config holds configuration for the event channel connection.
type Config struct {
	URL              string
	Credential       string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	EventBuffer      int
}

// DefaultConfig returns default connection configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   8 * 1024,
		EventBuffer:      256,
	}
}

// State is the observable connection state. Callers poll or observe it
// instead of catching errors; a failed connect never panics or throws.
type State struct {
	Connected bool
	LastError string
}

// Event is one inbound frame from the event channel. Data holds the raw
// payload; the subscriber layer decides what it means.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"payload"`
}

// frame is the outbound wire envelope.
type frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Manager owns at most one event channel connection for the session.
// Reconnection and backoff belong to the peer transport; the manager only
// surfaces terminal state.
type Manager struct {
	config Config

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   State
	eventCh chan Event
	spent   bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewManager creates a manager for a single session connection.
func NewManager(config Config) *Manager {
	return &Manager{
		config:  config,
		eventCh: make(chan Event, config.EventBuffer),
		done:    make(chan struct{}),
	}
}

// Connect establishes the connection and returns the resulting state.
// Without a credential no connection attempt is made. Calling Connect on an
// already-connected manager is a no-op, and a session whose connection has
// ended stays down: the event stream is closed, so the state just carries
// the last error.
func (m *Manager) Connect(ctx context.Context) State {
	m.mu.Lock()
	if m.state.Connected {
		s := m.state
		m.mu.Unlock()
		return s
	}
	if m.spent {
		if m.state.LastError == "" {
			m.state.LastError = "connection ended"
		}
		s := m.state
		m.mu.Unlock()
		log.Warn().Str("last_error", s.LastError).Msg("event channel already ended, not redialing")
		return s
	}
	if m.config.Credential == "" {
		m.state = State{Connected: false, LastError: "no credential"}
		s := m.state
		m.mu.Unlock()
		log.Warn().Msg("no credential present, skipping event channel connect")
		return s
	}
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.config.HandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.config.Credential)

	conn, _, err := dialer.DialContext(ctx, m.config.URL, header)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = State{Connected: false, LastError: err.Error()}
		log.Error().Err(err).Str("url", m.config.URL).Msg("event channel connect failed")
		return m.state
	}

	m.conn = conn
	m.state = State{Connected: true}

	go m.readPump()
	go m.pingLoop()

	log.Info().Str("url", m.config.URL).Msg("event channel connected")
	return m.state
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the channel is currently open.
func (m *Manager) Connected() bool {
	return m.State().Connected
}

// Events returns the inbound event stream. The channel is closed when the
// connection ends, so range loops unwind on teardown.
func (m *Manager) Events() <-chan Event {
	return m.eventCh
}

// Emit sends one outbound frame. It fails when the channel is not open;
// callers treat that as "not yet", not as fatal.
func (m *Manager) Emit(eventType string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.state.Connected {
		return ErrNotConnected
	}

	m.conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := m.conn.WriteJSON(frame{Type: eventType, Payload: payload}); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to write frame")
		return err
	}
	return nil
}

// Close tears the connection down. Safe to call from any exit path and
// more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		if m.conn != nil {
			m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(m.config.WriteTimeout))
			m.conn.Close()
		}
		m.state.Connected = false
		m.mu.Unlock()

		log.Info().Msg("event channel closed")
	})
}

// readPump reads frames until the connection ends, forwarding them to the
// event channel. On exit it records the failure reason and closes the
// event channel.
func (m *Manager) readPump() {
	defer func() {
		m.mu.Lock()
		m.state.Connected = false
		m.spent = true
		m.mu.Unlock()
		close(m.eventCh)
	}()

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	conn.SetReadLimit(m.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.done:
				// Deliberate teardown, not an error.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Msg("event channel read failed")
				}
				m.mu.Lock()
				m.state.LastError = err.Error()
				m.mu.Unlock()
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn().Err(err).Msg("dropping unparseable frame")
			continue
		}

		select {
		case m.eventCh <- ev:
		default:
			log.Warn().Str("event_type", ev.Type).Msg("event buffer full, dropping frame")
		}
	}
}

// pingLoop keeps the connection alive until teardown.
func (m *Manager) pingLoop() {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			// Writes share the manager lock with Emit; the connection
			// allows only one concurrent writer.
			m.mu.Lock()
			if m.conn == nil || !m.state.Connected {
				m.mu.Unlock()
				return
			}
			m.conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
			err := m.conn.WriteMessage(websocket.PingMessage, nil)
			m.mu.Unlock()
			if err != nil {
				log.Error().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}
