// Package conn provides the channel connection manager: one persistent
// WebSocket connection per logical channel (main, experiment, device,
// eeg), authenticated at connect time, with automatic exponential-backoff
// reconnection and a generic publish/subscribe interface for the engines
// layered on top.
//
// The manager is the only component that touches channel internals. The
// pairing and experiment engines publish and subscribe through it and
// never see a WebSocket.
package conn

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/neurolab/bridge/internal/protocol"
)

// Status is the connection state of one logical channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"

	// StatusFailed means automatic reconnection gave up. Only an explicit
	// Reconnect call leaves this state.
	StatusFailed Status = "failed"
)

// ErrClosed is returned by Connect after the manager has been closed.
var ErrClosed = errors.New("connection manager is closed")

// Identity is the owning identity for a set of channel connections.
// The bearer token authenticates every channel at connect time; name and
// role feed the hub's device directory.
type Identity struct {
	Token string
	Name  string
	Role  string
}

// Handler receives inbound envelopes for a subscribed event.
// Handlers run on the channel's read goroutine and should return quickly.
type Handler func(env protocol.Envelope)

// Config holds manager tuning. Zero values take the defaults below,
// which are the protocol-mandated timings.
type Config struct {
	// BaseURL is the hub address, e.g. "ws://127.0.0.1:7170".
	BaseURL string

	// BaseReconnectDelay is the first automatic reconnect delay.
	// Default: 1s. The delay doubles per attempt up to MaxReconnectDelay.
	BaseReconnectDelay time.Duration

	// MaxReconnectDelay caps the backoff. Default: 30s.
	MaxReconnectDelay time.Duration

	// MaxReconnectAttempts is how many automatic reconnects are tried
	// before the manager gives up with StatusFailed. Default: 5.
	MaxReconnectAttempts int

	// ManualReconnectDelay is the fixed delay before a Reconnect call
	// re-initiates the connect. Default: 1s.
	ManualReconnectDelay time.Duration
}

// Manager owns the four channel connections for one identity.
type Manager struct {
	config Config

	mu sync.Mutex

	identity *Identity

	// channels holds per-channel connection state, keyed by channel name.
	channels map[string]*channelConn

	// handlers: channel -> event -> registration id -> handler.
	// Registration ids make unsubscribe remove exactly one registration.
	handlers      map[string]map[string]map[int]Handler
	nextHandlerID int

	// statusWatchers: channel -> registration id -> watcher.
	statusWatchers map[string]map[int]func(Status)
	nextWatcherID  int

	// attempt counts consecutive automatic reconnects. Reset to 0 only
	// on a successful connected transition or an explicit Reconnect.
	attempt int

	// connecting coalesces concurrent Connect calls.
	connecting bool

	// generation invalidates read goroutines from torn-down connections
	// so their exit does not schedule a spurious reconnect.
	generation int

	reconnectTimer *time.Timer

	// connectionID is the hub-assigned device-channel connection id,
	// learned from the device-registered event.
	connectionID string

	closed bool
}

// NewManager creates a connection manager. Call Connect to open the
// channels.
func NewManager(config Config) *Manager {
	if config.BaseReconnectDelay == 0 {
		config.BaseReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = 30 * time.Second
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = 5
	}
	if config.ManualReconnectDelay == 0 {
		config.ManualReconnectDelay = time.Second
	}

	m := &Manager{
		config:         config,
		channels:       make(map[string]*channelConn),
		handlers:       make(map[string]map[string]map[int]Handler),
		statusWatchers: make(map[string]map[int]func(Status)),
	}
	for _, name := range protocol.Channels {
		m.channels[name] = &channelConn{name: name, status: StatusDisconnected}
	}
	return m
}

// Connect opens one connection per logical channel using the identity's
// bearer credential. A connect already in flight for this manager is not
// restarted; the call is coalesced and returns immediately.
//
// Connect never blocks on the network: dialing happens on a background
// goroutine and results surface as channel status transitions.
func (m *Manager) Connect(identity Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.connecting {
		log.Printf("conn: connect already in flight, coalescing")
		return nil
	}

	m.identity = &identity
	m.cancelReconnectTimerLocked()
	m.teardownLocked()
	m.connecting = true
	generation := m.generation

	go m.connectAll(generation)
	return nil
}

// Reconnect resets the attempt counter, tears down all four channel
// connections, and re-initiates connect after a fixed short delay.
// This is the only escape from StatusFailed.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.identity == nil {
		return
	}

	log.Printf("conn: manual reconnect requested")
	m.attempt = 0
	m.cancelReconnectTimerLocked()
	m.teardownLocked()
	for _, ch := range m.channels {
		m.setStatusLocked(ch, StatusReconnecting)
	}

	generation := m.generation
	m.connecting = true
	m.reconnectTimer = time.AfterFunc(m.config.ManualReconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.connectAll(generation)
	})
}

// Close tears down all channels and stops all timers. The manager cannot
// be reused afterwards; it corresponds to the owning identity logging out.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.identity = nil
	m.cancelReconnectTimerLocked()
	m.teardownLocked()
	for _, ch := range m.channels {
		m.setStatusLocked(ch, StatusDisconnected)
	}
}

// Status returns the current status of a channel.
func (m *Manager) Status(channelName string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelName]
	if !ok {
		return StatusDisconnected
	}
	return ch.status
}

// Connected reports whether a channel is currently connected.
func (m *Manager) Connected(channelName string) bool {
	return m.Status(channelName) == StatusConnected
}

// Attempt returns the current automatic reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// ConnectionID returns the hub-assigned device-channel connection id,
// or "" before the device-registered event has arrived.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// Emit publishes an event on a channel. It returns false (and logs)
// when the channel is not currently connected or the send buffer is
// full. This is deliberate fire-and-forget: callers must not assume
// delivery, and Emit never waits for a network round trip.
func (m *Manager) Emit(channelName, event string, payload any) bool {
	return m.EmitTo(channelName, event, "", payload)
}

// EmitTo publishes an event addressed to a specific connection id on the
// target channel (targeted routing is only meaningful on the device
// channel). Same delivery semantics as Emit.
func (m *Manager) EmitTo(channelName, event, to string, payload any) bool {
	env, err := protocol.NewEnvelope(event, to, payload)
	if err != nil {
		log.Printf("conn: %v", err)
		return false
	}

	m.mu.Lock()
	ch, ok := m.channels[channelName]
	if !ok || ch.status != StatusConnected {
		m.mu.Unlock()
		log.Printf("conn: emit %s dropped, %s channel not connected", event, channelName)
		return false
	}
	send := ch.send
	done := ch.done
	m.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("conn: marshal %s: %v", event, err)
		return false
	}

	select {
	case <-done:
		log.Printf("conn: emit %s dropped, %s channel closing", event, channelName)
		return false
	default:
	}
	select {
	case send <- data:
		return true
	default:
		log.Printf("conn: emit %s dropped, %s send buffer full", event, channelName)
		return false
	}
}

// On subscribes a handler to an event on a channel. The returned
// capability removes exactly this registration and is idempotent.
func (m *Manager) On(channelName, event string, handler Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers[channelName] == nil {
		m.handlers[channelName] = make(map[string]map[int]Handler)
	}
	if m.handlers[channelName][event] == nil {
		m.handlers[channelName][event] = make(map[int]Handler)
	}

	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[channelName][event][id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if regs, ok := m.handlers[channelName][event]; ok {
			delete(regs, id)
		}
	}
}

// OnStatus subscribes a watcher to status transitions of a channel.
// The returned capability removes the registration and is idempotent.
func (m *Manager) OnStatus(channelName string, watcher func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusWatchers[channelName] == nil {
		m.statusWatchers[channelName] = make(map[int]func(Status))
	}

	id := m.nextWatcherID
	m.nextWatcherID++
	m.statusWatchers[channelName][id] = watcher

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if regs, ok := m.statusWatchers[channelName]; ok {
			delete(regs, id)
		}
	}
}

// channelURL builds the connect URL for one channel, with the bearer
// credential and identity metadata in the query string.
func (m *Manager) channelURL(channelName string, identity Identity) string {
	q := url.Values{}
	if identity.Token != "" {
		q.Set("token", identity.Token)
	}
	if identity.Name != "" {
		q.Set("name", identity.Name)
	}
	if identity.Role != "" {
		q.Set("role", identity.Role)
	}
	u := fmt.Sprintf("%s/ws/%s", m.config.BaseURL, channelName)
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}
