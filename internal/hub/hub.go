// Package hub provides the relay server the admin and participant devices
// talk through. It exposes one WebSocket endpoint per logical channel
// (main, experiment, device, eeg) plus the HTTP endpoints for device
// registration and management.
//
// The hub is deliberately thin: it assigns connection ids, keeps the
// device-channel directory, routes targeted messages, answers time-sync
// requests, and relays everything else. All pairing and experiment state
// machines live in the connecting processes.
package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/neurolab/bridge/internal/protocol"
)

// sendBufferSize is the buffer size for per-client send channels.
// It absorbs bursts without blocking senders; when a slow client's
// buffer fills, messages to that client are dropped.
const sendBufferSize = 256

// TokenValidator validates bearer tokens presented at connect time.
// Returns the registered device ID if the token is valid.
type TokenValidator func(token string) (deviceID string, err error)

// Config holds the hub configuration.
type Config struct {
	// Addr is the listen address (e.g., "127.0.0.1:7170").
	Addr string

	// RequireAuth rejects channel connects without a valid bearer token.
	RequireAuth bool

	// EEGMaxFramesPerSecond caps inbound EEG frames per client.
	// Zero means no limit.
	EEGMaxFramesPerSecond int

	// TimeNow returns the current time. Useful for testing.
	TimeNow func() time.Time
}

// Hub manages the four channel endpoints and relays messages between
// connected devices.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader

	mu sync.RWMutex

	// channels maps channel name to its client registry.
	channels map[string]*channel

	// pairs tracks accepted pairings by device-channel connection id,
	// in both directions, so the hub can notify the surviving partner
	// when a device drops off.
	pairs map[string]string

	// stopped prevents new connections after Stop.
	stopped bool

	tokenValidator TokenValidator

	// HTTP handlers registered on the mux. Nil handlers disable the route.
	registerHandler     http.Handler
	generateCodeHandler http.Handler
	devicesHandler      http.Handler
	revokeHandler       http.Handler

	httpServer *http.Server
	listenAddr string
	startedAt  time.Time
}

// New creates a hub. Call Start or StartAsync to begin serving.
func New(config Config) *Hub {
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	h := &Hub{
		config:   config,
		channels: make(map[string]*channel),
		pairs:    make(map[string]string),
		upgrader: websocket.Upgrader{
			// Participant devices connect from other hosts on the LAN.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	for _, name := range protocol.Channels {
		h.channels[name] = newChannel(name)
	}

	return h
}

// SetTokenValidator installs the bearer-token validator used at connect
// time. Without a validator, RequireAuth rejects every connection.
func (h *Hub) SetTokenValidator(v TokenValidator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokenValidator = v
}

// SetRegisterHandler installs the /register endpoint handler.
func (h *Hub) SetRegisterHandler(handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registerHandler = handler
}

// SetGenerateCodeHandler installs the /register/generate endpoint handler.
func (h *Hub) SetGenerateCodeHandler(handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generateCodeHandler = handler
}

// SetDevicesHandler installs the /api/devices endpoint handler.
func (h *Hub) SetDevicesHandler(handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devicesHandler = handler
}

// SetRevokeHandler installs the /api/devices/revoke endpoint handler.
func (h *Hub) SetRevokeHandler(handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revokeHandler = handler
}

// createMux builds the HTTP router for channel endpoints and management APIs.
func (h *Hub) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	for _, name := range protocol.Channels {
		channelName := name
		mux.HandleFunc("/ws/"+channelName, func(w http.ResponseWriter, r *http.Request) {
			h.serveChannel(channelName, w, r)
		})
	}

	h.mu.RLock()
	register := h.registerHandler
	generate := h.generateCodeHandler
	devices := h.devicesHandler
	revoke := h.revokeHandler
	h.mu.RUnlock()

	if register != nil {
		mux.Handle("/register", register)
	}
	if generate != nil {
		mux.Handle("/register/generate", generate)
	}
	if devices != nil {
		mux.Handle("/api/devices", devices)
	}
	if revoke != nil {
		mux.Handle("/api/devices/revoke", revoke)
	}

	mux.HandleFunc("/status", h.handleStatus)

	return mux
}

// Start begins listening for connections and blocks until the server
// stops. A nil return means a clean shutdown via Stop.
func (h *Hub) Start() error {
	errCh, err := h.StartAsync()
	if err != nil {
		return err
	}
	return <-errCh
}

// StartAsync binds the listener and serves on a background goroutine.
// The returned error is the bind result: once StartAsync returns nil,
// the hub is accepting connections. The channel receives exactly one
// value when the server exits: nil after Stop, the serve error
// otherwise.
func (h *Hub) StartAsync() (<-chan error, error) {
	// Built before taking the write lock: createMux reads handler
	// registrations under the same mutex.
	mux := h.createMux()

	listener, err := net.Listen("tcp", h.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", h.config.Addr, err)
	}

	h.mu.Lock()
	h.httpServer = &http.Server{Handler: mux}
	h.startedAt = h.config.TimeNow()
	h.listenAddr = listener.Addr().String()
	server := h.httpServer
	h.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err == http.ErrServerClosed {
			errCh <- nil
			return
		}
		log.Printf("hub: server error: %v", err)
		errCh <- err
	}()

	log.Printf("hub: listening on %s", listener.Addr())
	return errCh, nil
}

// Addr returns the bound listen address. Useful when the configured
// address uses port 0.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listenAddr != "" {
		return h.listenAddr
	}
	return h.config.Addr
}

// Stop shuts down the server and disconnects all clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	server := h.httpServer
	h.mu.Unlock()

	for _, ch := range h.channels {
		ch.closeAll()
	}

	if server != nil {
		server.Close()
	}

	log.Printf("hub: stopped")
}

// ClientCount returns the number of clients connected to a channel.
func (h *Hub) ClientCount(channelName string) int {
	ch, ok := h.channels[channelName]
	if !ok {
		return 0
	}
	return ch.count()
}

// CloseDeviceConnections closes every channel connection authenticated as
// the given registered device. Used when a device's token is revoked.
func (h *Hub) CloseDeviceConnections(deviceID string) int {
	var closed int
	for _, ch := range h.channels {
		closed += ch.closeDevice(deviceID)
	}
	if closed > 0 {
		log.Printf("hub: closed %d connection(s) for revoked device %s", closed, deviceID)
	}
	return closed
}

// serveChannel upgrades an HTTP request into a channel connection.
func (h *Hub) serveChannel(channelName string, w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopped := h.stopped
	requireAuth := h.config.RequireAuth
	validator := h.tokenValidator
	h.mu.RUnlock()

	if stopped {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Bearer authentication happens once at connect time, never per message.
	deviceID := ""
	token := r.URL.Query().Get("token")
	if requireAuth {
		if validator == nil {
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
			return
		}
		id, err := validator(token)
		if err != nil {
			log.Printf("hub: rejected %s connect: invalid token", channelName)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		deviceID = id
	} else if token != "" && validator != nil {
		// Opportunistic identification when auth is optional.
		if id, err := validator(token); err == nil {
			deviceID = id
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed on %s: %v", channelName, err)
		return
	}

	ch := h.channels[channelName]
	c := &client{
		hub:         h,
		channel:     ch,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		id:          newConnectionID(),
		deviceID:    deviceID,
		name:        r.URL.Query().Get("name"),
		role:        r.URL.Query().Get("role"),
		connectedAt: h.config.TimeNow(),
	}

	if channelName == protocol.ChannelEEG && h.config.EEGMaxFramesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(h.config.EEGMaxFramesPerSecond), h.config.EEGMaxFramesPerSecond)
	}

	ch.add(c)
	log.Printf("hub: client %s joined %s channel (%d connected)", c.id, channelName, ch.count())

	go c.writePump()
	go c.readPump()

	if channelName == protocol.ChannelDevice {
		h.onDeviceJoined(c)
	}
}

// handleStatus answers GET /status with basic hub information.
func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	startedAt := h.startedAt
	h.mu.RUnlock()

	status := struct {
		UptimeSeconds int64          `json:"uptime_seconds"`
		Channels      map[string]int `json:"channels"`
	}{
		UptimeSeconds: int64(h.config.TimeNow().Sub(startedAt).Seconds()),
		Channels:      make(map[string]int),
	}
	for _, name := range protocol.Channels {
		status.Channels[name] = h.ClientCount(name)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// nowMillis returns the hub clock as Unix milliseconds.
func (h *Hub) nowMillis() int64 {
	return h.config.TimeNow().UnixMilli()
}
