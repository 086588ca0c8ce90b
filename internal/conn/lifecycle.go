package conn

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neurolab/bridge/internal/protocol"
)

const (
	// sendBufferSize bounds the per-channel outbound queue. Emit drops
	// when the buffer is full rather than blocking the caller.
	sendBufferSize = 64

	writeWait = 10 * time.Second
)

// channelConn is the live state of one logical channel connection.
type channelConn struct {
	name   string
	status Status

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once *sync.Once
}

// connectAll dials every channel for the current identity. It runs on
// its own goroutine; results surface as status transitions. The main
// channel drives the reconnect state machine: if it fails to connect,
// a backoff reconnect is scheduled for all channels.
func (m *Manager) connectAll(generation int) {
	m.mu.Lock()
	if m.closed || m.generation != generation || m.identity == nil {
		m.connecting = false
		m.mu.Unlock()
		return
	}
	identity := *m.identity
	for _, ch := range m.channels {
		m.setStatusLocked(ch, StatusConnecting)
	}
	m.mu.Unlock()

	mainOK := false
	for _, name := range protocol.Channels {
		wsConn, _, err := websocket.DefaultDialer.Dial(m.channelURL(name, identity), nil)

		m.mu.Lock()
		if m.closed || m.generation != generation {
			m.mu.Unlock()
			if err == nil {
				wsConn.Close()
			}
			return
		}
		ch := m.channels[name]
		if err != nil {
			log.Printf("conn: dial %s channel: %v", name, err)
			m.setStatusLocked(ch, StatusError)
			m.mu.Unlock()
			continue
		}

		ch.conn = wsConn
		ch.send = make(chan []byte, sendBufferSize)
		ch.done = make(chan struct{})
		ch.once = new(sync.Once)
		m.setStatusLocked(ch, StatusConnected)
		if name == protocol.ChannelMain {
			mainOK = true
		}

		go m.writePump(ch, wsConn, ch.send, ch.done)
		go m.readPump(ch, wsConn, generation)
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connecting = false
	if m.closed || m.generation != generation {
		return
	}
	if mainOK {
		// A successful connect resets the backoff.
		m.attempt = 0
	} else {
		m.scheduleReconnectLocked()
	}
}

// writePump serializes all writes on one connection.
func (m *Manager) writePump(ch *channelConn, wsConn *websocket.Conn, send chan []byte, done chan struct{}) {
	for {
		select {
		case data := <-send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			wsConn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump reads envelopes until the connection drops, then feeds the
// disconnect into the reconnect state machine. Only exits belonging to
// the current generation count: teardown bumps the generation first so
// deliberate closes are ignored here.
func (m *Manager) readPump(ch *channelConn, wsConn *websocket.Conn, generation int) {
	defer wsConn.Close()

	for {
		var env protocol.Envelope
		if err := wsConn.ReadJSON(&env); err != nil {
			m.handleDisconnect(ch, generation, err)
			return
		}
		m.dispatch(ch.name, env)
	}
}

// dispatch fans an inbound envelope out to the registered handlers.
// Handlers run sequentially on the channel's read goroutine.
func (m *Manager) dispatch(channelName string, env protocol.Envelope) {
	if channelName == protocol.ChannelDevice && env.Event == protocol.EventDeviceRegistered {
		var payload protocol.DeviceRegisteredPayload
		if err := env.Decode(&payload); err == nil {
			m.mu.Lock()
			m.connectionID = payload.ConnectionID
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	regs := m.handlers[channelName][env.Event]
	handlers := make([]Handler, 0, len(regs))
	for _, h := range regs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// handleDisconnect records an involuntary connection loss. A main
// channel loss schedules a full backoff reconnect; other channels wait
// for the main channel's cycle to bring them back.
func (m *Manager) handleDisconnect(ch *channelConn, generation int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.generation != generation {
		return
	}

	log.Printf("conn: %s channel disconnected: %v", ch.name, err)
	ch.closeSendLocked()
	ch.conn = nil
	m.setStatusLocked(ch, StatusDisconnected)

	if ch.name == protocol.ChannelMain {
		m.scheduleReconnectLocked()
	}
}

// scheduleReconnectLocked advances the backoff state machine after a
// main channel loss or failed connect. Delay doubles per attempt up to
// the cap; past the attempt limit the manager gives up with
// StatusFailed until an explicit Reconnect.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		// A reconnect cycle is already pending.
		return
	}

	if m.attempt >= m.config.MaxReconnectAttempts {
		log.Printf("conn: giving up after %d reconnect attempts", m.attempt)
		for _, ch := range m.channels {
			m.setStatusLocked(ch, StatusFailed)
		}
		return
	}

	delay := m.config.BaseReconnectDelay << uint(m.attempt)
	if delay > m.config.MaxReconnectDelay {
		delay = m.config.MaxReconnectDelay
	}
	m.attempt++
	log.Printf("conn: reconnect attempt %d in %v", m.attempt, delay)

	for _, ch := range m.channels {
		m.setStatusLocked(ch, StatusReconnecting)
	}

	generation := m.generation
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		if m.closed || m.generation != generation {
			m.mu.Unlock()
			return
		}
		m.teardownLocked()
		gen := m.generation
		m.connecting = true
		m.mu.Unlock()
		m.connectAll(gen)
	})
}

// teardownLocked closes every live connection and bumps the generation
// so in-flight pump exits are ignored.
func (m *Manager) teardownLocked() {
	m.generation++
	for _, ch := range m.channels {
		ch.closeSendLocked()
		if ch.conn != nil {
			ch.conn.Close()
			ch.conn = nil
		}
	}
}

func (m *Manager) cancelReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// setStatusLocked updates a channel's status and notifies watchers on
// transitions. Watchers are invoked on fresh goroutines so they may
// call back into the manager.
func (m *Manager) setStatusLocked(ch *channelConn, status Status) {
	if ch.status == status {
		return
	}
	ch.status = status
	for _, watcher := range m.statusWatchers[ch.name] {
		go watcher(status)
	}
}

// closeSendLocked signals the write pump to send a close frame and exit.
func (ch *channelConn) closeSendLocked() {
	if ch.once == nil {
		return
	}
	done := ch.done
	ch.once.Do(func() {
		close(done)
	})
}
