package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/neurolab/bridge/internal/protocol"
)

// client represents a single channel connection.
// Each client has its own goroutine for writing messages, which prevents
// slow clients from blocking the relay.
type client struct {
	hub     *Hub
	channel *channel

	// conn is the underlying WebSocket connection.
	conn *websocket.Conn

	// send is a buffered channel for outgoing marshaled envelopes.
	// The write goroutine reads from this and sends to the WebSocket.
	send chan []byte

	// done is closed to signal the client should shut down.
	// Used to coordinate clean shutdown without racing on send.
	done chan struct{}

	// sendOnce ensures done is only closed once. Both Stop and readPump
	// may try to close it.
	sendOnce sync.Once

	// id is the hub-assigned connection identifier.
	id string

	// deviceID is the registered device for this connection, when
	// authenticated. Empty when auth is disabled.
	deviceID string

	// name and role come from the connect query string and feed the
	// device-channel directory.
	name string
	role string

	connectedAt time.Time

	// limiter rate-limits inbound EEG frames. Nil on other channels.
	limiter *rate.Limiter
}

// closeSend safely signals the client to shut down exactly once.
// Safe to call multiple times from different goroutines.
func (c *client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// enqueue puts marshaled data on the send channel without blocking.
// Returns false when the client is shutting down or its buffer is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		// Buffer full; drop rather than block the sender.
		return false
	}
}

// sendEnvelope marshals and enqueues an envelope for this client.
func (c *client) sendEnvelope(env protocol.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("hub: failed to marshal %s: %v", env.Event, err)
		return false
	}
	return c.enqueue(data)
}

// writePump continuously sends messages from the send channel to the
// WebSocket. It also sends periodic pings to keep the connection alive.
func (c *client) writePump() {
	// Pings detect dead connections and keep NAT/firewalls happy.
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled; send close frame and exit.
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("hub: write error on %s: %v", c.channel.name, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads envelopes from the WebSocket and routes them.
// It also detects when the client disconnects.
func (c *client) readPump() {
	defer func() {
		c.channel.remove(c)
		c.closeSend()

		if c.channel.name == protocol.ChannelDevice {
			c.hub.onDeviceLeft(c)
		}

		log.Printf("hub: client %s left %s channel (%d remaining)", c.id, c.channel.name, c.channel.count())
	}()

	c.conn.SetReadLimit(512 * 1024) // Max message size: 512KB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	// A pong in response to our ping means the client is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				log.Printf("hub: read error on %s: %v", c.channel.name, err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("hub: failed to parse message on %s: %v", c.channel.name, err)
			continue
		}

		// Stamp the sender so receivers can address replies.
		env.From = c.id

		c.hub.routeEvent(c, env)
	}
}
