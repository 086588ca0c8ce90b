package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/neurolab/bridge/internal/protocol"
)

// newConnectionID generates the opaque per-connection identifier devices
// address each other by.
func newConnectionID() string {
	return uuid.New().String()
}

// channel is the client registry for one logical channel.
type channel struct {
	name string

	mu sync.RWMutex

	// clients tracks all connections on this channel.
	clients map[*client]bool
}

func newChannel(name string) *channel {
	return &channel{
		name:    name,
		clients: make(map[*client]bool),
	}
}

func (ch *channel) add(c *client) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.clients[c] = true
}

func (ch *channel) remove(c *client) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.clients, c)
}

func (ch *channel) count() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.clients)
}

// byConnectionID finds a client by its connection id.
// Returns nil if no such client is connected.
func (ch *channel) byConnectionID(id string) *client {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for c := range ch.clients {
		if c.id == id {
			return c
		}
	}
	return nil
}

// broadcast sends an envelope to every client on the channel except the
// sender (pass nil to reach everyone). Slow clients drop the message
// rather than blocking the channel.
func (ch *channel) broadcast(sender *client, env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("hub: failed to marshal %s broadcast: %v", env.Event, err)
		return
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for c := range ch.clients {
		if c == sender {
			continue
		}
		c.enqueue(data)
	}
}

// sendTo delivers an envelope to the client with the given connection id.
// Returns false if the target is not connected.
func (ch *channel) sendTo(connectionID string, env protocol.Envelope) bool {
	target := ch.byConnectionID(connectionID)
	if target == nil {
		return false
	}
	return target.sendEnvelope(env)
}

// closeAll disconnects every client on the channel.
func (ch *channel) closeAll() {
	ch.mu.RLock()
	clients := make([]*client, 0, len(ch.clients))
	for c := range ch.clients {
		clients = append(clients, c)
	}
	ch.mu.RUnlock()

	for _, c := range clients {
		c.closeSend()
	}
}

// closeDevice disconnects clients authenticated as the given registered
// device. Returns the number of connections closed.
func (ch *channel) closeDevice(deviceID string) int {
	ch.mu.RLock()
	var targets []*client
	for c := range ch.clients {
		if c.deviceID != "" && c.deviceID == deviceID {
			targets = append(targets, c)
		}
	}
	ch.mu.RUnlock()

	for _, c := range targets {
		c.closeSend()
	}
	return len(targets)
}
