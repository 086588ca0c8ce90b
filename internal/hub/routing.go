package hub

import (
	"log"

	"github.com/neurolab/bridge/internal/protocol"
)

// routeEvent dispatches an inbound envelope according to its channel.
// Handlers run on the sending client's read goroutine.
func (h *Hub) routeEvent(c *client, env protocol.Envelope) {
	switch c.channel.name {
	case protocol.ChannelDevice:
		h.handleDeviceEvent(c, env)
	case protocol.ChannelExperiment:
		h.handleExperimentEvent(c, env)
	case protocol.ChannelEEG:
		h.handleEEGEvent(c, env)
	case protocol.ChannelMain:
		h.handleMainEvent(c, env)
	}
}

// handleExperimentEvent answers time-sync requests and relays everything
// else to the rest of the experiment channel. The hub does not interpret
// experiment semantics: ordering and state live in the engines.
func (h *Hub) handleExperimentEvent(c *client, env protocol.Envelope) {
	if env.Event == protocol.EventTimeSync {
		reply, err := protocol.NewEnvelope(protocol.EventTimeSync, "", protocol.TimeSyncPayload{
			ServerTime: h.nowMillis(),
		})
		if err != nil {
			log.Printf("hub: build time-sync reply: %v", err)
			return
		}
		c.sendEnvelope(reply)
		return
	}

	c.channel.broadcast(c, env)
}

// handleEEGEvent relays frames to the other eeg clients, dropping frames
// beyond the per-client rate cap. The hub never interprets sample
// semantics: frames are relayed as received.
func (h *Hub) handleEEGEvent(c *client, env protocol.Envelope) {
	if c.limiter != nil && !c.limiter.Allow() {
		// Over the cap. Dropping is deliberate: stale EEG frames are
		// worthless, so there is no queue to drain later.
		return
	}
	c.channel.broadcast(c, env)
}

// handleMainEvent handles the connectivity channel. Heartbeats are
// absorbed; anything else is logged and ignored.
func (h *Hub) handleMainEvent(c *client, env protocol.Envelope) {
	if env.Event == protocol.EventHeartbeat {
		return
	}
	log.Printf("hub: unexpected event %q on main channel", env.Event)
}
