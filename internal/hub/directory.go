package hub

import (
	"log"

	"github.com/neurolab/bridge/internal/protocol"
)

// directory.go holds the device-channel logic: the device directory,
// targeted pairing-message routing, and partner-disconnect notification.
//
// The directory is authoritative only for presence. Pairing state proper
// lives in the devices; the hub records accepted pairs solely so it can
// tell the survivor when its partner drops off, and so device-status
// replies reflect the hub's view.

// Device statuses as reported in directory snapshots.
const (
	deviceStatusAvailable = "available"
	deviceStatusPaired    = "paired"
)

// onDeviceJoined confirms the connection id to the new client and pushes
// a fresh directory snapshot to the whole channel.
func (h *Hub) onDeviceJoined(c *client) {
	registered, err := protocol.NewEnvelope(protocol.EventDeviceRegistered, "", protocol.DeviceRegisteredPayload{
		ConnectionID: c.id,
	})
	if err != nil {
		log.Printf("hub: build device-registered: %v", err)
	} else {
		c.sendEnvelope(registered)
	}

	h.pushDirectorySnapshot()
}

// onDeviceLeft notifies the departed client's paired partner (if any)
// and pushes an updated directory snapshot.
func (h *Hub) onDeviceLeft(c *client) {
	h.mu.Lock()
	partner, wasPaired := h.pairs[c.id]
	if wasPaired {
		delete(h.pairs, c.id)
		delete(h.pairs, partner)
	}
	h.mu.Unlock()

	if wasPaired {
		env, err := protocol.NewEnvelope(protocol.EventPairDisconnected, partner, protocol.PairDisconnectedPayload{
			ConnectionID: c.id,
		})
		if err != nil {
			log.Printf("hub: build pair-disconnected: %v", err)
		} else if !c.channel.sendTo(partner, env) {
			log.Printf("hub: partner %s already gone, pair-disconnected dropped", partner)
		}
	}

	h.pushDirectorySnapshot()
}

// handleDeviceEvent serves directory requests and routes pairing
// messages to their target connection.
func (h *Hub) handleDeviceEvent(c *client, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventDeviceScan:
		reply, err := protocol.NewEnvelope(protocol.EventDeviceScanResults, "", protocol.DeviceListPayload{
			Devices: h.directorySnapshot(),
		})
		if err != nil {
			log.Printf("hub: build device-scan-results: %v", err)
			return
		}
		c.sendEnvelope(reply)

	case protocol.EventDeviceStatus:
		reply, err := protocol.NewEnvelope(protocol.EventDeviceStatus, "", protocol.DeviceStatusPayload{
			ConnectionID: c.id,
			Status:       h.deviceStatus(c.id),
		})
		if err != nil {
			log.Printf("hub: build device-status: %v", err)
			return
		}
		c.sendEnvelope(reply)

	case protocol.EventPairRequest, protocol.EventPairResponse,
		protocol.EventPairResponseError, protocol.EventUnpaired:
		h.routePairingEvent(c, env)

	default:
		log.Printf("hub: unexpected event %q on device channel", env.Event)
	}
}

// routePairingEvent delivers a pairing message to its target and keeps
// the hub's pair bookkeeping in step with accepted/dissolved pairings.
func (h *Hub) routePairingEvent(c *client, env protocol.Envelope) {
	target := env.To
	if target == "" {
		// Fall back to the targetId field every pairing payload carries.
		var addressed struct {
			TargetID string `json:"targetId"`
		}
		if err := env.Decode(&addressed); err == nil {
			target = addressed.TargetID
		}
	}
	if target == "" {
		log.Printf("hub: %s from %s has no target, dropped", env.Event, c.id)
		return
	}

	switch env.Event {
	case protocol.EventPairResponse:
		var resp protocol.PairResponsePayload
		if err := env.Decode(&resp); err == nil && resp.Accepted {
			h.mu.Lock()
			h.pairs[c.id] = target
			h.pairs[target] = c.id
			h.mu.Unlock()
			log.Printf("hub: recorded pairing %s <-> %s", c.id, target)
		}
	case protocol.EventUnpaired:
		h.mu.Lock()
		delete(h.pairs, c.id)
		delete(h.pairs, target)
		h.mu.Unlock()
	}

	if !c.channel.sendTo(target, env) {
		log.Printf("hub: %s target %s not connected, dropped", env.Event, target)
	}

	// Pairing transitions change directory statuses.
	if env.Event == protocol.EventPairResponse || env.Event == protocol.EventUnpaired {
		h.pushDirectorySnapshot()
	}
}

// deviceStatus reports the hub's view of one connection.
func (h *Hub) deviceStatus(connectionID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.pairs[connectionID]; ok {
		return deviceStatusPaired
	}
	return deviceStatusAvailable
}

// directorySnapshot builds the wholesale device list. Consumers always
// replace their directory with the latest snapshot, never patch it.
func (h *Hub) directorySnapshot() []protocol.DeviceInfo {
	ch := h.channels[protocol.ChannelDevice]

	ch.mu.RLock()
	clients := make([]*client, 0, len(ch.clients))
	for c := range ch.clients {
		clients = append(clients, c)
	}
	ch.mu.RUnlock()

	devices := make([]protocol.DeviceInfo, 0, len(clients))
	for _, c := range clients {
		devices = append(devices, protocol.DeviceInfo{
			ConnectionID: c.id,
			Name:         c.name,
			Role:         c.role,
			Status:       h.deviceStatus(c.id),
			ConnectedAt:  c.connectedAt.UnixMilli(),
		})
	}
	return devices
}

// pushDirectorySnapshot broadcasts a device-list-updated snapshot to the
// whole device channel.
func (h *Hub) pushDirectorySnapshot() {
	env, err := protocol.NewEnvelope(protocol.EventDeviceListUpdated, "", protocol.DeviceListPayload{
		Devices: h.directorySnapshot(),
	})
	if err != nil {
		log.Printf("hub: build device-list-updated: %v", err)
		return
	}
	h.channels[protocol.ChannelDevice].broadcast(nil, env)
}
