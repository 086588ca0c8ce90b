// Package eeg relays already-sampled biosignal frames over the eeg
// channel. It moves frames between the channel and local consumers
// without interpreting sample semantics.
package eeg

import (
	"log"
	"sync"

	"github.com/neurolab/bridge/internal/conn"
	"github.com/neurolab/bridge/internal/protocol"
)

// Frame is one multi-channel sample frame as it appears on the wire.
type Frame struct {
	Timestamp int64     `json:"timestamp"`
	Channels  []float64 `json:"channels"`
	BoardType string    `json:"boardType"`
}

// Bus is the slice of the channel connection manager the relay needs.
type Bus interface {
	Emit(channel, event string, payload any) bool
	On(channel, event string, handler conn.Handler) func()
	Connected(channel string) bool
}

// consumerBufferSize bounds each consumer's frame queue. A consumer
// that falls behind loses frames rather than stalling the relay.
const consumerBufferSize = 128

// Relay fans inbound eeg-data frames out to subscribed consumers and
// publishes locally acquired frames to the channel.
type Relay struct {
	bus Bus

	mu        sync.Mutex
	consumers map[int]chan Frame
	nextID    int
	dropped   uint64

	unsub  func()
	closed bool
}

// NewRelay creates the relay and subscribes it to the eeg channel.
func NewRelay(bus Bus) *Relay {
	r := &Relay{
		bus:       bus,
		consumers: make(map[int]chan Frame),
	}
	r.unsub = bus.On(protocol.ChannelEEG, protocol.EventEEGData, r.handleFrame)
	return r
}

// Close unsubscribes the relay and closes all consumer channels.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsub
	r.unsub = nil
	for id, ch := range r.consumers {
		close(ch)
		delete(r.consumers, id)
	}
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Publish sends a locally acquired frame to the eeg channel. Delivery
// is fire-and-forget; false means the channel was not connected.
func (r *Relay) Publish(frame Frame) bool {
	return r.bus.Emit(protocol.ChannelEEG, protocol.EventEEGData, frame)
}

// Subscribe returns a channel of inbound frames and an unsubscribe
// capability. The channel is closed on unsubscribe or relay close.
func (r *Relay) Subscribe() (<-chan Frame, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Frame, consumerBufferSize)
	if r.closed {
		close(ch)
		return ch, func() {}
	}

	id := r.nextID
	r.nextID++
	r.consumers[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.consumers[id]; ok {
			delete(r.consumers, id)
			close(c)
		}
	}
}

// Dropped returns how many frames were discarded because a consumer's
// buffer was full.
func (r *Relay) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Relay) handleFrame(env protocol.Envelope) {
	var frame Frame
	if err := env.Decode(&frame); err != nil {
		log.Printf("eeg: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.consumers {
		select {
		case ch <- frame:
		default:
			r.dropped++
		}
	}
}
