// Package device implements the device directory and pairing engine:
// it tracks devices visible on the device channel, runs the pairing
// handshake, and maintains the single current pairing for the local
// device.
package device

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/neurolab/bridge/internal/conn"
	"github.com/neurolab/bridge/internal/protocol"
)

// Bus is the slice of the channel connection manager the engine needs.
type Bus interface {
	Emit(channel, event string, payload any) bool
	EmitTo(channel, event, to string, payload any) bool
	On(channel, event string, handler conn.Handler) func()
	OnStatus(channel string, watcher func(conn.Status)) func()
	Connected(channel string) bool
	ConnectionID() string
}

// DeviceStatus is the locally derived status of this device. It is a
// pure function of channel connectivity and the pairing slot, never an
// independently mutable field.
type DeviceStatus string

const (
	StatusDisconnected DeviceStatus = "disconnected"
	StatusConnected    DeviceStatus = "connected"
	StatusPaired       DeviceStatus = "paired"
)

// Config holds engine tuning. Zero values take the defaults below.
type Config struct {
	// ScanTimeout clears the scanning flag when no results arrive.
	// Default: 10s.
	ScanTimeout time.Duration

	// SessionTimeout expires an unanswered pairing session, both the
	// outbound waiting session and inbound pending requests.
	// Default: 2 minutes. A negative value disables expiry.
	SessionTimeout time.Duration

	// AcceptGrace is how long a completed requester-side session stays
	// visible before folding into the paired record. Default: 2s.
	AcceptGrace time.Duration

	// ErrorClear is how long a transient pairing error stays set.
	// Default: 3s.
	ErrorClear time.Duration

	// TimeNow is injectable for tests. Default: time.Now.
	TimeNow func() time.Time
}

// Engine owns the device directory and the pairing state machine for
// one connected identity.
type Engine struct {
	bus    Bus
	config Config

	mu sync.Mutex

	// devices is the latest directory snapshot, always replaced
	// wholesale, never patched incrementally.
	devices []protocol.DeviceInfo

	scanning  bool
	scanTimer *time.Timer

	session *Session
	paired  *PairedDevice

	// pending holds inbound pair requests in arrival order,
	// deduplicated by originating connection id.
	pending []*InboundRequest

	lastError  string
	errorTimer *time.Timer
	graceTimer *time.Timer

	watchers      map[int]func()
	nextWatcherID int

	unsubs []func()
	closed bool
}

// NewEngine creates the engine and subscribes it to the device channel.
func NewEngine(bus Bus, config Config) *Engine {
	if config.ScanTimeout == 0 {
		config.ScanTimeout = 10 * time.Second
	}
	if config.SessionTimeout == 0 {
		config.SessionTimeout = 2 * time.Minute
	}
	if config.AcceptGrace == 0 {
		config.AcceptGrace = 2 * time.Second
	}
	if config.ErrorClear == 0 {
		config.ErrorClear = 3 * time.Second
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	e := &Engine{
		bus:      bus,
		config:   config,
		watchers: make(map[int]func()),
	}

	e.unsubs = append(e.unsubs,
		bus.On(protocol.ChannelDevice, protocol.EventDeviceScanResults, e.handleScanResults),
		bus.On(protocol.ChannelDevice, protocol.EventDeviceListUpdated, e.handleScanResults),
		bus.On(protocol.ChannelDevice, protocol.EventPairRequest, e.handlePairRequest),
		bus.On(protocol.ChannelDevice, protocol.EventPairResponse, e.handlePairResponse),
		bus.On(protocol.ChannelDevice, protocol.EventPairResponseError, e.handlePairResponseError),
		bus.On(protocol.ChannelDevice, protocol.EventUnpaired, e.handleUnpaired),
		bus.On(protocol.ChannelDevice, protocol.EventPairDisconnected, e.handlePairDisconnected),
		bus.OnStatus(protocol.ChannelDevice, e.handleChannelStatus),
	)
	return e
}

// Close unsubscribes the engine and stops its timers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.stopTimersLocked()
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// ScanForDevices requests a fresh directory snapshot. The scanning flag
// clears on receipt of results or after the scan timeout, whichever
// comes first. A new scan supersedes a pending timeout.
func (e *Engine) ScanForDevices() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.scanning = true
	if e.scanTimer != nil {
		e.scanTimer.Stop()
	}
	// The fired callback may already be waiting on the lock; it must
	// only act if it still owns the scanTimer slot.
	var timer *time.Timer
	timer = time.AfterFunc(e.config.ScanTimeout, func() {
		e.mu.Lock()
		if e.scanTimer != timer {
			e.mu.Unlock()
			return
		}
		if e.scanning {
			log.Printf("device: scan timed out after %v", e.config.ScanTimeout)
			e.scanning = false
		}
		e.scanTimer = nil
		e.mu.Unlock()
		e.notify()
	})
	e.scanTimer = timer

	e.bus.Emit(protocol.ChannelDevice, protocol.EventDeviceScan, nil)
	go e.notify()
}

// Devices returns a copy of the latest directory snapshot.
func (e *Engine) Devices() []protocol.DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.DeviceInfo, len(e.devices))
	copy(out, e.devices)
	return out
}

// Scanning reports whether a directory scan is in flight.
func (e *Engine) Scanning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scanning
}

// Status derives the local device status from channel connectivity and
// the pairing slot.
func (e *Engine) Status() DeviceStatus {
	e.mu.Lock()
	paired := e.paired != nil
	e.mu.Unlock()

	if !e.bus.Connected(protocol.ChannelDevice) {
		return StatusDisconnected
	}
	if paired {
		return StatusPaired
	}
	return StatusConnected
}

// Paired returns the current paired device, or nil.
func (e *Engine) Paired() *PairedDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paired == nil {
		return nil
	}
	p := *e.paired
	return &p
}

// IsPaired reports whether a paired partner currently exists.
func (e *Engine) IsPaired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paired != nil
}

// Session returns the active pairing session, or nil when idle.
func (e *Engine) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	s := *e.session
	return &s
}

// PendingRequests returns the inbound pairing requests awaiting an
// answer, in arrival order.
func (e *Engine) PendingRequests() []InboundRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InboundRequest, 0, len(e.pending))
	for _, req := range e.pending {
		out = append(out, *req)
	}
	return out
}

// LastError returns the transient pairing error, or "".
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// OnChange subscribes a watcher to engine state changes. The returned
// capability removes the registration and is idempotent.
func (e *Engine) OnChange(watcher func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextWatcherID
	e.nextWatcherID++
	e.watchers[id] = watcher

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.watchers, id)
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	watchers := make([]func(), 0, len(e.watchers))
	for _, w := range e.watchers {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()

	for _, w := range watchers {
		w()
	}
}

// handleScanResults replaces the directory wholesale with the latest
// snapshot; it serves both solicited results and unsolicited pushes.
func (e *Engine) handleScanResults(env protocol.Envelope) {
	var payload protocol.DeviceListPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("device: %v", err)
		return
	}

	e.mu.Lock()
	e.devices = payload.Devices
	e.scanning = false
	if e.scanTimer != nil {
		e.scanTimer.Stop()
		e.scanTimer = nil
	}
	e.mu.Unlock()
	e.notify()
}

// handleChannelStatus clears channel-dependent state on disconnect:
// the directory, the scanning flag, and the pairing slot all describe
// the lost channel's world.
func (e *Engine) handleChannelStatus(status conn.Status) {
	if status == conn.StatusConnected {
		e.notify()
		return
	}

	e.mu.Lock()
	e.devices = nil
	e.scanning = false
	e.pending = nil
	e.paired = nil
	e.clearSessionLocked()
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) stopTimersLocked() {
	if e.scanTimer != nil {
		e.scanTimer.Stop()
		e.scanTimer = nil
	}
	if e.errorTimer != nil {
		e.errorTimer.Stop()
		e.errorTimer = nil
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	if e.session != nil && e.session.timeout != nil {
		e.session.timeout.Stop()
	}
	for _, req := range e.pending {
		if req.timeout != nil {
			req.timeout.Stop()
		}
	}
}

// lookupPartnerLocked resolves a connection id to display name and
// role via the directory. The name falls back to a shortened id; a
// partner absent from the directory has an empty role.
func (e *Engine) lookupPartnerLocked(connectionID string) (name, role string) {
	for _, d := range e.devices {
		if d.ConnectionID == connectionID {
			return d.Name, d.Role
		}
	}
	if len(connectionID) > 8 {
		return fmt.Sprintf("device-%s", connectionID[:8]), ""
	}
	return connectionID, ""
}

func (e *Engine) lookupNameLocked(connectionID string) string {
	name, _ := e.lookupPartnerLocked(connectionID)
	return name
}
