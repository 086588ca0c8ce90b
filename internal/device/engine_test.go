package device

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/neurolab/bridge/internal/conn"
	"github.com/neurolab/bridge/internal/protocol"
)

// fakeBus records emitted events and lets tests inject inbound
// envelopes through the registered handlers.
type fakeBus struct {
	mu        sync.Mutex
	connected bool
	emitted   []emittedEvent
	handlers  map[string]map[string][]conn.Handler
	watchers  map[string][]func(conn.Status)
	connID    string
}

type emittedEvent struct {
	channel string
	event   string
	to      string
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		connected: true,
		handlers:  make(map[string]map[string][]conn.Handler),
		watchers:  make(map[string][]func(conn.Status)),
		connID:    "local-conn-id",
	}
}

func (b *fakeBus) Emit(channel, event string, payload any) bool {
	return b.EmitTo(channel, event, "", payload)
}

func (b *fakeBus) EmitTo(channel, event, to string, payload any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return false
	}
	b.emitted = append(b.emitted, emittedEvent{channel, event, to, payload})
	return true
}

func (b *fakeBus) On(channel, event string, handler conn.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[string][]conn.Handler)
	}
	b.handlers[channel][event] = append(b.handlers[channel][event], handler)
	return func() {}
}

func (b *fakeBus) OnStatus(channel string, watcher func(conn.Status)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers[channel] = append(b.watchers[channel], watcher)
	return func() {}
}

func (b *fakeBus) Connected(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) ConnectionID() string {
	return b.connID
}

// deliver synthesizes an inbound envelope and runs it through the
// registered handlers, the way the connection manager would.
func (b *fakeBus) deliver(t *testing.T, channel, event, from string, payload any) {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = data
	}
	env := protocol.Envelope{Event: event, From: from, Payload: raw}

	b.mu.Lock()
	handlers := append([]conn.Handler(nil), b.handlers[channel][event]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (b *fakeBus) setConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	watchers := append([]func(conn.Status){}, b.watchers[protocol.ChannelDevice]...)
	b.mu.Unlock()

	status := conn.StatusConnected
	if !connected {
		status = conn.StatusDisconnected
	}
	for _, w := range watchers {
		w(status)
	}
}

// lastEmitted returns the most recent emitted event matching the name,
// or nil.
func (b *fakeBus) lastEmitted(event string) *emittedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.emitted) - 1; i >= 0; i-- {
		if b.emitted[i].event == event {
			e := b.emitted[i]
			return &e
		}
	}
	return nil
}

func (b *fakeBus) emitCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.emitted {
		if e.event == event {
			n++
		}
	}
	return n
}

func newTestEngine(bus *fakeBus) *Engine {
	return NewEngine(bus, Config{
		ScanTimeout:    50 * time.Millisecond,
		SessionTimeout: time.Minute,
		AcceptGrace:    20 * time.Millisecond,
		ErrorClear:     30 * time.Millisecond,
	})
}

func TestScanForDevicesUpdatesDirectory(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	e.ScanForDevices()

	if !e.Scanning() {
		t.Fatal("expected scanning flag after ScanForDevices")
	}
	if bus.lastEmitted(protocol.EventDeviceScan) == nil {
		t.Fatal("expected a device-scan emission")
	}

	bus.deliver(t, protocol.ChannelDevice, protocol.EventDeviceScanResults, "", protocol.DeviceListPayload{
		Devices: []protocol.DeviceInfo{
			{ConnectionID: "c1", Name: "Tablet", Role: "user", Status: "available"},
		},
	})

	if e.Scanning() {
		t.Fatal("scanning flag should clear on results")
	}
	devices := e.Devices()
	if len(devices) != 1 || devices[0].ConnectionID != "c1" {
		t.Fatalf("unexpected directory: %+v", devices)
	}
}

func TestScanTimeoutClearsFlag(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	e.ScanForDevices()

	deadline := time.Now().Add(time.Second)
	for e.Scanning() {
		if time.Now().After(deadline) {
			t.Fatal("scanning flag did not clear after the timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := e.Devices(); len(got) != 0 {
		t.Fatalf("device list should be unchanged (empty), got %+v", got)
	}
}

func TestRequestPairingOpensWaitingSession(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	if err := e.RequestPairing("remote-1"); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}

	session := e.Session()
	if session == nil {
		t.Fatal("expected an active session")
	}
	if session.Role != RoleRequester || session.Step != StepWaiting {
		t.Fatalf("unexpected session: %+v", session)
	}
	if len(session.Code) != 6 {
		t.Fatalf("expected a 6-digit code, got %q", session.Code)
	}

	sent := bus.lastEmitted(protocol.EventPairRequest)
	if sent == nil {
		t.Fatal("expected a pair-request emission")
	}
	if sent.to != "remote-1" {
		t.Fatalf("pair-request addressed to %q, want remote-1", sent.to)
	}
	payload, ok := sent.payload.(protocol.PairRequestPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", sent.payload)
	}
	if payload.PairingCode != session.Code {
		t.Fatal("request must carry the generated code")
	}

	// A second request while one is active is refused.
	if err := e.RequestPairing("remote-2"); err != ErrSessionActive {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestPairingHappyPathRequesterSide(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	if err := e.RequestPairing("remote-1"); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	code := e.Session().Code

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairResponse, "remote-1", protocol.PairResponsePayload{
		TargetID:    "local-conn-id",
		Accepted:    true,
		PairingCode: code,
		EnteredCode: code,
	})

	paired := e.Paired()
	if paired == nil {
		t.Fatal("expected a paired device after accepted response")
	}
	if paired.ConnectionID != "remote-1" {
		t.Fatalf("paired with %q, want remote-1", paired.ConnectionID)
	}
	if got := e.Session(); got == nil || got.Step != StepPaired {
		t.Fatalf("session should show paired during the grace period, got %+v", got)
	}
	if e.Status() != StatusPaired {
		t.Fatalf("derived status = %q, want paired", e.Status())
	}

	// The completed session folds away after the grace period.
	deadline := time.Now().Add(time.Second)
	for e.Session() != nil {
		if time.Now().After(deadline) {
			t.Fatal("session did not clear after the accept grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if e.Paired() == nil {
		t.Fatal("paired device must survive the session fold")
	}
}

func TestPairingHappyPathResponderSide(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		TargetID:    "local-conn-id",
		PairingCode: "123456",
	})

	pending := e.PendingRequests()
	if len(pending) != 1 || pending[0].From != "remote-9" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	if err := e.RespondToPairingRequest("remote-9", true, "123456"); err != nil {
		t.Fatalf("RespondToPairingRequest: %v", err)
	}

	paired := e.Paired()
	if paired == nil || paired.ConnectionID != "remote-9" {
		t.Fatalf("expected pairing with remote-9, got %+v", paired)
	}
	if len(e.PendingRequests()) != 0 {
		t.Fatal("answered request must leave the pending set")
	}

	sent := bus.lastEmitted(protocol.EventPairResponse)
	if sent == nil || sent.to != "remote-9" {
		t.Fatalf("expected pair-response to remote-9, got %+v", sent)
	}
	payload := sent.payload.(protocol.PairResponsePayload)
	if !payload.Accepted || payload.EnteredCode != "123456" {
		t.Fatalf("unexpected response payload: %+v", payload)
	}
}

func TestRespondWithMismatchedCodeKeepsRequestPending(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})

	err := e.RespondToPairingRequest("remote-9", true, "654321")
	if err != ErrCodeMismatch {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
	if e.Paired() != nil {
		t.Fatal("mismatch must not create a pairing")
	}
	if len(e.PendingRequests()) != 1 {
		t.Fatal("request must stay pending so the responder can retry")
	}
	if bus.lastEmitted(protocol.EventPairResponseError) == nil {
		t.Fatal("requester should be told about the mismatch")
	}
	if e.LastError() == "" {
		t.Fatal("expected a transient local error")
	}

	// A correct retry still works.
	if err := e.RespondToPairingRequest("remote-9", true, "123456"); err != nil {
		t.Fatalf("retry after mismatch: %v", err)
	}
	if e.Paired() == nil {
		t.Fatal("expected pairing after corrected code")
	}
}

func TestRejectedRequestNeverPairs(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})

	if err := e.RespondToPairingRequest("remote-9", false, ""); err != nil {
		t.Fatalf("RespondToPairingRequest: %v", err)
	}
	if e.Paired() != nil {
		t.Fatal("rejection must not create a pairing")
	}
	if len(e.PendingRequests()) != 0 {
		t.Fatal("rejected request must leave the pending set")
	}

	sent := bus.lastEmitted(protocol.EventPairResponse)
	payload := sent.payload.(protocol.PairResponsePayload)
	if payload.Accepted {
		t.Fatal("response must carry accepted=false")
	}
	if payload.EnteredCode != "" || payload.PairingCode != "" {
		t.Fatal("rejection carries no codes")
	}
}

func TestDuplicateInboundRequestsDeduplicated(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	for i := 0; i < 3; i++ {
		bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
			PairingCode: "111111",
		})
	}

	if got := len(e.PendingRequests()); got != 1 {
		t.Fatalf("pending set has %d entries, want 1", got)
	}

	// A re-received request refreshes the code.
	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "222222",
	})
	pending := e.PendingRequests()
	if len(pending) != 1 || pending[0].Code != "222222" {
		t.Fatalf("unexpected pending set after refresh: %+v", pending)
	}
}

func TestDeclinedResponseSetsTransientError(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	if err := e.RequestPairing("remote-1"); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairResponse, "remote-1", protocol.PairResponsePayload{
		Accepted: false,
	})

	if e.Paired() != nil {
		t.Fatal("declined response must not pair")
	}
	if e.Session() != nil {
		t.Fatal("declined response returns the session to idle")
	}
	if e.LastError() == "" {
		t.Fatal("expected a transient error after decline")
	}

	// The error auto-clears.
	deadline := time.Now().Add(time.Second)
	for e.LastError() != "" {
		if time.Now().After(deadline) {
			t.Fatal("error did not auto-clear")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnpairDeviceNotifiesPartner(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})
	if err := e.RespondToPairingRequest("remote-9", true, "123456"); err != nil {
		t.Fatalf("RespondToPairingRequest: %v", err)
	}

	if err := e.UnpairDevice(); err != nil {
		t.Fatalf("UnpairDevice: %v", err)
	}
	if e.Paired() != nil {
		t.Fatal("local pairing must clear immediately")
	}

	sent := bus.lastEmitted(protocol.EventUnpaired)
	if sent == nil || sent.to != "remote-9" {
		t.Fatalf("expected unpaired addressed to remote-9, got %+v", sent)
	}

	if err := e.UnpairDevice(); err != ErrNotPaired {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
}

func TestPassiveUnpairedClearsState(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})
	if err := e.RespondToPairingRequest("remote-9", true, "123456"); err != nil {
		t.Fatalf("RespondToPairingRequest: %v", err)
	}

	bus.deliver(t, protocol.ChannelDevice, protocol.EventUnpaired, "remote-9", protocol.UnpairedPayload{
		TargetID: "local-conn-id",
	})
	if e.Paired() != nil {
		t.Fatal("passive unpaired must clear the pairing")
	}

	// Idempotent: a second notification is harmless.
	bus.deliver(t, protocol.ChannelDevice, protocol.EventUnpaired, "remote-9", protocol.UnpairedPayload{})
	if e.Paired() != nil {
		t.Fatal("pairing must stay cleared")
	}
}

func TestPartnerDisconnectClearsState(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})
	if err := e.RespondToPairingRequest("remote-9", true, "123456"); err != nil {
		t.Fatalf("RespondToPairingRequest: %v", err)
	}

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairDisconnected, "", protocol.PairDisconnectedPayload{
		ConnectionID: "remote-9",
	})
	if e.Paired() != nil {
		t.Fatal("partner disconnect must clear the pairing")
	}
}

func TestDerivedStatus(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	if e.Status() != StatusConnected {
		t.Fatalf("status = %q, want connected", e.Status())
	}

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})
	if err := e.RespondToPairingRequest("remote-9", true, "123456"); err != nil {
		t.Fatalf("RespondToPairingRequest: %v", err)
	}
	if e.Status() != StatusPaired {
		t.Fatalf("status = %q, want paired", e.Status())
	}

	bus.setConnected(false)
	if e.Status() != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", e.Status())
	}
	if e.Paired() != nil {
		t.Fatal("channel loss destroys the pairing")
	}
}

func TestRequestPairingWhilePairedRefused(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})
	if err := e.RespondToPairingRequest("remote-9", true, "123456"); err != nil {
		t.Fatalf("RespondToPairingRequest: %v", err)
	}

	if err := e.RequestPairing("remote-2"); err != ErrAlreadyPaired {
		t.Fatalf("expected ErrAlreadyPaired, got %v", err)
	}
}

func TestPairedDeviceCarriesDirectoryRole(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventDeviceScanResults, "", protocol.DeviceListPayload{
		Devices: []protocol.DeviceInfo{
			{ConnectionID: "remote-1", Name: "Lab Console", Role: protocol.RoleResearcher, Status: "available"},
		},
	})

	if err := e.RequestPairing("remote-1"); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	code := e.Session().Code
	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairResponse, "remote-1", protocol.PairResponsePayload{
		Accepted:    true,
		PairingCode: code,
		EnteredCode: code,
	})

	paired := e.Paired()
	if paired == nil {
		t.Fatal("expected a paired device")
	}
	if paired.Role != protocol.RoleResearcher {
		t.Fatalf("paired role = %q, want %q from the directory", paired.Role, protocol.RoleResearcher)
	}
	if paired.Name != "Lab Console" {
		t.Fatalf("paired name = %q, want Lab Console", paired.Name)
	}
}

func TestRespondedPairingCarriesDirectoryRole(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventDeviceScanResults, "", protocol.DeviceListPayload{
		Devices: []protocol.DeviceInfo{
			{ConnectionID: "remote-9", Name: "Tablet", Role: protocol.RoleParticipant, Status: "available"},
		},
	})
	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})

	if err := e.RespondToPairingRequest("remote-9", true, "123456"); err != nil {
		t.Fatalf("RespondToPairingRequest: %v", err)
	}

	paired := e.Paired()
	if paired == nil || paired.Role != protocol.RoleParticipant {
		t.Fatalf("expected paired role %q, got %+v", protocol.RoleParticipant, paired)
	}
}

func TestStaleScanTimeoutDoesNotClearNewScan(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	e.ScanForDevices()
	e.mu.Lock()
	stale := e.scanTimer
	e.mu.Unlock()

	e.ScanForDevices()

	// Fire the superseded timer as if it had gone off just before the
	// second scan stopped it.
	stale.Reset(0)
	time.Sleep(20 * time.Millisecond)

	if !e.Scanning() {
		t.Fatal("a superseded timeout must not clear the new scan")
	}
	e.mu.Lock()
	timerPresent := e.scanTimer != nil
	e.mu.Unlock()
	if !timerPresent {
		t.Fatal("the new scan's timer must stay armed")
	}
}

func TestStaleRequestTimeoutSparesReissuedRequest(t *testing.T) {
	bus := newFakeBus()
	e := newTestEngine(bus)
	defer e.Close()

	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "111111",
	})
	e.mu.Lock()
	stale := e.pending[0].timeout
	e.mu.Unlock()

	if err := e.RespondToPairingRequest("remote-9", false, ""); err != nil {
		t.Fatalf("decline: %v", err)
	}
	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "222222",
	})

	// Fire the answered request's timer as if it had gone off just
	// before the decline stopped it.
	stale.Reset(0)
	time.Sleep(20 * time.Millisecond)

	pending := e.PendingRequests()
	if len(pending) != 1 || pending[0].Code != "222222" {
		t.Fatalf("reissued request must survive the old timer, got %+v", pending)
	}
}

func TestNegativeSessionTimeoutDisablesExpiry(t *testing.T) {
	bus := newFakeBus()
	e := NewEngine(bus, Config{
		ScanTimeout:    50 * time.Millisecond,
		SessionTimeout: -1,
		AcceptGrace:    20 * time.Millisecond,
		ErrorClear:     30 * time.Millisecond,
	})
	defer e.Close()

	if err := e.RequestPairing("remote-1"); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	bus.deliver(t, protocol.ChannelDevice, protocol.EventPairRequest, "remote-9", protocol.PairRequestPayload{
		PairingCode: "123456",
	})

	e.mu.Lock()
	sessionTimer := e.session.timeout
	requestTimer := e.pending[0].timeout
	e.mu.Unlock()
	if sessionTimer != nil || requestTimer != nil {
		t.Fatal("a negative session timeout must not arm expiry timers")
	}
}

func TestFormatCode(t *testing.T) {
	if got := FormatCode("123456"); got != "123-456" {
		t.Fatalf("FormatCode = %q, want 123-456", got)
	}
	if got := FormatCode("12345"); got != "12345" {
		t.Fatalf("FormatCode should pass through odd lengths, got %q", got)
	}
}
