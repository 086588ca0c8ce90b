package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/neurolab/bridge/internal/hub"
	"github.com/neurolab/bridge/internal/protocol"
)

func startTestHub(t *testing.T) *hub.Hub {
	t.Helper()

	h := hub.New(hub.Config{Addr: "127.0.0.1:0"})
	if _, err := h.StartAsync(); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func newTestManager(baseURL string) *Manager {
	return NewManager(Config{
		BaseURL:              baseURL,
		BaseReconnectDelay:   5 * time.Millisecond,
		MaxReconnectDelay:    20 * time.Millisecond,
		ManualReconnectDelay: 5 * time.Millisecond,
	})
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectOpensAllChannels(t *testing.T) {
	h := startTestHub(t)
	m := newTestManager("ws://" + h.Addr())
	defer m.Close()

	if err := m.Connect(Identity{Name: "desk", Role: "admin"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, name := range protocol.Channels {
		channel := name
		waitFor(t, 2*time.Second, channel+" connected", func() bool {
			return m.Connected(channel)
		})
	}

	if got := m.Attempt(); got != 0 {
		t.Fatalf("attempt counter = %d after successful connect, want 0", got)
	}

	// The hub confirms the device-channel connection id on join.
	waitFor(t, 2*time.Second, "connection id", func() bool {
		return m.ConnectionID() != ""
	})
}

func TestConnectCoalesced(t *testing.T) {
	h := startTestHub(t)
	m := newTestManager("ws://" + h.Addr())
	defer m.Close()

	if err := m.Connect(Identity{Name: "a"}); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	// A connect already in flight is not restarted.
	if err := m.Connect(Identity{Name: "a"}); err != nil {
		t.Fatalf("coalesced Connect: %v", err)
	}

	waitFor(t, 2*time.Second, "main connected", func() bool {
		return m.Connected(protocol.ChannelMain)
	})
}

func TestEmitDeliversToSubscribers(t *testing.T) {
	h := startTestHub(t)

	sender := newTestManager("ws://" + h.Addr())
	defer sender.Close()
	receiver := newTestManager("ws://" + h.Addr())
	defer receiver.Close()

	var (
		mu       sync.Mutex
		received []protocol.Envelope
	)
	receiver.On(protocol.ChannelExperiment, "custom-event", func(env protocol.Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
	})

	if err := sender.Connect(Identity{Name: "sender"}); err != nil {
		t.Fatalf("Connect sender: %v", err)
	}
	if err := receiver.Connect(Identity{Name: "receiver"}); err != nil {
		t.Fatalf("Connect receiver: %v", err)
	}
	waitFor(t, 2*time.Second, "both connected", func() bool {
		return sender.Connected(protocol.ChannelExperiment) &&
			receiver.Connected(protocol.ChannelExperiment)
	})

	if !sender.Emit(protocol.ChannelExperiment, "custom-event", map[string]string{"k": "v"}) {
		t.Fatal("Emit returned false on a connected channel")
	}

	waitFor(t, 2*time.Second, "event delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	})

	mu.Lock()
	env := received[0]
	mu.Unlock()
	if env.Event != "custom-event" {
		t.Fatalf("received event %q", env.Event)
	}
	// The hub stamps the sender's connection id.
	if env.From == "" {
		t.Fatal("relayed envelope must carry the sender's connection id")
	}
}

func TestEmitWhileDisconnectedReturnsFalse(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1")
	defer m.Close()

	if m.Emit(protocol.ChannelMain, "anything", nil) {
		t.Fatal("Emit must return false when the channel is not connected")
	}
}

func TestOnUnsubscribeIsIdempotent(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1")
	defer m.Close()

	calls := 0
	unsub := m.On(protocol.ChannelMain, "evt", func(env protocol.Envelope) { calls++ })
	other := m.On(protocol.ChannelMain, "evt", func(env protocol.Envelope) {})

	unsub()
	unsub() // removing twice is harmless
	m.dispatch(protocol.ChannelMain, protocol.Envelope{Event: "evt"})

	if calls != 0 {
		t.Fatalf("unsubscribed handler ran %d times", calls)
	}
	// The other registration is unaffected.
	other()
}

func TestBackoffExhaustionReachesFailed(t *testing.T) {
	// Reserve an address nothing is listening on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	m := newTestManager("ws://" + addr)
	defer m.Close()

	if err := m.Connect(Identity{Name: "x"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, "failed status", func() bool {
		return m.Status(protocol.ChannelMain) == StatusFailed
	})

	// No further automatic attempt is scheduled once failed.
	attempts := m.Attempt()
	time.Sleep(100 * time.Millisecond)
	if m.Status(protocol.ChannelMain) != StatusFailed {
		t.Fatal("status must stay failed without an explicit reconnect")
	}
	if m.Attempt() != attempts {
		t.Fatal("attempt counter advanced while failed")
	}
}

func TestManualReconnectEscapesFailed(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	m := newTestManager("ws://" + addr)
	defer m.Close()

	if err := m.Connect(Identity{Name: "x"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, "failed status", func() bool {
		return m.Status(protocol.ChannelMain) == StatusFailed
	})

	// Bring a hub up on the reserved address, then escape failed.
	h := hub.New(hub.Config{Addr: addr})
	if _, err := h.StartAsync(); err != nil {
		t.Skipf("could not rebind reserved address: %v", err)
	}
	defer h.Stop()

	m.Reconnect()

	for _, name := range protocol.Channels {
		channel := name
		waitFor(t, 2*time.Second, channel+" reopened", func() bool {
			return m.Connected(channel)
		})
	}
	if got := m.Attempt(); got != 0 {
		t.Fatalf("attempt counter = %d after manual reconnect, want 0", got)
	}
}

func TestConnectAfterCloseFails(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1")
	m.Close()

	if err := m.Connect(Identity{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
