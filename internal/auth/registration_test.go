package auth

import (
	"regexp"
	"testing"
	"time"

	"github.com/neurolab/bridge/internal/storage"
)

// mockStore is an in-memory DeviceStore for tests.
type mockStore struct {
	devices map[string]*storage.Device
}

func newMockStore() *mockStore {
	return &mockStore{devices: make(map[string]*storage.Device)}
}

func (m *mockStore) SaveDevice(device *storage.Device) error {
	m.devices[device.ID] = device
	return nil
}

func (m *mockStore) GetDevice(id string) (*storage.Device, error) {
	return m.devices[id], nil
}

func (m *mockStore) ListDevices() ([]*storage.Device, error) {
	out := make([]*storage.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, nil
}

func (m *mockStore) DeleteDevice(id string) error {
	delete(m.devices, id)
	return nil
}

func (m *mockStore) UpdateLastSeen(id string, t time.Time) error {
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.LastSeen = t
	return nil
}

func TestGenerateAndRedeemCode(t *testing.T) {
	store := newMockStore()
	rm := NewRegistrationManager(RegistrationConfig{DeviceStore: store})

	code, err := rm.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if !regexp.MustCompile(`^\d{6}$`).MatchString(code) {
		t.Fatalf("code %q is not 6 digits", code)
	}
	if !rm.HasActiveCode() {
		t.Fatal("expected an active code after generation")
	}

	deviceID, token, err := rm.RedeemCode(code, "Lab Tablet", "user")
	if err != nil {
		t.Fatalf("RedeemCode: %v", err)
	}
	if deviceID == "" || token == "" {
		t.Fatal("redemption must return a device id and token")
	}

	device, _ := store.GetDevice(deviceID)
	if device == nil {
		t.Fatal("device was not persisted")
	}
	if device.Name != "Lab Tablet" || device.Role != "user" {
		t.Fatalf("unexpected device: %+v", device)
	}
	if device.TokenHash == token {
		t.Fatal("token must be stored hashed, not in the clear")
	}
}

func TestRedeemCodeReplayRejected(t *testing.T) {
	rm := NewRegistrationManager(RegistrationConfig{DeviceStore: newMockStore()})

	code, err := rm.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	if _, _, err := rm.RedeemCode(code, "First", "user"); err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	if _, _, err := rm.RedeemCode(code, "Second", "user"); err != ErrCodeUsed {
		t.Fatalf("expected ErrCodeUsed on replay, got %v", err)
	}
}

func TestRedeemWrongCode(t *testing.T) {
	rm := NewRegistrationManager(RegistrationConfig{DeviceStore: newMockStore()})

	if _, _, err := rm.RedeemCode("000000", "Dev", "user"); err != ErrCodeInvalid {
		t.Fatalf("no active code: expected ErrCodeInvalid, got %v", err)
	}

	if _, err := rm.GenerateCode(); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if _, _, err := rm.RedeemCode("999999x", "Dev", "user"); err != ErrCodeInvalid {
		t.Fatalf("wrong code: expected ErrCodeInvalid, got %v", err)
	}
}

func TestRedeemExpiredCode(t *testing.T) {
	now := time.Unix(1000, 0)
	rm := NewRegistrationManager(RegistrationConfig{
		DeviceStore: newMockStore(),
		CodeExpiry:  time.Minute,
		TimeNow:     func() time.Time { return now },
	})

	code, err := rm.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, _, err := rm.RedeemCode(code, "Dev", "user"); err != ErrCodeExpired {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	if rm.HasActiveCode() {
		t.Fatal("expired code must not count as active")
	}
}

func TestRedeemRateLimited(t *testing.T) {
	now := time.Unix(1000, 0)
	rm := NewRegistrationManager(RegistrationConfig{
		DeviceStore:          newMockStore(),
		MaxAttemptsPerMinute: 3,
		TimeNow:              func() time.Time { return now },
	})

	for i := 0; i < 3; i++ {
		rm.RedeemCode("wrong1", "Dev", "user")
	}
	if _, _, err := rm.RedeemCode("wrong1", "Dev", "user"); err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// The window slides: attempts age out after a minute.
	now = now.Add(61 * time.Second)
	if _, _, err := rm.RedeemCode("wrong1", "Dev", "user"); err == ErrRateLimited {
		t.Fatal("rate limit must release after the window passes")
	}
}

func TestGenerateCodeInvalidatesPrevious(t *testing.T) {
	rm := NewRegistrationManager(RegistrationConfig{DeviceStore: newMockStore()})

	first, err := rm.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	second, err := rm.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	if first != second {
		if _, _, err := rm.RedeemCode(first, "Dev", "user"); err != ErrCodeInvalid {
			t.Fatalf("superseded code should be invalid, got %v", err)
		}
	}
	if _, _, err := rm.RedeemCode(second, "Dev", "user"); err != nil {
		t.Fatalf("latest code must redeem: %v", err)
	}
}

func TestGenerateNumericCodeRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateNumericCode()
		if err != nil {
			t.Fatalf("GenerateNumericCode: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q is not 6 characters", code)
		}
		if code[0] == '0' {
			t.Fatalf("code %q below 100000", code)
		}
	}
}
