package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testDevice(id, name string) *Device {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Device{
		ID:        id,
		Name:      name,
		Role:      "user",
		TokenHash: "$2a$10$fakehashfortesting",
		CreatedAt: now,
		LastSeen:  now,
	}
}

func TestSaveAndGetDevice(t *testing.T) {
	store := newTestStore(t)

	device := testDevice("dev-1", "Tablet")
	if err := store.SaveDevice(device); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}

	got, err := store.GetDevice("dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got == nil {
		t.Fatal("device not found after save")
	}
	if got.Name != "Tablet" || got.Role != "user" {
		t.Fatalf("unexpected device: %+v", got)
	}
	if !got.CreatedAt.Equal(device.CreatedAt) {
		t.Fatalf("created_at roundtrip: got %v, want %v", got.CreatedAt, device.CreatedAt)
	}
}

func TestGetMissingDeviceReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetDevice("nope")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing device, got %+v", got)
	}
}

func TestSaveDeviceUpserts(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveDevice(testDevice("dev-1", "Old Name")); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
	if err := store.SaveDevice(testDevice("dev-1", "New Name")); err != nil {
		t.Fatalf("SaveDevice upsert: %v", err)
	}

	devices, err := store.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("%d devices after upsert, want 1", len(devices))
	}
	if devices[0].Name != "New Name" {
		t.Fatalf("name = %q, want New Name", devices[0].Name)
	}
}

func TestListDevices(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveDevice(testDevice("dev-1", "A")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveDevice(testDevice("dev-2", "B")); err != nil {
		t.Fatal(err)
	}

	devices, err := store.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("%d devices, want 2", len(devices))
	}
}

func TestDeleteDevice(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveDevice(testDevice("dev-1", "A")); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteDevice("dev-1"); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}

	got, err := store.GetDevice("dev-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got != nil {
		t.Fatal("device still present after delete")
	}

	// Deleting a missing device is not an error.
	if err := store.DeleteDevice("dev-1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestUpdateLastSeen(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveDevice(testDevice("dev-1", "A")); err != nil {
		t.Fatal(err)
	}

	later := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	if err := store.UpdateLastSeen("dev-1", later); err != nil {
		t.Fatalf("UpdateLastSeen: %v", err)
	}

	got, _ := store.GetDevice("dev-1")
	if !got.LastSeen.Equal(later) {
		t.Fatalf("last_seen = %v, want %v", got.LastSeen, later)
	}

	if err := store.UpdateLastSeen("missing", later); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestStoreReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.SaveDevice(testDevice("dev-1", "A")); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetDevice("dev-1")
	if err != nil {
		t.Fatalf("GetDevice after reopen: %v", err)
	}
	if got == nil {
		t.Fatal("device lost across reopen")
	}
}
