// Package auth provides credential issuance and bearer-token validation
// for channel connections.
//
// The registration flow works as follows:
// 1. Operator runs `bridge pair` to generate a 6-digit code (valid for 2 minutes)
// 2. A device enters the code and POSTs to the /register endpoint
// 3. The hub validates the code, generates a bearer token, and stores the device
// 4. The device presents the token when opening every channel connection
//
// Security considerations:
// - Registration codes are short-lived (2 minute expiry)
// - Codes can only be used once (replay prevention)
// - Rate limiting prevents brute force attacks (max 5 attempts per minute)
// - Tokens are hashed before storage (bcrypt)
//
// Registration is about credentials for talking to the hub at all. It is
// unrelated to the device-to-device pairing handshake on the device
// channel, which associates an admin device with a participant device.
package auth

import (
	"errors"
	"time"

	"github.com/neurolab/bridge/internal/storage"
)

// Common errors for the registration flow.
var (
	// ErrCodeExpired is returned when a registration code has expired.
	ErrCodeExpired = errors.New("registration code has expired")

	// ErrCodeInvalid is returned when the code doesn't match the active one.
	ErrCodeInvalid = errors.New("invalid registration code")

	// ErrCodeUsed is returned when trying to use a code that was already redeemed.
	ErrCodeUsed = errors.New("registration code already used")

	// ErrRateLimited is returned when too many registration attempts are made.
	ErrRateLimited = errors.New("too many registration attempts, try again later")

	// ErrDeviceNotFound is returned when a device lookup fails.
	ErrDeviceNotFound = errors.New("device not found")
)

// Device is an alias for storage.Device to avoid import cycles.
type Device = storage.Device

// DeviceStore defines the interface for persisting registered devices.
// Implemented by storage.SQLiteStore. Implementations must be safe for
// concurrent access.
type DeviceStore interface {
	// SaveDevice persists a device to storage.
	// If a device with the same ID exists, it is updated.
	SaveDevice(device *Device) error

	// GetDevice retrieves a device by ID.
	// Returns nil, nil if the device does not exist.
	GetDevice(id string) (*Device, error)

	// ListDevices returns all registered devices.
	ListDevices() ([]*Device, error)

	// DeleteDevice removes a device from storage.
	// Returns nil if the device does not exist (idempotent).
	DeleteDevice(id string) error

	// UpdateLastSeen updates the last_seen timestamp for a device.
	// Returns storage.ErrDeviceNotFound if the device does not exist.
	UpdateLastSeen(id string, t time.Time) error
}
