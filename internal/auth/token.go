package auth

import (
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// cacheTTL bounds how long a validated token skips the bcrypt check.
// The four channel connects of one device arrive within a second of each
// other; the TTL keeps a revoked credential's window to seconds.
const cacheTTL = 30 * time.Second

// TokenValidator validates bearer tokens presented at channel connect
// time. It looks up tokens in the device store, updates last-seen
// timestamps, and caches recent validations so one device opening all
// four channels pays the bcrypt cost once.
type TokenValidator struct {
	store   DeviceStore
	timeNow func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	deviceID string
	expires  time.Time
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(store DeviceStore) *TokenValidator {
	return &TokenValidator{
		store:   store,
		timeNow: time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// ValidateToken checks if the given token is valid.
// On success, returns the device and updates its last_seen timestamp.
// Returns ErrDeviceNotFound if the token is invalid.
func (tv *TokenValidator) ValidateToken(token string) (*Device, error) {
	now := tv.timeNow()

	if id, ok := tv.cachedDeviceID(token, now); ok {
		device, err := tv.store.GetDevice(id)
		if err != nil {
			return nil, err
		}
		if device != nil {
			tv.touchLastSeen(device, now)
			return device, nil
		}
		// Device was deleted since the cache entry was written.
		tv.invalidate(token)
	}

	// Linear scan with a bcrypt comparison per device. Acceptable for a
	// lab-sized registry; the cache absorbs the per-channel repetition.
	devices, err := tv.store.ListDevices()
	if err != nil {
		return nil, err
	}

	for _, device := range devices {
		if err := bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(token)); err == nil {
			log.Printf("auth: validated token for device %s (%s)", device.ID, device.Name)

			tv.mu.Lock()
			tv.cache[token] = cacheEntry{deviceID: device.ID, expires: now.Add(cacheTTL)}
			tv.mu.Unlock()

			tv.touchLastSeen(device, now)
			return device, nil
		}
	}

	log.Printf("auth: token validation failed (no matching device)")
	return nil, ErrDeviceNotFound
}

// ValidateDeviceID checks if a device ID exists.
// This is used for device management operations.
func (tv *TokenValidator) ValidateDeviceID(id string) (*Device, error) {
	device, err := tv.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

func (tv *TokenValidator) cachedDeviceID(token string, now time.Time) (string, bool) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	entry, ok := tv.cache[token]
	if !ok {
		return "", false
	}
	if now.After(entry.expires) {
		delete(tv.cache, token)
		return "", false
	}
	return entry.deviceID, true
}

func (tv *TokenValidator) invalidate(token string) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	delete(tv.cache, token)
}

func (tv *TokenValidator) touchLastSeen(device *Device, now time.Time) {
	if err := tv.store.UpdateLastSeen(device.ID, now); err != nil {
		// Validation already succeeded; a stale last_seen is tolerable.
		log.Printf("auth: failed to update last_seen for device %s: %v", device.ID, err)
	}
}
