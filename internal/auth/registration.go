package auth

import (
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RegistrationConfig holds configuration for the registration manager.
type RegistrationConfig struct {
	// CodeExpiry is how long a registration code remains valid.
	// Default: 2 minutes.
	CodeExpiry time.Duration

	// MaxAttemptsPerMinute is the rate limit for redemption attempts.
	// Default: 5 attempts per minute.
	MaxAttemptsPerMinute int

	// DeviceStore is where registered devices are persisted.
	// Required.
	DeviceStore DeviceStore

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// RegistrationManager handles registration code generation and redemption.
// It enforces rate limits and code expiry to prevent brute force attacks.
type RegistrationManager struct {
	mu sync.Mutex

	config RegistrationConfig

	// activeCode is the current pending registration code.
	// Only one code can be active at a time.
	activeCode *registrationCode

	// attempts tracks recent redemption attempts for rate limiting.
	// Maps timestamp (truncated to second) to count.
	attempts map[int64]int
}

// registrationCode is an active code waiting to be redeemed.
type registrationCode struct {
	code      string
	expiresAt time.Time
	used      bool
}

// NewRegistrationManager creates a registration manager with the given config.
func NewRegistrationManager(config RegistrationConfig) *RegistrationManager {
	if config.CodeExpiry == 0 {
		config.CodeExpiry = 2 * time.Minute
	}
	if config.MaxAttemptsPerMinute == 0 {
		config.MaxAttemptsPerMinute = 5
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	return &RegistrationManager{
		config:   config,
		attempts: make(map[int64]int),
	}
}

// GenerateCode creates a new 6-digit registration code.
// Any previously active code is invalidated.
// Returns the code string to display to the operator.
func (rm *RegistrationManager) GenerateCode() (string, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	// crypto/rand keeps the code unpredictable.
	code, err := GenerateNumericCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	now := rm.config.TimeNow()
	rm.activeCode = &registrationCode{
		code:      code,
		expiresAt: now.Add(rm.config.CodeExpiry),
	}

	log.Printf("auth: generated registration code (expires at %s)", rm.activeCode.expiresAt.Format(time.RFC3339))

	return code, nil
}

// RedeemCode checks the given code and exchanges it for a bearer token.
// Returns the device ID and token on success. The code is marked as used
// after successful validation (replay prevention).
//
// deviceName is a friendly name for the device (e.g., "Lab Tablet 3").
func (rm *RegistrationManager) RedeemCode(code, deviceName, role string) (deviceID, token string, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := rm.config.TimeNow()

	if err := rm.checkRateLimit(now); err != nil {
		return "", "", err
	}
	rm.recordAttempt(now)

	if rm.activeCode == nil {
		log.Printf("auth: registration attempt with no active code")
		return "", "", ErrCodeInvalid
	}

	if rm.activeCode.used {
		log.Printf("auth: registration attempt with already-used code")
		return "", "", ErrCodeUsed
	}

	if now.After(rm.activeCode.expiresAt) {
		log.Printf("auth: registration attempt with expired code")
		return "", "", ErrCodeExpired
	}

	if rm.activeCode.code != code {
		log.Printf("auth: registration attempt with incorrect code")
		return "", "", ErrCodeInvalid
	}

	// Mark as used before creating the device so replay prevention holds
	// even if device creation fails.
	rm.activeCode.used = true

	deviceID = uuid.New().String()
	token = generateSecureToken()

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}

	device := &Device{
		ID:        deviceID,
		Name:      deviceName,
		Role:      role,
		TokenHash: string(hash),
		CreatedAt: now,
		LastSeen:  now,
	}

	if err := rm.config.DeviceStore.SaveDevice(device); err != nil {
		return "", "", fmt.Errorf("save device: %w", err)
	}

	log.Printf("auth: registered device %s (%s, role %s)", deviceID, deviceName, role)

	return deviceID, token, nil
}

// HasActiveCode returns true if there's a non-expired, unused code.
func (rm *RegistrationManager) HasActiveCode() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.activeCode == nil {
		return false
	}

	now := rm.config.TimeNow()
	return !rm.activeCode.used && now.Before(rm.activeCode.expiresAt)
}

// GetCodeExpiry returns when the active code expires.
// Returns zero time if no active code exists.
func (rm *RegistrationManager) GetCodeExpiry() time.Time {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.activeCode == nil {
		return time.Time{}
	}
	return rm.activeCode.expiresAt
}

// checkRateLimit returns ErrRateLimited if too many attempts in the last minute.
// Must be called with rm.mu held.
func (rm *RegistrationManager) checkRateLimit(now time.Time) error {
	cutoff := now.Add(-1 * time.Minute).Unix()
	for ts := range rm.attempts {
		if ts < cutoff {
			delete(rm.attempts, ts)
		}
	}

	var count int
	for _, c := range rm.attempts {
		count += c
	}

	if count >= rm.config.MaxAttemptsPerMinute {
		log.Printf("auth: rate limit exceeded (%d attempts in last minute)", count)
		return ErrRateLimited
	}

	return nil
}

// recordAttempt records a redemption attempt for rate limiting.
// Must be called with rm.mu held.
func (rm *RegistrationManager) recordAttempt(now time.Time) {
	key := now.Unix()
	rm.attempts[key]++
}

// GenerateNumericCode generates a random 6-digit code in [100000, 999999],
// uniformly sampled with crypto/rand. The same format is used for
// registration codes and device-to-device pairing codes.
func GenerateNumericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", 100000+n.Int64()), nil
}

// generateSecureToken generates a random bearer token.
// Returns a hex-encoded string with 256 bits of entropy.
func generateSecureToken() string {
	const tokenBytes = 32

	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		// This should never happen with crypto/rand
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}

	return fmt.Sprintf("%x", b)
}
