package storage

// devices.go contains SQLiteStore methods for device CRUD operations.
// Devices are registered admin/participant devices holding a bearer
// credential for channel connections.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Device represents a registered device.
type Device struct {
	ID        string
	Name      string
	Role      string
	TokenHash string
	CreatedAt time.Time
	LastSeen  time.Time
}

// SaveDevice persists a device to the database.
// Uses INSERT OR REPLACE to handle both new devices and updates.
func (s *SQLiteStore) SaveDevice(device *Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving device %s (%s)", device.ID, device.Name)

	const query = `
		INSERT OR REPLACE INTO devices
			(id, name, role, token_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		device.ID,
		device.Name,
		device.Role,
		device.TokenHash,
		device.CreatedAt.Format(time.RFC3339Nano),
		device.LastSeen.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}

	return nil
}

// GetDevice retrieves a device by ID.
// Returns nil, nil if the device does not exist.
func (s *SQLiteStore) GetDevice(id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, name, role, token_hash, created_at, last_seen
		FROM devices
		WHERE id = ?
	`

	device, err := scanDevice(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	return device, nil
}

// ListDevices returns all registered devices ordered by creation time.
func (s *SQLiteStore) ListDevices() ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, name, role, token_hash, created_at, last_seen
		FROM devices
		ORDER BY created_at
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// DeleteDevice removes a device from storage.
// Deleting a non-existent device is not an error (idempotent).
func (s *SQLiteStore) DeleteDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: deleting device %s", id)

	const query = `DELETE FROM devices WHERE id = ?`
	if _, err := s.db.Exec(query, id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	return nil
}

// UpdateLastSeen updates the last_seen timestamp for a device.
// Returns ErrDeviceNotFound if the device does not exist.
func (s *SQLiteStore) UpdateLastSeen(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `UPDATE devices SET last_seen = ? WHERE id = ?`
	res, err := s.db.Exec(query, t.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanDevice.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice reads one device row.
func scanDevice(row rowScanner) (*Device, error) {
	var device Device
	var createdAt, lastSeen string

	if err := row.Scan(&device.ID, &device.Name, &device.Role, &device.TokenHash, &createdAt, &lastSeen); err != nil {
		return nil, err
	}

	var err error
	device.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	device.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}

	return &device, nil
}
