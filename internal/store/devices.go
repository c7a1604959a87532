package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Device is a registered client device.
type Device struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Name             string    `json:"name"`
	Fingerprint      *string   `json:"fingerprint"`
	CurrentSessionID string    `json:"currentSessionId,omitempty"`
	LastActiveAt     time.Time `json:"lastActiveAt"`
}

// FingerprintOrEmpty returns the fingerprint, or "" when none is stored.
func (d Device) FingerprintOrEmpty() string {
	if d.Fingerprint == nil {
		return ""
	}
	return *d.Fingerprint
}

const deviceColumns = "id, user_id, name, fingerprint, current_session_id, last_active_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	var fingerprint, sessionID sql.NullString
	var lastActive int64
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &fingerprint, &sessionID, &lastActive); err != nil {
		return Device{}, err
	}
	if fingerprint.Valid {
		fp := fingerprint.String
		d.Fingerprint = &fp
	}
	d.CurrentSessionID = sessionID.String
	d.LastActiveAt = fromMillis(lastActive)
	return d, nil
}

func (s *Store) oneDevice(ctx context.Context, where string, args ...any) (Device, error) {
	row := s.db.QueryRow(ctx, "SELECT "+deviceColumns+" FROM devices WHERE "+where+" LIMIT 1", args...)
	d, err := scanDevice(row)
	if err != nil {
		return Device{}, notFound(err, "device")
	}
	return d, nil
}

// RegisterDevice adds a device for userID, optionally bound to a session.
func (s *Store) RegisterDevice(ctx context.Context, userID, name, fingerprint, sessionID string) (Device, error) {
	now := s.now()
	d := Device{
		ID:               uuid.NewString(),
		UserID:           userID,
		Name:             name,
		CurrentSessionID: sessionID,
		LastActiveAt:     now,
	}
	if fingerprint != "" {
		d.Fingerprint = &fingerprint
	}

	_, err := s.db.Exec(ctx,
		"INSERT INTO devices (id, user_id, name, fingerprint, current_session_id, last_active_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		d.ID, d.UserID, d.Name, nullable(fingerprint), nullable(sessionID), toMillis(now), toMillis(now))
	if err != nil {
		return Device{}, fmt.Errorf("failed to register device: %w", err)
	}
	return d, nil
}

// DeviceByID loads a device by id.
func (s *Store) DeviceByID(ctx context.Context, deviceID string) (Device, error) {
	return s.oneDevice(ctx, "id = ?", deviceID)
}

// DeviceBySession loads the device currently bound to sessionID.
func (s *Store) DeviceBySession(ctx context.Context, sessionID string) (Device, error) {
	if sessionID == "" {
		return Device{}, fmt.Errorf("device: %w", ErrNotFound)
	}
	return s.oneDevice(ctx, "current_session_id = ?", sessionID)
}

// DeviceBySessionAndUser loads the device bound to sessionID if owned by userID.
func (s *Store) DeviceBySessionAndUser(ctx context.Context, sessionID, userID string) (Device, error) {
	if sessionID == "" {
		return Device{}, fmt.Errorf("device: %w", ErrNotFound)
	}
	return s.oneDevice(ctx, "current_session_id = ? AND user_id = ?", sessionID, userID)
}

// OwnedDevice loads deviceID if it belongs to userID.
func (s *Store) OwnedDevice(ctx context.Context, userID, deviceID string) (Device, error) {
	return s.oneDevice(ctx, "id = ? AND user_id = ?", deviceID, userID)
}

// FirstDeviceOfUser loads the user's oldest device.
func (s *Store) FirstDeviceOfUser(ctx context.Context, userID string) (Device, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE user_id = ? ORDER BY created_at, rowid LIMIT 1", userID)
	d, err := scanDevice(row)
	if err != nil {
		return Device{}, notFound(err, "device")
	}
	return d, nil
}

// DevicesOfUser lists every device of a user.
func (s *Store) DevicesOfUser(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE user_id = ? ORDER BY created_at, rowid", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RenameDevice sets a device's name.
func (s *Store) RenameDevice(ctx context.Context, deviceID, name string) error {
	return s.execOne(ctx, "device", "UPDATE devices SET name = ? WHERE id = ?", name, deviceID)
}

// DeleteDevice removes a device.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	return s.execOne(ctx, "device", "DELETE FROM devices WHERE id = ?", deviceID)
}

// AttachDeviceSession binds a device to the session it is signed in with.
func (s *Store) AttachDeviceSession(ctx context.Context, deviceID, sessionID string) error {
	return s.execOne(ctx, "device", "UPDATE devices SET current_session_id = ? WHERE id = ?", nullable(sessionID), deviceID)
}

// TouchActivity records a heartbeat: the session's device and the user are
// marked active now.
func (s *Store) TouchActivity(ctx context.Context, sessionID, userID string) error {
	now := toMillis(s.now())
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE devices SET last_active_at = ? WHERE current_session_id = ?", now, sessionID); err != nil {
			return fmt.Errorf("failed to update device heartbeat: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE users SET updated_at = ? WHERE id = ?", now, userID); err != nil {
			return fmt.Errorf("failed to update user heartbeat: %w", err)
		}
		return nil
	})
}

// UpdateDeviceNameBySession renames the session's device and marks it active.
func (s *Store) UpdateDeviceNameBySession(ctx context.Context, sessionID, name string) error {
	return s.execOne(ctx, "device",
		"UPDATE devices SET name = ?, last_active_at = ? WHERE current_session_id = ?",
		name, toMillis(s.now()), sessionID)
}

func (s *Store) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
