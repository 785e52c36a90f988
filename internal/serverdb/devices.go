package serverdb

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

const (
	deviceKeyPrefix = "fs_dev_"
	keyLength       = 32
)

var base62Chars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// ErrDeviceNotFound is returned for unknown device ids.
var ErrDeviceNotFound = errors.New("device not found")

// Device represents a registered device (without the plaintext key).
type Device struct {
	ID         string
	Name       string
	KeyPrefix  string
	LastSeenAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// RegisterDevice creates a device and returns its plaintext key, shown once.
// An empty id generates one.
func (db *ServerDB) RegisterDevice(id, name string) (string, *Device, error) {
	if id == "" {
		var err error
		if id, err = generateID("dev_"); err != nil {
			return "", nil, fmt.Errorf("generate device id: %w", err)
		}
	}

	secret := make([]byte, keyLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", nil, fmt.Errorf("generate random key: %w", err)
		}
		secret[i] = base62Chars[n.Int64()]
	}

	plaintext := deviceKeyPrefix + string(secret)
	prefix := string(secret[:8])

	now := time.Now().UTC()
	_, err := db.conn.Exec(
		`INSERT INTO devices (id, name, key_hash, key_prefix, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, hashKey(plaintext), prefix, now,
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert device: %w", err)
	}
	return plaintext, &Device{ID: id, Name: name, KeyPrefix: prefix, CreatedAt: now}, nil
}

func hashKey(plaintext string) string {
	hash := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(hash[:])
}

// VerifyDevice checks a device key. Returns nil without error when the
// device is unknown, revoked or the key does not match.
func (db *ServerDB) VerifyDevice(id, plaintextKey string) (*Device, error) {
	d, hash, err := db.getDevice(id)
	if errors.Is(err, ErrDeviceNotFound) {
		slog.Debug("device not found", "device", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(hashKey(plaintextKey))) != 1 {
		return nil, nil
	}
	if d.RevokedAt != nil {
		slog.Debug("device revoked", "device", id)
		return nil, nil
	}

	now := time.Now().UTC()
	if _, err := db.conn.Exec(`UPDATE devices SET last_seen_at = ? WHERE id = ?`, now, id); err != nil {
		slog.Warn("update last_seen_at", "device", id, "err", err)
	}
	d.LastSeenAt = &now
	return d, nil
}

// GetDevice returns a device by id.
func (db *ServerDB) GetDevice(id string) (*Device, error) {
	d, _, err := db.getDevice(id)
	return d, err
}

// DeviceActive reports whether id is registered and not revoked.
func (db *ServerDB) DeviceActive(id string) (bool, error) {
	d, err := db.GetDevice(id)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.RevokedAt == nil, nil
}

func (db *ServerDB) getDevice(id string) (*Device, string, error) {
	d := &Device{}
	var hash string
	err := db.conn.QueryRow(
		`SELECT id, name, key_hash, key_prefix, last_seen_at, revoked_at, created_at FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &hash, &d.KeyPrefix, &d.LastSeenAt, &d.RevokedAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrDeviceNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get device: %w", err)
	}
	return d, hash, nil
}

// RevokeDevice marks a device as revoked. Its tokens stop working at the
// next request.
func (db *ServerDB) RevokeDevice(id string) error {
	res, err := db.conn.Exec(`UPDATE devices SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ListDevices returns all devices ordered by creation time.
func (db *ServerDB) ListDevices() ([]*Device, error) {
	rows, err := db.conn.Query(
		`SELECT id, name, key_prefix, last_seen_at, revoked_at, created_at FROM devices ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d := &Device{}
		if err := rows.Scan(&d.ID, &d.Name, &d.KeyPrefix, &d.LastSeenAt, &d.RevokedAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: iterate: %w", err)
	}
	return devices, nil
}
