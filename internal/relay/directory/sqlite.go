package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/habrelay/habrelay/internal/relay/wire"
)

// SQLite implements the collaborator interfaces consumed by the
// session, proxy and push packages on top of an embedded database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an already opened and migrated database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// LookupHub returns the registration record for uuid, or
// ErrHubUnknown.
func (s *SQLite) LookupHub(ctx context.Context, uuid string) (*HubRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, secret, hub_id, account_id, owner_user_id, COALESCE(last_online, '') FROM hubs WHERE uuid = ?`, uuid)

	var rec HubRecord
	var lastOnline string
	if err := row.Scan(&rec.UUID, &rec.Secret, &rec.HubID, &rec.AccountID, &rec.OwnerUserID, &lastOnline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHubUnknown
		}
		return nil, fmt.Errorf("lookup hub: %w", err)
	}
	if lastOnline != "" {
		rec.LastOnline, _ = time.Parse(time.RFC3339, lastOnline)
	}
	return &rec, nil
}

// TouchLastOnline records when the hub's channel last closed.
// Best-effort from the caller's perspective.
func (s *SQLite) TouchLastOnline(ctx context.Context, hubID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE hubs SET last_online = ? WHERE hub_id = ?`,
		at.UTC().Format(time.RFC3339), hubID); err != nil {
		return fmt.Errorf("touch last online: %w", err)
	}
	return nil
}

// RecordVersion stores the software version the hub presented at
// handshake.
func (s *SQLite) RecordVersion(ctx context.Context, hubID, version string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE hubs SET version = ? WHERE hub_id = ?`, version, hubID); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return nil
}

// ResolveHub picks the hub a user's requests are routed to. With
// multiple hubs on one account this returns the first registered one;
// deployments with finer routing supply their own resolver.
func (s *SQLite) ResolveHub(ctx context.Context, userID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT h.hub_id FROM hubs h
		 JOIN account_users au ON au.account_id = h.account_id
		 WHERE au.user_id = ?
		 ORDER BY h.rowid LIMIT 1`, userID)

	var hubID string
	if err := row.Scan(&hubID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoHub
		}
		return "", fmt.Errorf("resolve hub: %w", err)
	}
	return hubID, nil
}

// DeviceTokens lists the user's registered, non-invalidated devices.
func (s *SQLite) DeviceTokens(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, user_id FROM devices WHERE user_id = ? AND invalidated = 0`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.Token, &d.UserID); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// AccountUserIDs lists every user of an account, for broadcast
// notifications.
func (s *SQLite) AccountUserIDs(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM account_users WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list account users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InvalidateDevice marks a token dead after a permanent provider
// failure. The token stops receiving pushes immediately.
func (s *SQLite) InvalidateDevice(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE devices SET invalidated = 1 WHERE token = ?`, token); err != nil {
		return fmt.Errorf("invalidate device: %w", err)
	}
	return nil
}

// SaveNotification persists a notification envelope for a user and
// returns its id.
func (s *SQLite) SaveNotification(ctx context.Context, userID string, n wire.Notification) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate notification id: %w", err)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_log (id, user_id, message, icon, severity, tag, title, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, n.Message, n.Icon, n.Severity, n.Tag, n.Title, string(payload)); err != nil {
		return "", fmt.Errorf("save notification: %w", err)
	}
	return id, nil
}

// RegisterHub inserts a hub registration. Used by deployments that
// embed the relay with its own registration flow, and by tests.
func (s *SQLite) RegisterHub(ctx context.Context, rec HubRecord) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO hubs (uuid, secret, hub_id, account_id, owner_user_id) VALUES (?, ?, ?, ?, ?)`,
		rec.UUID, rec.Secret, rec.HubID, rec.AccountID, rec.OwnerUserID); err != nil {
		return fmt.Errorf("register hub: %w", err)
	}
	return nil
}

// AddAccountUser links a user to an account.
func (s *SQLite) AddAccountUser(ctx context.Context, userID, accountID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO account_users (user_id, account_id) VALUES (?, ?)`, userID, accountID); err != nil {
		return fmt.Errorf("add account user: %w", err)
	}
	return nil
}

// AddDevice registers a device token for a user.
func (s *SQLite) AddDevice(ctx context.Context, token, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (token, user_id) VALUES (?, ?)`, token, userID); err != nil {
		return fmt.Errorf("add device: %w", err)
	}
	return nil
}
