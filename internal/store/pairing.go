package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PairingCode is a short-lived six-digit secret binding a host device to the
// account that issued it.
type PairingCode struct {
	ID           int64
	AccountID    int64
	HostDeviceID int64
	Code         string
	ExpiresAt    time.Time
	Consumed     bool
	CreatedAt    time.Time
}

// Pairing links exactly one host device to one client device. The pair is
// unique and both devices belong to the same account.
type Pairing struct {
	ID             int64
	HostDeviceID   int64
	ClientDeviceID int64
	CreatedAt      time.Time
}

// ExpireCodesForHost force-expires every live code for the host. Called
// before issuing a fresh code so at most one redeemable code exists per
// (account, host). Superseded codes read as expired, not consumed.
func (s *Store) ExpireCodesForHost(ctx context.Context, hostDeviceID int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	now := s.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pairing_codes SET expires_at = ? WHERE host_device_id = ? AND consumed = 0 AND expires_at > ?`,
		now, hostDeviceID, now)
	if err != nil {
		return fmt.Errorf("expiring pairing codes: %w", err)
	}
	return nil
}

// InsertPairingCode persists a freshly generated code.
func (s *Store) InsertPairingCode(ctx context.Context, accountID, hostDeviceID int64, code string, expiresAt time.Time) (*PairingCode, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_codes (account_id, host_device_id, code, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		accountID, hostDeviceID, code, expiresAt.UTC().Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("inserting pairing code: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading pairing code id: %w", err)
	}
	return &PairingCode{
		ID:           id,
		AccountID:    accountID,
		HostDeviceID: hostDeviceID,
		Code:         code,
		ExpiresAt:    expiresAt.UTC(),
		CreatedAt:    now,
	}, nil
}

func scanPairingCode(row *sql.Row) (*PairingCode, error) {
	var (
		pc        PairingCode
		consumed  int
		expiresAt int64
		createdAt int64
	)
	err := row.Scan(&pc.ID, &pc.AccountID, &pc.HostDeviceID, &pc.Code, &expiresAt, &consumed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pairing code: %w", err)
	}
	pc.Consumed = consumed != 0
	pc.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	pc.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &pc, nil
}

const pairingCodeCols = `id, account_id, host_device_id, code, expires_at, consumed, created_at`

// LatestCodeByValue returns the most recently issued code row with the given
// value, consumed or not; the pairing service decides what the state means.
func (s *Store) LatestCodeByValue(ctx context.Context, code string) (*PairingCode, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return scanPairingCode(s.db.QueryRowContext(ctx,
		`SELECT `+pairingCodeCols+` FROM pairing_codes
		 WHERE code = ? ORDER BY id DESC LIMIT 1`, code))
}

// ActiveCodeForHost returns the current redeemable code for a host, if any.
func (s *Store) ActiveCodeForHost(ctx context.Context, accountID, hostDeviceID int64) (*PairingCode, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return scanPairingCode(s.db.QueryRowContext(ctx,
		`SELECT `+pairingCodeCols+` FROM pairing_codes
		 WHERE account_id = ? AND host_device_id = ? AND consumed = 0 AND expires_at > ?
		 ORDER BY id DESC LIMIT 1`,
		accountID, hostDeviceID, s.Now().UTC().Unix()))
}

// ConsumeCode marks a code as redeemed.
func (s *Store) ConsumeCode(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pairing_codes SET consumed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("consuming pairing code: %w", err)
	}
	return nil
}

func scanPairing(row *sql.Row) (*Pairing, error) {
	var (
		p         Pairing
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.HostDeviceID, &p.ClientDeviceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pairing: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

// InsertPairing links a host and a client device. Returns ErrDuplicate when
// the pair already exists.
func (s *Store) InsertPairing(ctx context.Context, hostDeviceID, clientDeviceID int64) (*Pairing, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pairings (host_device_id, client_device_id, created_at) VALUES (?, ?, ?)`,
		hostDeviceID, clientDeviceID, now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("inserting pairing: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading pairing id: %w", err)
	}
	return &Pairing{ID: id, HostDeviceID: hostDeviceID, ClientDeviceID: clientDeviceID, CreatedAt: now}, nil
}

// PairingByDevices looks up the pairing for a specific (host, client) pair.
func (s *Store) PairingByDevices(ctx context.Context, hostDeviceID, clientDeviceID int64) (*Pairing, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return scanPairing(s.db.QueryRowContext(ctx,
		`SELECT id, host_device_id, client_device_id, created_at FROM pairings
		 WHERE host_device_id = ? AND client_device_id = ?`,
		hostDeviceID, clientDeviceID))
}

// PairingForClient returns the client's oldest pairing. It resolves the
// implicit target of a command frame.
func (s *Store) PairingForClient(ctx context.Context, clientDeviceID int64) (*Pairing, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return scanPairing(s.db.QueryRowContext(ctx,
		`SELECT id, host_device_id, client_device_id, created_at FROM pairings
		 WHERE client_device_id = ? ORDER BY id LIMIT 1`, clientDeviceID))
}

// PairingForHost returns the host's oldest pairing. It resolves the implicit
// target of an event frame.
func (s *Store) PairingForHost(ctx context.Context, hostDeviceID int64) (*Pairing, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return scanPairing(s.db.QueryRowContext(ctx,
		`SELECT id, host_device_id, client_device_id, created_at FROM pairings
		 WHERE host_device_id = ? ORDER BY id LIMIT 1`, hostDeviceID))
}

// PairedPeers returns the ids of every device paired with deviceID, on either
// side of the link. Presence edges are broadcast to these peers.
func (s *Store) PairedPeers(ctx context.Context, deviceID int64) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT client_device_id FROM pairings WHERE host_device_id = ?
		 UNION
		 SELECT host_device_id FROM pairings WHERE client_device_id = ?`,
		deviceID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing paired peers: %w", err)
	}
	defer rows.Close()

	var peers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning peer id: %w", err)
		}
		peers = append(peers, id)
	}
	return peers, rows.Err()
}
