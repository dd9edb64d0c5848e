package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account is a registered user. At least one of PasswordHash and
// ExternalSubject is set.
type Account struct {
	ID              int64
	Username        string
	PasswordHash    string
	ExternalSubject string
	Email           string
	CreatedAt       time.Time
}

// DeviceKind distinguishes the two endpoint classes.
type DeviceKind string

const (
	KindHost   DeviceKind = "host"
	KindClient DeviceKind = "client"
)

// Valid reports whether k is one of the two known kinds.
func (k DeviceKind) Valid() bool {
	return k == KindHost || k == KindClient
}

// Device is a registered endpoint. Presence is not stored here; it is derived
// from the connection registry at read time.
type Device struct {
	ID        int64
	AccountID int64
	Name      string
	Kind      DeviceKind
	CreatedAt time.Time
}

// nullable maps "" to SQL NULL so partial unique indexes only see real values.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateAccount inserts a password-authenticated account. Returns
// ErrDuplicate when the username is taken.
func (s *Store) CreateAccount(ctx context.Context, username, passwordHash string) (*Account, error) {
	return s.insertAccount(ctx, username, passwordHash, "", "")
}

// CreateExternalAccount inserts an account authenticated by an external
// identity provider.
func (s *Store) CreateExternalAccount(ctx context.Context, username, subject, email string) (*Account, error) {
	return s.insertAccount(ctx, username, "", subject, email)
}

func (s *Store) insertAccount(ctx context.Context, username, passwordHash, subject, email string) (*Account, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (username, password_hash, external_subject, email, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		username, nullable(passwordHash), nullable(subject), nullable(email), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("inserting account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading account id: %w", err)
	}
	return &Account{
		ID:              id,
		Username:        username,
		PasswordHash:    passwordHash,
		ExternalSubject: subject,
		Email:           email,
		CreatedAt:       now,
	}, nil
}

func (s *Store) scanAccount(row *sql.Row) (*Account, error) {
	var (
		a         Account
		hash      sql.NullString
		subject   sql.NullString
		email     sql.NullString
		createdAt int64
	)
	err := row.Scan(&a.ID, &a.Username, &hash, &subject, &email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	a.PasswordHash = hash.String
	a.ExternalSubject = subject.String
	a.Email = email.String
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

const accountCols = `id, username, password_hash, external_subject, email, created_at`

// AccountByUsername looks up an account by its unique username.
func (s *Store) AccountByUsername(ctx context.Context, username string) (*Account, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE username = ?`, username))
}

// AccountByID looks up an account by id.
func (s *Store) AccountByID(ctx context.Context, id int64) (*Account, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
}

// AccountByExternalSubject looks up an account by its external identity subject.
func (s *Store) AccountByExternalSubject(ctx context.Context, subject string) (*Account, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE external_subject = ?`, subject))
}

// AccountByEmail looks up an account by contact email.
func (s *Store) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE email = ?`, email))
}

// LinkExternalSubject attaches an external identity subject to an existing
// account, used when an external login matches an account by email.
func (s *Store) LinkExternalSubject(ctx context.Context, accountID int64, subject string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET external_subject = ? WHERE id = ?`, subject, accountID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("linking external subject: %w", err)
	}
	return nil
}

// UsernameTaken reports whether a username is already registered.
func (s *Store) UsernameTaken(ctx context.Context, username string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE username = ?`, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking username: %w", err)
	}
	return n > 0, nil
}

// CreateDevice registers a device under an account. Kind is immutable after
// creation.
func (s *Store) CreateDevice(ctx context.Context, accountID int64, name string, kind DeviceKind) (*Device, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid device kind %q", kind)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (account_id, name, kind, created_at) VALUES (?, ?, ?, ?)`,
		accountID, name, string(kind), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("inserting device: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading device id: %w", err)
	}
	return &Device{ID: id, AccountID: accountID, Name: name, Kind: kind, CreatedAt: now}, nil
}

// DeviceByID looks up a device by id.
func (s *Store) DeviceByID(ctx context.Context, id int64) (*Device, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		d         Device
		kind      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, kind, created_at FROM devices WHERE id = ?`, id).
		Scan(&d.ID, &d.AccountID, &d.Name, &kind, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	d.Kind = DeviceKind(kind)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &d, nil
}

// DevicesByAccount lists all devices owned by an account, oldest first.
func (s *Store) DevicesByAccount(ctx context.Context, accountID int64) ([]Device, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, name, kind, created_at FROM devices
		 WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			d         Device
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Name, &kind, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		d.Kind = DeviceKind(kind)
		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeviceIDsByAccount returns the ids of all devices owned by an account.
func (s *Store) DeviceIDsByAccount(ctx context.Context, accountID int64) ([]int64, error) {
	devices, err := s.DevicesByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	return ids, nil
}

// FirstClientDevice returns the account's oldest client device, used as the
// implicit from-device for REST-initiated commands.
func (s *Store) FirstClientDevice(ctx context.Context, accountID int64) (*Device, error) {
	devices, err := s.DevicesByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Kind == KindClient {
			return &devices[i], nil
		}
	}
	return nil, ErrNotFound
}
