// Package pairing issues and redeems the six-digit codes that link a host
// device to a client device under a single account.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/simbridge/relay/internal/store"
)

// CodeLifetime is how long an issued code stays redeemable.
const CodeLifetime = 10 * time.Minute

// Redemption and issuance failures, each distinct so the front door can pick
// a precise status code.
var (
	// ErrWrongAccount is returned when the redeeming account is not the
	// account that issued the code. Checked before anything else about the
	// code's state leaks.
	ErrWrongAccount = errors.New("pairing code belongs to another account")

	// ErrNoSuchCode is returned when no code with that value was ever issued.
	ErrNoSuchCode = errors.New("no such pairing code")

	// ErrCodeExpired is returned for a code past its expiry, including
	// codes force-expired by a newer issue for the same host.
	ErrCodeExpired = errors.New("pairing code expired")

	// ErrCodeConsumed is returned for a code that was already redeemed.
	ErrCodeConsumed = errors.New("pairing code already consumed")

	// ErrDeviceNotFound is returned when the named device does not exist or
	// belongs to another account.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrWrongKind is returned when the device exists but has the wrong kind
	// for its role in the handshake.
	ErrWrongKind = errors.New("wrong device kind")
)

// Service arbitrates the pairing handshake.
type Service struct {
	store *store.Store
	log   *slog.Logger

	// now returns the current time; overridable in tests.
	now func() time.Time
}

// NewService creates a pairing Service.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: st,
		log:   logger.With("component", "pairing"),
		now:   time.Now,
	}
}

// IssuedCode is the result of IssueCode.
type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
}

// IssueCode generates a fresh code for the host device, invalidating any
// previous unconsumed code for the same host. The caller must own the device
// and it must be a host.
func (s *Service) IssueCode(ctx context.Context, accountID, hostDeviceID int64) (*IssuedCode, error) {
	device, err := s.store.DeviceByID(ctx, hostDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	if device.AccountID != accountID {
		return nil, ErrDeviceNotFound
	}
	if device.Kind != store.KindHost {
		return nil, ErrWrongKind
	}

	if err := s.store.ExpireCodesForHost(ctx, hostDeviceID); err != nil {
		return nil, err
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().Add(CodeLifetime)
	if _, err := s.store.InsertPairingCode(ctx, accountID, hostDeviceID, code, expiresAt); err != nil {
		return nil, err
	}

	s.log.Info("pairing code issued", "account_id", accountID, "host_device_id", hostDeviceID)
	return &IssuedCode{Code: code, ExpiresAt: expiresAt}, nil
}

// ActiveCode returns the host's current redeemable code, for re-display (the
// QR endpoint). ErrNoSuchCode when none is active.
func (s *Service) ActiveCode(ctx context.Context, accountID, hostDeviceID int64) (*store.PairingCode, error) {
	device, err := s.store.DeviceByID(ctx, hostDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	if device.AccountID != accountID {
		return nil, ErrDeviceNotFound
	}

	pc, err := s.store.ActiveCodeForHost(ctx, accountID, hostDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSuchCode
	}
	return pc, err
}

// ConfirmCode redeems a code for the client device, establishing (or
// idempotently returning) the pairing between the code's host and the client.
//
// The cross-account check runs before anything else: an account can never
// learn the state of another account's code.
func (s *Service) ConfirmCode(ctx context.Context, accountID int64, code string, clientDeviceID int64) (*store.Pairing, error) {
	pc, err := s.store.LatestCodeByValue(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSuchCode
	}
	if err != nil {
		return nil, err
	}

	if pc.AccountID != accountID {
		return nil, ErrWrongAccount
	}
	if pc.Consumed {
		return nil, ErrCodeConsumed
	}
	if !s.now().Before(pc.ExpiresAt) {
		return nil, ErrCodeExpired
	}

	client, err := s.store.DeviceByID(ctx, clientDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	if client.AccountID != accountID {
		return nil, ErrDeviceNotFound
	}
	if client.Kind != store.KindClient {
		return nil, ErrWrongKind
	}

	pairing, err := s.store.PairingByDevices(ctx, pc.HostDeviceID, clientDeviceID)
	switch {
	case err == nil:
		// Re-confirmation is a no-op returning the existing link.
	case errors.Is(err, store.ErrNotFound):
		pairing, err = s.store.InsertPairing(ctx, pc.HostDeviceID, clientDeviceID)
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent confirmation of the same pair.
			pairing, err = s.store.PairingByDevices(ctx, pc.HostDeviceID, clientDeviceID)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := s.store.ConsumeCode(ctx, pc.ID); err != nil {
		return nil, err
	}

	s.log.Info("pairing confirmed",
		"account_id", accountID,
		"host_device_id", pairing.HostDeviceID,
		"client_device_id", clientDeviceID)
	return pairing, nil
}

// generateCode draws six decimal digits from a cryptographically strong RNG,
// each digit independently and uniformly. Leading zeros are preserved.
func generateCode() (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	digits := make([]byte, 6)
	for i, b := range buf {
		digits[i] = '0' + rejectionDigit(b)
	}
	return string(digits), nil
}

// rejectionDigit maps a random byte to a uniform digit 0-9. Bytes in the
// biased tail (250-255) are re-drawn; the reject rate is 6/256 so retries
// are rare.
func rejectionDigit(b byte) byte {
	for b >= 250 {
		var one [1]byte
		// crypto/rand never fails on supported platforms; fall back to the
		// biased value only if it somehow does.
		if _, err := rand.Read(one[:]); err != nil {
			break
		}
		b = one[0]
	}
	return b % 10
}
