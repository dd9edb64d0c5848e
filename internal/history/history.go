// Package history serves the account-scoped message log and enforces its
// retention horizon.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/simbridge/relay/internal/store"
)

const (
	// DefaultRetention is how long forwarded messages stay queryable.
	DefaultRetention = 90 * 24 * time.Hour

	// DefaultLimit is the page size when the caller names none.
	DefaultLimit = 50

	// MaxLimit caps the page size regardless of what the caller asks for.
	MaxLimit = 200

	// sweepInterval is how often the retention sweep runs after the one at
	// startup.
	sweepInterval = 24 * time.Hour

	sweepChunk = 1000
)

// ErrForeignDevice is returned when the history filter names a device outside
// the caller's account.
var ErrForeignDevice = errors.New("device not found")

// Service reads the message log on behalf of an account.
type Service struct {
	store *store.Store
	log   *slog.Logger
}

// NewService creates a history Service.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, log: logger.With("component", "history")}
}

// Page is one page of history plus the total for the same filter.
type Page struct {
	Entries []store.MessageLogEntry
	Total   int
	Offset  int
	Limit   int
}

// Query returns the account's message history, newest first. filterDevice
// narrows the page to one of the account's devices; zero means no filter.
func (s *Service) Query(ctx context.Context, accountID, filterDevice int64, offset, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	deviceIDs, err := s.store.DeviceIDsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if filterDevice != 0 {
		owned := false
		for _, id := range deviceIDs {
			if id == filterDevice {
				owned = true
				break
			}
		}
		if !owned {
			return nil, ErrForeignDevice
		}
	}

	entries, total, err := s.store.MessageLogs(ctx, deviceIDs, filterDevice, offset, limit)
	if err != nil {
		return nil, err
	}
	return &Page{Entries: entries, Total: total, Offset: offset, Limit: limit}, nil
}

// Sweeper deletes message log entries older than the retention horizon. One
// sweep runs at startup and then every 24 hours.
type Sweeper struct {
	store     *store.Store
	retention time.Duration
	log       *slog.Logger

	// now returns the current time; overridable in tests.
	now func() time.Time
}

// NewSweeper creates a Sweeper. A non-positive retention falls back to
// DefaultRetention.
func NewSweeper(st *store.Store, retention time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     st,
		retention: retention,
		log:       logger.With("component", "sweeper"),
		now:       time.Now,
	}
}

// Run blocks sweeping until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs a single retention pass and returns the number of rows removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	return s.store.DeleteLogsBefore(ctx, cutoff, sweepChunk)
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("retention sweep removed entries", "count", n)
	}
}
