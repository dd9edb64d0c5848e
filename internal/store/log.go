package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MessageLogEntry is one forwarded command or event, recorded for the
// account-scoped history view. Entries are append-only and removed solely by
// the retention sweep.
type MessageLogEntry struct {
	ID           int64
	FromDeviceID int64
	ToDeviceID   int64
	MsgType      string
	Payload      []byte
	CreatedAt    time.Time
}

// PendingCommand is a command addressed to a host that had no live session at
// arrival time. Drained FIFO on the host's next attach.
type PendingCommand struct {
	ID           int64
	HostDeviceID int64
	FromDeviceID int64
	Payload      []byte
	Delivered    bool
	CreatedAt    time.Time
}

// InsertMessageLog appends an audit log entry.
func (s *Store) InsertMessageLog(ctx context.Context, fromDeviceID, toDeviceID int64, msgType string, payload []byte) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_logs (from_device_id, to_device_id, msg_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		fromDeviceID, toDeviceID, msgType, string(payload), s.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("inserting message log: %w", err)
	}
	return nil
}

// MessageLogs returns the page of log entries touching any of deviceIDs,
// newest first, plus the total count for the same filter. When filterDevice
// is non-zero the page is further restricted to entries involving that device.
func (s *Store) MessageLogs(ctx context.Context, deviceIDs []int64, filterDevice int64, offset, limit int) ([]MessageLogEntry, int, error) {
	if len(deviceIDs) == 0 {
		return nil, 0, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deviceIDs)), ",")
	where := fmt.Sprintf("(from_device_id IN (%s) OR to_device_id IN (%s))", placeholders, placeholders)
	args := make([]any, 0, 2*len(deviceIDs)+4)
	for _, id := range deviceIDs {
		args = append(args, id)
	}
	for _, id := range deviceIDs {
		args = append(args, id)
	}
	if filterDevice != 0 {
		where += " AND (from_device_id = ? OR to_device_id = ?)"
		args = append(args, filterDevice, filterDevice)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_logs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting message logs: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_device_id, to_device_id, msg_type, payload, created_at
		 FROM message_logs WHERE `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing message logs: %w", err)
	}
	defer rows.Close()

	var entries []MessageLogEntry
	for rows.Next() {
		var (
			e         MessageLogEntry
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.FromDeviceID, &e.ToDeviceID, &e.MsgType, &payload, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scanning message log: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// DeleteLogsBefore removes log entries created before cutoff, in chunks of at
// most chunkSize rows per statement so a large backlog never holds a long
// write lock. Returns the number of rows deleted.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	var total int64
	for {
		opCtx, cancel := s.opCtx(ctx)
		res, err := s.db.ExecContext(opCtx,
			`DELETE FROM message_logs WHERE id IN (
				SELECT id FROM message_logs WHERE created_at < ? LIMIT ?
			)`, cutoff.UTC().Unix(), chunkSize)
		cancel()
		if err != nil {
			return total, fmt.Errorf("deleting expired logs: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("counting deleted logs: %w", err)
		}
		total += n
		if n < int64(chunkSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// EnqueueCommand stores a command for an offline host.
func (s *Store) EnqueueCommand(ctx context.Context, hostDeviceID, fromDeviceID int64, payload []byte) (*PendingCommand, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_commands (host_device_id, from_device_id, payload, created_at)
		 VALUES (?, ?, ?, ?)`,
		hostDeviceID, fromDeviceID, string(payload), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("enqueuing command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading pending command id: %w", err)
	}
	return &PendingCommand{
		ID:           id,
		HostDeviceID: hostDeviceID,
		FromDeviceID: fromDeviceID,
		Payload:      payload,
		CreatedAt:    now,
	}, nil
}

// UndeliveredCommands returns the host's queued commands in FIFO order.
func (s *Store) UndeliveredCommands(ctx context.Context, hostDeviceID int64) ([]PendingCommand, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host_device_id, from_device_id, payload, delivered, created_at
		 FROM pending_commands
		 WHERE host_device_id = ? AND delivered = 0
		 ORDER BY created_at, id`, hostDeviceID)
	if err != nil {
		return nil, fmt.Errorf("listing pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []PendingCommand
	for rows.Next() {
		var (
			c         PendingCommand
			payload   string
			delivered int
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.HostDeviceID, &c.FromDeviceID, &payload, &delivered, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning pending command: %w", err)
		}
		c.Payload = []byte(payload)
		c.Delivered = delivered != 0
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// MarkCommandDelivered flags a queued command as sent to its host.
func (s *Store) MarkCommandDelivered(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_commands SET delivered = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking command delivered: %w", err)
	}
	return nil
}
