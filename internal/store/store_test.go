package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccounts_CreateAndLookup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAccount(ctx, "alice", "hash1")
	if err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("account id not assigned")
	}

	got, err := s.AccountByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("AccountByUsername() error: %v", err)
	}
	if got.ID != a.ID || got.PasswordHash != "hash1" {
		t.Errorf("AccountByUsername() = %+v, want id=%d hash=hash1", got, a.ID)
	}

	if _, err := s.CreateAccount(ctx, "alice", "hash2"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate username error = %v, want ErrDuplicate", err)
	}
	if _, err := s.AccountByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing account error = %v, want ErrNotFound", err)
	}
}

func TestAccounts_ExternalIdentity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateExternalAccount(ctx, "bob", "sub-123", "bob@example.com")
	if err != nil {
		t.Fatalf("CreateExternalAccount() error: %v", err)
	}

	got, err := s.AccountByExternalSubject(ctx, "sub-123")
	if err != nil {
		t.Fatalf("AccountByExternalSubject() error: %v", err)
	}
	if got.ID != a.ID || got.Email != "bob@example.com" {
		t.Errorf("lookup = %+v, want id=%d email=bob@example.com", got, a.ID)
	}

	// Two accounts without an external subject must not collide on the
	// partial unique index.
	if _, err := s.CreateAccount(ctx, "carol", "h"); err != nil {
		t.Fatalf("CreateAccount(carol) error: %v", err)
	}
	if _, err := s.CreateAccount(ctx, "dave", "h"); err != nil {
		t.Fatalf("CreateAccount(dave) error: %v", err)
	}

	// Linking a subject to an account that matched by email.
	pw, err := s.CreateAccount(ctx, "erin", "h")
	if err != nil {
		t.Fatalf("CreateAccount(erin) error: %v", err)
	}
	if err := s.LinkExternalSubject(ctx, pw.ID, "sub-456"); err != nil {
		t.Fatalf("LinkExternalSubject() error: %v", err)
	}
	got, err = s.AccountByExternalSubject(ctx, "sub-456")
	if err != nil || got.ID != pw.ID {
		t.Errorf("linked lookup = (%+v, %v), want id=%d", got, err, pw.ID)
	}
}

func TestDevices(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "alice", "h")
	host, err := s.CreateDevice(ctx, a.ID, "phoneA", KindHost)
	if err != nil {
		t.Fatalf("CreateDevice(host) error: %v", err)
	}
	client, err := s.CreateDevice(ctx, a.ID, "phoneB", KindClient)
	if err != nil {
		t.Fatalf("CreateDevice(client) error: %v", err)
	}

	if _, err := s.CreateDevice(ctx, a.ID, "bad", DeviceKind("tablet")); err == nil {
		t.Error("CreateDevice with invalid kind succeeded, want error")
	}

	devices, err := s.DevicesByAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("DevicesByAccount() error: %v", err)
	}
	if len(devices) != 2 || devices[0].ID != host.ID || devices[1].ID != client.ID {
		t.Errorf("DevicesByAccount() = %+v, want [host client]", devices)
	}

	first, err := s.FirstClientDevice(ctx, a.ID)
	if err != nil || first.ID != client.ID {
		t.Errorf("FirstClientDevice() = (%+v, %v), want id=%d", first, err, client.ID)
	}
}

func TestPairingCodes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "alice", "h")
	host, _ := s.CreateDevice(ctx, a.ID, "phoneA", KindHost)

	expiry := s.Now().Add(10 * time.Minute)
	first, err := s.InsertPairingCode(ctx, a.ID, host.ID, "111111", expiry)
	if err != nil {
		t.Fatalf("InsertPairingCode() error: %v", err)
	}

	// Issuing a fresh code invalidates the old one.
	if err := s.ExpireCodesForHost(ctx, host.ID); err != nil {
		t.Fatalf("ExpireCodesForHost() error: %v", err)
	}
	second, err := s.InsertPairingCode(ctx, a.ID, host.ID, "222222", expiry)
	if err != nil {
		t.Fatalf("InsertPairingCode() error: %v", err)
	}

	old, err := s.LatestCodeByValue(ctx, "111111")
	if err != nil {
		t.Fatalf("LatestCodeByValue(old) error: %v", err)
	}
	if old.Consumed {
		t.Error("superseded code marked consumed, want expired")
	}
	if old.ExpiresAt.After(s.Now()) {
		t.Error("old code still redeemable after re-issue")
	}

	active, err := s.ActiveCodeForHost(ctx, a.ID, host.ID)
	if err != nil {
		t.Fatalf("ActiveCodeForHost() error: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("ActiveCodeForHost() id = %d, want %d", active.ID, second.ID)
	}
	_ = first

	if err := s.ConsumeCode(ctx, second.ID); err != nil {
		t.Fatalf("ConsumeCode() error: %v", err)
	}
	if _, err := s.ActiveCodeForHost(ctx, a.ID, host.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("active code after consume = %v, want ErrNotFound", err)
	}
}

func TestPairings(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "alice", "h")
	host, _ := s.CreateDevice(ctx, a.ID, "phoneA", KindHost)
	client, _ := s.CreateDevice(ctx, a.ID, "phoneB", KindClient)

	p, err := s.InsertPairing(ctx, host.ID, client.ID)
	if err != nil {
		t.Fatalf("InsertPairing() error: %v", err)
	}
	if _, err := s.InsertPairing(ctx, host.ID, client.ID); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate pairing error = %v, want ErrDuplicate", err)
	}

	byClient, err := s.PairingForClient(ctx, client.ID)
	if err != nil || byClient.ID != p.ID {
		t.Errorf("PairingForClient() = (%+v, %v), want id=%d", byClient, err, p.ID)
	}
	byHost, err := s.PairingForHost(ctx, host.ID)
	if err != nil || byHost.ID != p.ID {
		t.Errorf("PairingForHost() = (%+v, %v), want id=%d", byHost, err, p.ID)
	}

	peers, err := s.PairedPeers(ctx, host.ID)
	if err != nil || len(peers) != 1 || peers[0] != client.ID {
		t.Errorf("PairedPeers(host) = (%v, %v), want [%d]", peers, err, client.ID)
	}
	peers, err = s.PairedPeers(ctx, client.ID)
	if err != nil || len(peers) != 1 || peers[0] != host.ID {
		t.Errorf("PairedPeers(client) = (%v, %v), want [%d]", peers, err, host.ID)
	}
}

func TestPendingCommands_FIFO(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "alice", "h")
	host, _ := s.CreateDevice(ctx, a.ID, "phoneA", KindHost)
	client, _ := s.CreateDevice(ctx, a.ID, "phoneB", KindClient)

	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if _, err := s.EnqueueCommand(ctx, host.ID, client.ID, []byte(payload)); err != nil {
			t.Fatalf("EnqueueCommand(%s) error: %v", payload, err)
		}
	}

	cmds, err := s.UndeliveredCommands(ctx, host.ID)
	if err != nil {
		t.Fatalf("UndeliveredCommands() error: %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("got %d pending commands, want 3", len(cmds))
	}
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if string(cmds[i].Payload) != want {
			t.Errorf("cmds[%d].Payload = %s, want %s", i, cmds[i].Payload, want)
		}
	}

	if err := s.MarkCommandDelivered(ctx, cmds[0].ID); err != nil {
		t.Fatalf("MarkCommandDelivered() error: %v", err)
	}
	cmds, err = s.UndeliveredCommands(ctx, host.ID)
	if err != nil {
		t.Fatalf("UndeliveredCommands() error: %v", err)
	}
	if len(cmds) != 2 || string(cmds[0].Payload) != `{"n":2}` {
		t.Errorf("after delivery got %d commands, first %s; want 2, {\"n\":2}", len(cmds), cmds[0].Payload)
	}
}

func TestMessageLogs_PaginationAndRetention(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "alice", "h")
	host, _ := s.CreateDevice(ctx, a.ID, "phoneA", KindHost)
	client, _ := s.CreateDevice(ctx, a.ID, "phoneB", KindClient)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ages := []time.Duration{100 * 24 * time.Hour, 50 * 24 * time.Hour, 5 * 24 * time.Hour}
	for _, age := range ages {
		s.Now = func() time.Time { return now.Add(-age) }
		if err := s.InsertMessageLog(ctx, client.ID, host.ID, "command", []byte(`{}`)); err != nil {
			t.Fatalf("InsertMessageLog() error: %v", err)
		}
	}
	s.Now = func() time.Time { return now }

	entries, total, err := s.MessageLogs(ctx, []int64{host.ID, client.ID}, 0, 0, 50)
	if err != nil {
		t.Fatalf("MessageLogs() error: %v", err)
	}
	if total != 3 || len(entries) != 3 {
		t.Fatalf("total = %d, len = %d, want 3/3", total, len(entries))
	}
	// Newest first.
	if !entries[0].CreatedAt.After(entries[2].CreatedAt) {
		t.Error("entries not ordered newest first")
	}

	// A 90-day horizon removes only the 100-day-old entry.
	deleted, err := s.DeleteLogsBefore(ctx, now.Add(-90*24*time.Hour), 1)
	if err != nil {
		t.Fatalf("DeleteLogsBefore() error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	_, total, err = s.MessageLogs(ctx, []int64{host.ID, client.ID}, 0, 0, 50)
	if err != nil {
		t.Fatalf("MessageLogs() after sweep error: %v", err)
	}
	if total != 2 {
		t.Errorf("total after sweep = %d, want 2", total)
	}

	// The sweep is idempotent.
	deleted, err = s.DeleteLogsBefore(ctx, now.Add(-90*24*time.Hour), 1000)
	if err != nil || deleted != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", deleted, err)
	}
}

func TestMessageLogs_DeviceFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateAccount(ctx, "alice", "h")
	h1, _ := s.CreateDevice(ctx, a.ID, "h1", KindHost)
	h2, _ := s.CreateDevice(ctx, a.ID, "h2", KindHost)
	c, _ := s.CreateDevice(ctx, a.ID, "c", KindClient)

	_ = s.InsertMessageLog(ctx, c.ID, h1.ID, "command", []byte(`{}`))
	_ = s.InsertMessageLog(ctx, c.ID, h2.ID, "command", []byte(`{}`))

	all := []int64{h1.ID, h2.ID, c.ID}
	_, total, err := s.MessageLogs(ctx, all, h1.ID, 0, 50)
	if err != nil {
		t.Fatalf("MessageLogs() error: %v", err)
	}
	if total != 1 {
		t.Errorf("filtered total = %d, want 1", total)
	}
}
