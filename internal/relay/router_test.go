package relay

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/simbridge/relay/internal/store"
	"github.com/simbridge/relay/pkg/protocol"
)

type routerFixture struct {
	store    *store.Store
	registry *Registry
	router   *Router
	host     int64
	client   int64
	loner    int64 // client with no pairing
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	acct, err := st.CreateAccount(ctx, "alice", "h")
	if err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	host, err := st.CreateDevice(ctx, acct.ID, "phoneA", store.KindHost)
	if err != nil {
		t.Fatalf("CreateDevice(host) error: %v", err)
	}
	client, err := st.CreateDevice(ctx, acct.ID, "phoneB", store.KindClient)
	if err != nil {
		t.Fatalf("CreateDevice(client) error: %v", err)
	}
	loner, err := st.CreateDevice(ctx, acct.ID, "phoneC", store.KindClient)
	if err != nil {
		t.Fatalf("CreateDevice(loner) error: %v", err)
	}
	if _, err := st.InsertPairing(ctx, host.ID, client.ID); err != nil {
		t.Fatalf("InsertPairing() error: %v", err)
	}

	reg := NewRegistry(nil)
	return &routerFixture{
		store:    st,
		registry: reg,
		router:   NewRouter(st, reg, nil),
		host:     host.ID,
		client:   client.ID,
		loner:    loner.ID,
	}
}

func (f *routerFixture) attach(t *testing.T, deviceID int64, kind store.DeviceKind) (*Session, *fakeConn) {
	t.Helper()
	s, conn := startTestSession(t, deviceID, kind)
	f.registry.Attach(s)
	return s, conn
}

func TestRouterPing(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	sender, conn := f.attach(t, f.client, store.KindClient)

	f.router.HandleFrame(context.Background(), sender, []byte(`{"type":"ping"}`))

	if frame := conn.next(t); frame["type"] != "pong" {
		t.Errorf("frame = %v, want pong", frame)
	}
}

func TestRouterRejectsBadFrames(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	sender, conn := f.attach(t, f.client, store.KindClient)

	f.router.HandleFrame(context.Background(), sender, []byte(`{"type":"bogus"}`))
	if frame := conn.next(t); frame["error"] != "invalid message type: bogus" {
		t.Errorf("frame = %v, want unknown-type error", frame)
	}

	f.router.HandleFrame(context.Background(), sender, []byte(`not json`))
	if frame := conn.next(t); frame["error"] != "invalid JSON" {
		t.Errorf("frame = %v, want invalid JSON error", frame)
	}
}

func TestRouterCommandDelivered(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	ctx := context.Background()
	sender, senderConn := f.attach(t, f.client, store.KindClient)
	_, hostConn := f.attach(t, f.host, store.KindHost)

	f.router.HandleFrame(ctx, sender, []byte(`{"type":"command","action":"send_sms","req_id":"r1"}`))

	frame := hostConn.next(t)
	if frame["type"] != "command" || frame["action"] != "send_sms" {
		t.Fatalf("host received %v", frame)
	}
	if got := int64(frame["from_device_id"].(float64)); got != f.client {
		t.Errorf("from_device_id = %d, want %d", got, f.client)
	}
	senderConn.expectNone(t)

	// Delivered commands are logged but never queued.
	_, total, err := f.store.MessageLogs(ctx, []int64{f.client, f.host}, 0, 0, 10)
	if err != nil || total != 1 {
		t.Errorf("message logs total = %d (err %v), want 1", total, err)
	}
	pending, _ := f.store.UndeliveredCommands(ctx, f.host)
	if len(pending) != 0 {
		t.Errorf("pending commands = %d, want 0", len(pending))
	}
}

func TestRouterCommandQueuedWhenHostOffline(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	ctx := context.Background()
	sender, conn := f.attach(t, f.client, store.KindClient)

	f.router.HandleFrame(ctx, sender, []byte(`{"type":"command","action":"send_sms","req_id":"r2"}`))

	ack := conn.next(t)
	if ack["type"] != "event" || ack["event"] != protocol.EventQueued || ack["req_id"] != "r2" {
		t.Fatalf("ack = %v, want QUEUED event echoing req_id", ack)
	}

	pending, err := f.store.UndeliveredCommands(ctx, f.host)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d (err %v), want 1", len(pending), err)
	}
	var queued map[string]any
	if err := json.Unmarshal(pending[0].Payload, &queued); err != nil {
		t.Fatalf("queued payload: %v", err)
	}
	if got := int64(queued["from_device_id"].(float64)); got != f.client {
		t.Errorf("queued from_device_id = %d, want %d", got, f.client)
	}
}

func TestRouterCommandNoPairedHost(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	sender, conn := f.attach(t, f.loner, store.KindClient)

	f.router.HandleFrame(context.Background(), sender, []byte(`{"type":"command"}`))
	if frame := conn.next(t); frame["error"] != protocol.ErrTextNoPairedHost {
		t.Errorf("frame = %v, want no paired host error", frame)
	}
}

func TestRouterExplicitTargetMustBePaired(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	ctx := context.Background()
	sender, conn := f.attach(t, f.loner, store.KindClient)
	_, hostConn := f.attach(t, f.host, store.KindHost)

	frame, _ := json.Marshal(map[string]any{"type": "command", "to_device_id": f.host})
	f.router.HandleFrame(ctx, sender, frame)

	if got := conn.next(t); got["error"] != protocol.ErrTextNotPaired {
		t.Errorf("frame = %v, want not paired error", got)
	}
	hostConn.expectNone(t)
	pending, _ := f.store.UndeliveredCommands(ctx, f.host)
	if len(pending) != 0 {
		t.Errorf("unauthorized command was queued")
	}
}

func TestRouterEventDelivered(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	sender, _ := f.attach(t, f.host, store.KindHost)
	_, clientConn := f.attach(t, f.client, store.KindClient)

	f.router.HandleFrame(context.Background(), sender, []byte(`{"type":"event","event":"SMS_SENT"}`))

	frame := clientConn.next(t)
	if frame["type"] != "event" || frame["event"] != "SMS_SENT" {
		t.Fatalf("client received %v", frame)
	}
	if got := int64(frame["from_device_id"].(float64)); got != f.host {
		t.Errorf("from_device_id = %d, want %d", got, f.host)
	}
}

func TestRouterEventNeverQueued(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	ctx := context.Background()
	sender, conn := f.attach(t, f.host, store.KindHost)

	f.router.HandleFrame(ctx, sender, []byte(`{"type":"event","event":"SMS_SENT","req_id":"r3"}`))

	frame := conn.next(t)
	if frame["error"] != protocol.ErrTextTargetOffline || frame["req_id"] != "r3" {
		t.Fatalf("frame = %v, want target_offline with req_id", frame)
	}
	if got := int64(frame["target_device_id"].(float64)); got != f.client {
		t.Errorf("target_device_id = %d, want %d", got, f.client)
	}
	pending, _ := f.store.UndeliveredCommands(ctx, f.client)
	if len(pending) != 0 {
		t.Error("event was queued")
	}
}

func TestRouterWebRTCBothDirections(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	ctx := context.Background()
	hostSess, hostConn := f.attach(t, f.host, store.KindHost)
	clientSess, clientConn := f.attach(t, f.client, store.KindClient)

	f.router.HandleFrame(ctx, clientSess, []byte(`{"type":"webrtc","sdp":"offer"}`))
	if frame := hostConn.next(t); frame["sdp"] != "offer" {
		t.Errorf("host received %v", frame)
	}

	f.router.HandleFrame(ctx, hostSess, []byte(`{"type":"webrtc","sdp":"answer"}`))
	if frame := clientConn.next(t); frame["sdp"] != "answer" {
		t.Errorf("client received %v", frame)
	}

	// Signaling traffic stays out of the audit log.
	_, total, err := f.store.MessageLogs(ctx, []int64{f.host, f.client}, 0, 0, 10)
	if err != nil || total != 0 {
		t.Errorf("message logs total = %d (err %v), want 0", total, err)
	}
}

func TestRelayCommandDelivered(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	_, hostConn := f.attach(t, f.host, store.KindHost)

	res, err := f.router.RelayCommand(context.Background(), f.client, f.host,
		map[string]any{"type": "command", "action": "send_sms"})
	if err != nil {
		t.Fatalf("RelayCommand() error: %v", err)
	}
	if res.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered", res.Status)
	}
	if res.ReqID == "" {
		t.Error("req_id not generated")
	}

	frame := hostConn.next(t)
	if frame["req_id"] != res.ReqID {
		t.Errorf("forwarded req_id = %v, want %q", frame["req_id"], res.ReqID)
	}
	if got := int64(frame["from_device_id"].(float64)); got != f.client {
		t.Errorf("from_device_id = %d, want %d", got, f.client)
	}
}

func TestRelayCommandQueued(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	ctx := context.Background()

	res, err := f.router.RelayCommand(ctx, f.client, f.host,
		map[string]any{"type": "command", "action": "place_call"})
	if err != nil {
		t.Fatalf("RelayCommand() error: %v", err)
	}
	if res.Status != StatusQueued {
		t.Errorf("status = %q, want queued", res.Status)
	}

	pending, _ := f.store.UndeliveredCommands(ctx, f.host)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestRelayCommandRequiresPairing(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)

	_, err := f.router.RelayCommand(context.Background(), f.loner, f.host,
		map[string]any{"type": "command"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
