// Package relay implements the core of the message relay: live sessions, the
// connection registry, the frame router, pending-command replay and presence
// notification.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/simbridge/relay/internal/store"
	"github.com/simbridge/relay/pkg/protocol"
)

const (
	// OutboundBuffer is the per-session outbound frame budget. A consumer
	// that falls this far behind is dropped rather than allowed to stall the
	// router.
	OutboundBuffer = 64

	// HeartbeatInterval is how often the server pings each session.
	HeartbeatInterval = 30 * time.Second

	// IdleTimeout closes a session that produced no inbound frame for two
	// heartbeat intervals.
	IdleTimeout = 2 * HeartbeatInterval

	writeTimeout = 10 * time.Second
)

// ErrSessionClosed is returned by Send once the session is closed.
var ErrSessionClosed = errors.New("session closed")

// transport is the slice of *websocket.Conn the session needs. Tests
// substitute a fake.
type transport interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session is one live, authenticated WebSocket connection for a device. All
// outbound frames pass through a single writer goroutine so they reach the
// wire in submission order. The registry owns at most one Session per device.
type Session struct {
	// DeviceID is the device this session speaks for.
	DeviceID int64

	// Kind is the device kind, fixed at handshake time.
	Kind store.DeviceKind

	conn transport
	log  *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// lastInbound is the unix-nano timestamp of the most recent inbound frame.
	lastInbound atomic.Int64

	// now returns the current time; overridable in tests.
	now func() time.Time
}

// NewSession wraps an accepted WebSocket connection.
func NewSession(deviceID int64, kind store.DeviceKind, conn *websocket.Conn, logger *slog.Logger) *Session {
	return newSession(deviceID, kind, conn, logger)
}

func newSession(deviceID int64, kind store.DeviceKind, conn transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		DeviceID: deviceID,
		Kind:     kind,
		conn:     conn,
		log:      logger.With("component", "session", "device_id", deviceID),
		out:      make(chan []byte, OutboundBuffer),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	s.TouchInbound()
	return s
}

// Start launches the writer serializer and the heartbeat timer. It returns
// immediately; the goroutines exit when the session closes or ctx is done.
func (s *Session) Start(ctx context.Context) {
	go s.writeLoop(ctx)
	go s.heartbeatLoop(ctx)
}

// Send queues a frame for delivery. It never blocks: when the outbound
// buffer is full the session is dropped (close 1011) so a slow consumer
// cannot stall other sessions.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.log.Warn("outbound buffer full, dropping session")
		s.Close(websocket.StatusInternalError, "slow consumer")
		return ErrSessionClosed
	}
}

// SendMessage marshals and queues a server frame.
func (s *Session) SendMessage(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// TouchInbound records that an inbound frame just arrived.
func (s *Session) TouchInbound() {
	s.lastInbound.Store(s.now().UnixNano())
}

// LastInbound returns the time of the most recent inbound frame.
func (s *Session) LastInbound() time.Time {
	return time.Unix(0, s.lastInbound.Load())
}

// Close closes the session exactly once with the given status code. Safe to
// call from any goroutine.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(code, reason); err != nil {
			// The peer may already be gone.
			s.log.Debug("closing connection", "error", err)
		}
	})
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// writeLoop is the session's single producer onto the wire.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.log.Debug("write failed", "error", err)
				s.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

// heartbeatLoop pings the session every HeartbeatInterval and closes it when
// no inbound frame arrived within IdleTimeout.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	ping, err := protocol.Marshal(protocol.PingMessage{})
	if err != nil {
		s.log.Error("marshaling ping", "error", err)
		return
	}

	for {
		select {
		case <-ticker.C:
			if s.now().Sub(s.LastInbound()) > IdleTimeout {
				s.log.Info("session idle, closing")
				s.Close(websocket.StatusInternalError, "heartbeat timeout")
				return
			}
			if err := s.Send(ping); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
