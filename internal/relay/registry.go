package relay

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/simbridge/relay/internal/store"
)

// presenceBuffer bounds the registry's event channel. Presence is
// best-effort; if no consumer keeps up, edges are dropped, never blocked on.
const presenceBuffer = 256

// PresenceEvent is one presence edge: a device gaining or losing its live
// session. Displacement swaps sessions without producing an edge.
type PresenceEvent struct {
	DeviceID int64
	Kind     store.DeviceKind
	Online   bool
}

// Registry maps device ids to their single live session. All transitions are
// serialized under one mutex; connection close and channel sends happen
// outside it.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session

	events chan PresenceEvent
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:      logger.With("component", "registry"),
		sessions: make(map[int64]*Session),
		events:   make(chan PresenceEvent, presenceBuffer),
	}
}

// Attach registers s as the device's session. A session already registered
// for the same device is displaced: closed with a policy-violation status
// after the lock is released. Attach reports whether a displacement happened;
// only a non-displacing attach is an online edge.
func (r *Registry) Attach(s *Session) (displaced bool) {
	r.mu.Lock()
	prior := r.sessions[s.DeviceID]
	r.sessions[s.DeviceID] = s
	r.mu.Unlock()

	if prior != nil {
		r.log.Info("session displaced", "device_id", s.DeviceID)
		prior.Close(websocket.StatusPolicyViolation, "replaced by new connection")
		return true
	}

	r.emit(PresenceEvent{DeviceID: s.DeviceID, Kind: s.Kind, Online: true})
	return false
}

// Detach removes s from the registry. It is a no-op unless s is the
// currently registered session, so a displaced session detaching itself never
// removes its replacement. Removal is an offline edge.
func (r *Registry) Detach(s *Session) (removed bool) {
	r.mu.Lock()
	if r.sessions[s.DeviceID] == s {
		delete(r.sessions, s.DeviceID)
		removed = true
	}
	r.mu.Unlock()

	if removed {
		r.emit(PresenceEvent{DeviceID: s.DeviceID, Kind: s.Kind, Online: false})
	}
	return removed
}

// Lookup returns the device's live session, or nil. Presence is defined as
// Lookup(d) != nil.
func (r *Registry) Lookup(deviceID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[deviceID]
}

// Snapshot returns the ids of all currently connected devices.
func (r *Registry) Snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of connected devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Events exposes the presence edge stream. A single consumer is expected.
func (r *Registry) Events() <-chan PresenceEvent {
	return r.events
}

// CloseAll force-closes every registered session, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[int64]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (r *Registry) emit(ev PresenceEvent) {
	select {
	case r.events <- ev:
	default:
		r.log.Warn("presence event dropped", "device_id", ev.DeviceID, "online", ev.Online)
	}
}
