package relay

import (
	"context"
	"log/slog"

	"github.com/simbridge/relay/internal/store"
	"github.com/simbridge/relay/pkg/protocol"
)

// PresenceNotifier consumes the registry's edge stream and tells each
// connected paired peer when a device comes online or drops. Delivery is
// best-effort: a peer that cannot take the frame just misses the edge.
type PresenceNotifier struct {
	store    *store.Store
	registry *Registry
	log      *slog.Logger
}

// NewPresenceNotifier creates a PresenceNotifier.
func NewPresenceNotifier(st *store.Store, reg *Registry, logger *slog.Logger) *PresenceNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceNotifier{
		store:    st,
		registry: reg,
		log:      logger.With("component", "presence"),
	}
}

// Run blocks consuming presence edges until ctx is done.
func (n *PresenceNotifier) Run(ctx context.Context) {
	for {
		select {
		case ev := <-n.registry.Events():
			n.broadcast(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (n *PresenceNotifier) broadcast(ctx context.Context, ev PresenceEvent) {
	peers, err := n.store.PairedPeers(ctx, ev.DeviceID)
	if err != nil {
		n.log.Error("listing paired peers", "device_id", ev.DeviceID, "error", err)
		return
	}

	event := protocol.EventDeviceOffline
	if ev.Online {
		event = protocol.EventDeviceOnline
	}
	msg := protocol.EventMessage{Event: event, DeviceID: ev.DeviceID}

	for _, peer := range peers {
		sess := n.registry.Lookup(peer)
		if sess == nil {
			continue
		}
		if err := sess.SendMessage(msg); err != nil {
			n.log.Debug("presence notify failed", "peer_device_id", peer, "error", err)
		}
	}
}
