package relay

import (
	"context"
	"log/slog"

	"github.com/simbridge/relay/internal/store"
)

// DrainPending replays a host's queued commands onto its freshly attached
// session, oldest first. Each frame is marked delivered only after the session
// accepted it; a failure mid-drain leaves the remainder queued for the next
// attach.
func DrainPending(ctx context.Context, st *store.Store, sess *Session, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "replay", "device_id", sess.DeviceID)

	cmds, err := st.UndeliveredCommands(ctx, sess.DeviceID)
	if err != nil {
		log.Error("listing pending commands", "error", err)
		return
	}
	if len(cmds) == 0 {
		return
	}

	delivered := 0
	for _, cmd := range cmds {
		if err := sess.Send(cmd.Payload); err != nil {
			log.Info("replay interrupted", "delivered", delivered, "remaining", len(cmds)-delivered)
			return
		}
		if err := st.MarkCommandDelivered(ctx, cmd.ID); err != nil {
			log.Error("marking command delivered", "pending_id", cmd.ID, "error", err)
			return
		}
		delivered++
	}
	log.Info("pending commands replayed", "count", delivered)
}
