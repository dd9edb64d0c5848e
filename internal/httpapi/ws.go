package httpapi

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/coder/websocket"

	"github.com/simbridge/relay/internal/relay"
	"github.com/simbridge/relay/internal/store"
	"github.com/simbridge/relay/pkg/protocol"
)

// handleWS builds the attach endpoint for one device role. Authentication and
// ownership checks run before the upgrade so failures come back as plain HTTP.
// Mobile WebSocket stacks cannot set headers, so the token rides in the query
// string.
func (s *Server) handleWS(kind store.DeviceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = bearerToken(r)
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		accountID, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		deviceID, err := strconv.ParseInt(r.PathValue("deviceID"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid device id")
			return
		}
		device, err := s.store.DeviceByID(r.Context(), deviceID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if device.AccountID != accountID {
			writeError(w, http.StatusForbidden, "device belongs to another account")
			return
		}
		if device.Kind != kind {
			writeError(w, http.StatusBadRequest, "wrong device kind for this endpoint")
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Warn("websocket accept failed", "device_id", deviceID, "error", err)
			return
		}
		s.serveSession(device, conn)
	}
}

// serveSession runs one attached session until the connection drops or the
// device is displaced by a newer connection.
func (s *Server) serveSession(device *store.Device, conn *websocket.Conn) {
	sess := relay.NewSession(device.ID, device.Kind, conn, s.log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)

	defer func() {
		if p := recover(); p != nil {
			s.log.Error("session handler panicked",
				"device_id", device.ID, "panic", p, "stack", string(debug.Stack()))
			sess.Close(websocket.StatusInternalError, "internal error")
		}
		s.registry.Detach(sess)
		sess.Close(websocket.StatusNormalClosure, "")
	}()

	if err := sess.SendMessage(protocol.ConnectedMessage{DeviceID: device.ID}); err != nil {
		return
	}

	displaced := s.registry.Attach(sess)
	s.log.Info("session attached", "device_id", device.ID, "kind", device.Kind, "displaced", displaced)

	// A host coming from absent to present drains its queued commands. A
	// displacement swap is not such an edge: anything queued was already
	// replayed to the displaced session.
	if device.Kind == store.KindHost && !displaced {
		go relay.DrainPending(ctx, s.store, sess, s.log)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Info("session detached", "device_id", device.ID, "error", err)
			return
		}
		s.router.HandleFrame(ctx, sess, data)
	}
}
