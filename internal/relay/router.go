package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/simbridge/relay/internal/store"
	"github.com/simbridge/relay/pkg/protocol"
)

// Router classifies inbound frames, authorizes them against the pairing
// table, and forwards them to the paired peer — or queues commands for absent
// hosts. Each frame runs against a fresh store transaction; the router holds
// no cross-frame state.
type Router struct {
	store    *store.Store
	registry *Registry
	log      *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(st *store.Store, reg *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    st,
		registry: reg,
		log:      logger.With("component", "router"),
	}
}

// HandleFrame processes one inbound frame from sender. Errors are reported
// to the sender as error frames; HandleFrame never fails the session itself.
func (rt *Router) HandleFrame(ctx context.Context, sender *Session, data []byte) {
	sender.TouchInbound()

	in, err := protocol.ParseInbound(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			rt.sendError(sender, unknown.Error())
		} else {
			rt.sendError(sender, protocol.ErrInvalidJSON.Error())
		}
		return
	}

	switch in.Kind {
	case protocol.KindPing:
		if err := sender.SendMessage(protocol.PongMessage{}); err != nil {
			rt.log.Debug("pong failed", "device_id", sender.DeviceID, "error", err)
		}
	case protocol.KindCommand:
		rt.handleCommand(ctx, sender, in)
	case protocol.KindEvent:
		rt.handleEvent(ctx, sender, in)
	case protocol.KindWebRTC:
		rt.handleWebRTC(ctx, sender, in)
	}
}

// handleCommand forwards a client command to its paired host, queueing it
// when the host has no session.
func (rt *Router) handleCommand(ctx context.Context, sender *Session, in *protocol.Inbound) {
	target, ok := rt.resolveTarget(ctx, sender, in, protocol.ErrTextNoPairedHost, rt.commandTarget)
	if !ok {
		return
	}

	payload, err := in.WithFrom(sender.DeviceID)
	if err != nil {
		rt.log.Error("encoding forwarded command", "error", err)
		return
	}
	rt.logMessage(ctx, sender.DeviceID, target, "command", in)

	if sess := rt.registry.Lookup(target); sess != nil {
		if err := sess.Send(payload); err == nil {
			return
		}
		// Send failure means the target just went away; fall through to the
		// offline path.
	}

	if _, err := rt.store.EnqueueCommand(ctx, target, sender.DeviceID, payload); err != nil {
		rt.log.Error("queueing command", "host_device_id", target, "error", err)
		rt.sendError(sender, "service unavailable")
		return
	}
	if err := sender.SendMessage(protocol.EventMessage{Event: protocol.EventQueued, ReqID: in.ReqID}); err != nil {
		rt.log.Debug("queued ack failed", "device_id", sender.DeviceID, "error", err)
	}
}

// handleEvent forwards a host event to its paired client. Events are never
// queued: an absent client yields a target_offline error to the sender.
func (rt *Router) handleEvent(ctx context.Context, sender *Session, in *protocol.Inbound) {
	target, ok := rt.resolveTarget(ctx, sender, in, protocol.ErrTextNoPairedClient, rt.eventTarget)
	if !ok {
		return
	}

	rt.logMessage(ctx, sender.DeviceID, target, "event", in)
	rt.forwardOrReportOffline(sender, in, target)
}

// handleWebRTC forwards a signaling frame to the paired peer in either
// direction. WebRTC frames are not audit-logged.
func (rt *Router) handleWebRTC(ctx context.Context, sender *Session, in *protocol.Inbound) {
	noPeer := protocol.ErrTextNoPairedClient
	resolve := rt.eventTarget
	if sender.Kind == store.KindClient {
		noPeer = protocol.ErrTextNoPairedHost
		resolve = rt.commandTarget
	}
	target, ok := rt.resolveTarget(ctx, sender, in, noPeer, resolve)
	if !ok {
		return
	}
	rt.forwardOrReportOffline(sender, in, target)
}

func (rt *Router) forwardOrReportOffline(sender *Session, in *protocol.Inbound, target int64) {
	payload, err := in.WithFrom(sender.DeviceID)
	if err != nil {
		rt.log.Error("encoding forwarded frame", "error", err)
		return
	}

	sess := rt.registry.Lookup(target)
	if sess == nil || sess.Send(payload) != nil {
		if err := sender.Send(protocol.TargetOffline(target, in.ReqID)); err != nil {
			rt.log.Debug("offline report failed", "device_id", sender.DeviceID, "error", err)
		}
	}
}

// targetResolver resolves the implicit peer for a sender, or validates an
// explicit one.
type targetResolver func(ctx context.Context, sender *Session, explicit int64) (int64, error)

// resolveTarget applies the resolver and translates failures into the
// appropriate error frame: noPeerText when the sender has no pairing at all,
// "not paired" when an explicit target is not linked to the sender.
func (rt *Router) resolveTarget(ctx context.Context, sender *Session, in *protocol.Inbound, noPeerText string, resolve targetResolver) (int64, bool) {
	target, err := resolve(ctx, sender, in.To)
	switch {
	case err == nil:
		return target, true
	case errors.Is(err, store.ErrNotFound):
		if in.To != 0 {
			rt.sendError(sender, protocol.ErrTextNotPaired)
		} else {
			rt.sendError(sender, noPeerText)
		}
	default:
		rt.log.Error("resolving target", "device_id", sender.DeviceID, "error", err)
		rt.sendError(sender, "service unavailable")
	}
	return 0, false
}

// commandTarget resolves the host a command goes to: the explicit target if
// it is paired with the sender as host, else the sender's paired host.
func (rt *Router) commandTarget(ctx context.Context, sender *Session, explicit int64) (int64, error) {
	if explicit != 0 {
		if _, err := rt.store.PairingByDevices(ctx, explicit, sender.DeviceID); err != nil {
			return 0, err
		}
		return explicit, nil
	}
	p, err := rt.store.PairingForClient(ctx, sender.DeviceID)
	if err != nil {
		return 0, err
	}
	return p.HostDeviceID, nil
}

// eventTarget resolves the client an event goes to.
func (rt *Router) eventTarget(ctx context.Context, sender *Session, explicit int64) (int64, error) {
	if explicit != 0 {
		if _, err := rt.store.PairingByDevices(ctx, sender.DeviceID, explicit); err != nil {
			return 0, err
		}
		return explicit, nil
	}
	p, err := rt.store.PairingForHost(ctx, sender.DeviceID)
	if err != nil {
		return 0, err
	}
	return p.ClientDeviceID, nil
}

// logMessage appends the audit log entry for a forwarded frame. Audit
// failures never fail the relay of the frame itself.
func (rt *Router) logMessage(ctx context.Context, from, to int64, msgType string, in *protocol.Inbound) {
	raw, err := in.Raw()
	if err != nil {
		rt.log.Error("encoding audit payload", "error", err)
		return
	}
	if err := rt.store.InsertMessageLog(ctx, from, to, msgType, raw); err != nil {
		rt.log.Error("writing audit log", "from", from, "to", to, "error", err)
	}
}

func (rt *Router) sendError(sender *Session, text string) {
	if err := sender.Send(protocol.MarshalError(protocol.ErrorFrame{Error: text})); err != nil {
		rt.log.Debug("error frame failed", "device_id", sender.DeviceID, "error", err)
	}
}

// RelayStatus is the synchronous outcome of a REST-initiated command.
type RelayStatus string

const (
	// StatusDelivered means the host session accepted the frame.
	StatusDelivered RelayStatus = "delivered"
	// StatusQueued means the host was offline and the command was stored for
	// replay on its next attach.
	StatusQueued RelayStatus = "queued"
)

// RelayResult is returned to REST callers.
type RelayResult struct {
	Status RelayStatus
	ReqID  string
}

// RelayCommand is the REST alternative to a WS command frame: it authorizes
// fromDevice against hostDevice via the pairing table, assigns a correlation
// id when the caller supplied none, then forwards or queues.
func (rt *Router) RelayCommand(ctx context.Context, fromDeviceID, hostDeviceID int64, frame map[string]any) (*RelayResult, error) {
	if _, err := rt.store.PairingByDevices(ctx, hostDeviceID, fromDeviceID); err != nil {
		return nil, err
	}

	reqID, _ := frame["req_id"].(string)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	frame["req_id"] = reqID

	logged, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := rt.store.InsertMessageLog(ctx, fromDeviceID, hostDeviceID, "command", logged); err != nil {
		rt.log.Error("writing audit log", "from", fromDeviceID, "to", hostDeviceID, "error", err)
	}

	frame["from_device_id"] = fromDeviceID
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	if sess := rt.registry.Lookup(hostDeviceID); sess != nil {
		if err := sess.Send(payload); err == nil {
			return &RelayResult{Status: StatusDelivered, ReqID: reqID}, nil
		}
	}

	if _, err := rt.store.EnqueueCommand(ctx, hostDeviceID, fromDeviceID, payload); err != nil {
		return nil, err
	}
	return &RelayResult{Status: StatusQueued, ReqID: reqID}, nil
}
