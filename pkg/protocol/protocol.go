// Package protocol defines the wire format spoken between the relay and its
// WebSocket sessions.
//
// Every frame is a JSON object. Frames sent by devices carry a "type"
// discriminator drawn from a closed vocabulary (ping, command, event, webrtc);
// anything else is rejected up front. Command, event and webrtc frames are
// forwarded to the paired peer verbatim — the relay only reads the routing
// envelope (type, to_device_id, req_id) and never interprets domain fields.
//
// This package is intentionally free of external dependencies so the mobile
// clients can share it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies one of the four inbound frame types.
type Kind int

const (
	KindPing Kind = iota
	KindCommand
	KindEvent
	KindWebRTC
)

// String returns the wire-format type tag for the kind.
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindWebRTC:
		return "webrtc"
	}
	return "unknown"
}

var inboundKinds = map[string]Kind{
	"ping":    KindPing,
	"command": KindCommand,
	"event":   KindEvent,
	"webrtc":  KindWebRTC,
}

// ErrInvalidJSON is returned by ParseInbound when the frame is not a JSON object.
var ErrInvalidJSON = errors.New("invalid JSON")

// UnknownTypeError is returned by ParseInbound when the type tag is not part
// of the inbound vocabulary. The offending tag is preserved so the router can
// echo it back to the sender.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("invalid message type: %s", e.Type)
}

// Inbound is a parsed device frame. The original fields are retained so the
// frame can be forwarded to the peer without loss.
type Inbound struct {
	// Kind is the frame type.
	Kind Kind

	// To is the explicit target device id, or 0 when the frame relies on the
	// sender's pairing to resolve its target.
	To int64

	// ReqID is the opaque correlation id supplied by the sender, or empty.
	// The relay round-trips it and never interprets it.
	ReqID string

	fields map[string]json.RawMessage
}

// ParseInbound decodes a device frame, validating the type tag against the
// inbound vocabulary. It returns ErrInvalidJSON for non-object payloads and
// *UnknownTypeError for tags outside the vocabulary.
func ParseInbound(data []byte) (*Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, ErrInvalidJSON
	}

	var typ string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return nil, ErrInvalidJSON
		}
	}

	kind, ok := inboundKinds[typ]
	if !ok {
		return nil, &UnknownTypeError{Type: typ}
	}

	in := &Inbound{Kind: kind, fields: fields}

	if raw, ok := fields["to_device_id"]; ok {
		// A malformed target is ignored; the frame then routes by pairing.
		_ = json.Unmarshal(raw, &in.To)
	}
	if raw, ok := fields["req_id"]; ok {
		_ = json.Unmarshal(raw, &in.ReqID)
	}

	return in, nil
}

// WithFrom re-encodes the frame with from_device_id set to id, leaving every
// other field untouched. This is the shape delivered to the paired peer.
func (in *Inbound) WithFrom(id int64) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(in.fields)+1)
	for k, v := range in.fields {
		out[k] = v
	}
	idBytes, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshaling from_device_id: %w", err)
	}
	out["from_device_id"] = idBytes
	return json.Marshal(out)
}

// Raw returns the frame re-encoded without modification, for audit logging.
func (in *Inbound) Raw() ([]byte, error) {
	return json.Marshal(in.fields)
}

// Message is the interface implemented by all server-originated frames.
type Message interface {
	// MessageType returns the wire-format type tag (e.g. "connected", "pong").
	MessageType() string
}

// ConnectedMessage is the first frame sent on a freshly accepted session.
type ConnectedMessage struct {
	DeviceID int64 `json:"device_id"`
}

func (ConnectedMessage) MessageType() string { return "connected" }

// PingMessage is the server-initiated heartbeat probe.
type PingMessage struct{}

func (PingMessage) MessageType() string { return "ping" }

// PongMessage answers a device-initiated ping on the same session.
type PongMessage struct{}

func (PongMessage) MessageType() string { return "pong" }

// Presence and acknowledgement event names carried in EventMessage.
const (
	EventDeviceOnline  = "DEVICE_ONLINE"
	EventDeviceOffline = "DEVICE_OFFLINE"
	EventQueued        = "QUEUED"
)

// EventMessage is a server-originated event: a presence edge delivered to the
// paired peer, or the QUEUED acknowledgement for a command accepted while the
// host was offline.
type EventMessage struct {
	Event    string `json:"event"`
	DeviceID int64  `json:"device_id,omitempty"`
	ReqID    string `json:"req_id,omitempty"`
}

func (EventMessage) MessageType() string { return "event" }

// Marshal serializes a server frame, injecting the "type" discriminator.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// ErrorFrame is sent back to the offending session. Error frames carry no
// "type" tag; clients recognize them by the "error" key.
type ErrorFrame struct {
	Error          string `json:"error"`
	TargetDeviceID int64  `json:"target_device_id,omitempty"`
	ReqID          string `json:"req_id,omitempty"`
}

// Well-known error frame texts.
const (
	ErrTextNoPairedHost   = "no paired host"
	ErrTextNoPairedClient = "no paired client"
	ErrTextNotPaired      = "not paired"
	ErrTextTargetOffline  = "target_offline"
)

// MarshalError serializes an error frame.
func MarshalError(f ErrorFrame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// TargetOffline builds the error frame reported when the resolved target has
// no live session, echoing the sender's correlation id.
func TargetOffline(target int64, reqID string) []byte {
	return MarshalError(ErrorFrame{
		Error:          ErrTextTargetOffline,
		TargetDeviceID: target,
		ReqID:          reqID,
	})
}
