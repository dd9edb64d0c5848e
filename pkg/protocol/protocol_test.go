package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseInbound_Kinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     string
		wantKind Kind
		wantTo   int64
		wantReq  string
	}{
		{
			name:     "ping",
			data:     `{"type":"ping"}`,
			wantKind: KindPing,
		},
		{
			name:     "command with correlation id",
			data:     `{"type":"command","cmd":"SEND_SMS","sim":1,"to":"+1","body":"hi","req_id":"r1"}`,
			wantKind: KindCommand,
			wantReq:  "r1",
		},
		{
			name:     "event with explicit target",
			data:     `{"type":"event","event":"SMS_RECEIVED","to_device_id":7}`,
			wantKind: KindEvent,
			wantTo:   7,
		},
		{
			name:     "webrtc",
			data:     `{"type":"webrtc","sdp":"v=0","req_id":"w9"}`,
			wantKind: KindWebRTC,
			wantReq:  "w9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in, err := ParseInbound([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseInbound() error: %v", err)
			}
			if in.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", in.Kind, tt.wantKind)
			}
			if in.To != tt.wantTo {
				t.Errorf("To = %d, want %d", in.To, tt.wantTo)
			}
			if in.ReqID != tt.wantReq {
				t.Errorf("ReqID = %q, want %q", in.ReqID, tt.wantReq)
			}
		})
	}
}

func TestParseInbound_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := ParseInbound([]byte(`{"type":"foo"}`))
	var ute *UnknownTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("error = %v, want *UnknownTypeError", err)
	}
	if ute.Type != "foo" {
		t.Errorf("Type = %q, want %q", ute.Type, "foo")
	}
	if got, want := ute.Error(), "invalid message type: foo"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestParseInbound_MissingType(t *testing.T) {
	t.Parallel()

	_, err := ParseInbound([]byte(`{"cmd":"SEND_SMS"}`))
	var ute *UnknownTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("error = %v, want *UnknownTypeError", err)
	}
	if ute.Type != "" {
		t.Errorf("Type = %q, want empty", ute.Type)
	}
}

func TestParseInbound_InvalidJSON(t *testing.T) {
	t.Parallel()

	for _, data := range []string{`not json`, `[1,2]`, `{"type":42}`} {
		if _, err := ParseInbound([]byte(data)); !errors.Is(err, ErrInvalidJSON) {
			t.Errorf("ParseInbound(%q) error = %v, want ErrInvalidJSON", data, err)
		}
	}
}

func TestInbound_WithFrom(t *testing.T) {
	t.Parallel()

	in, err := ParseInbound([]byte(`{"type":"command","cmd":"SEND_SMS","sim":2,"to":"+31","body":"x","req_id":"r7"}`))
	if err != nil {
		t.Fatalf("ParseInbound() error: %v", err)
	}

	data, err := in.WithFrom(42)
	if err != nil {
		t.Fatalf("WithFrom() error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decoding forwarded frame: %v", err)
	}

	if got["from_device_id"] != float64(42) {
		t.Errorf("from_device_id = %v, want 42", got["from_device_id"])
	}
	// Every original field must survive verbatim.
	for k, want := range map[string]any{
		"type": "command", "cmd": "SEND_SMS", "sim": float64(2),
		"to": "+31", "body": "x", "req_id": "r7",
	} {
		if got[k] != want {
			t.Errorf("%s = %v, want %v", k, got[k], want)
		}
	}
}

func TestMarshal_ServerFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     Message
		wantTyp string
	}{
		{name: "connected", msg: ConnectedMessage{DeviceID: 3}, wantTyp: "connected"},
		{name: "ping", msg: PingMessage{}, wantTyp: "ping"},
		{name: "pong", msg: PongMessage{}, wantTyp: "pong"},
		{name: "presence", msg: EventMessage{Event: EventDeviceOffline, DeviceID: 3}, wantTyp: "event"},
		{name: "queued", msg: EventMessage{Event: EventQueued, ReqID: "r1"}, wantTyp: "event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error: %v", err)
			}
			var raw map[string]any
			if err := json.Unmarshal(data, &raw); err != nil {
				t.Fatalf("decoding marshaled frame: %v", err)
			}
			if raw["type"] != tt.wantTyp {
				t.Errorf("type = %v, want %q", raw["type"], tt.wantTyp)
			}
		})
	}
}

func TestTargetOffline(t *testing.T) {
	t.Parallel()

	var got map[string]any
	if err := json.Unmarshal(TargetOffline(2, "r1"), &got); err != nil {
		t.Fatalf("decoding error frame: %v", err)
	}
	if got["error"] != "target_offline" {
		t.Errorf("error = %v, want target_offline", got["error"])
	}
	if got["target_device_id"] != float64(2) {
		t.Errorf("target_device_id = %v, want 2", got["target_device_id"])
	}
	if got["req_id"] != "r1" {
		t.Errorf("req_id = %v, want r1", got["req_id"])
	}
	if _, hasType := got["type"]; hasType {
		t.Error("error frame must not carry a type tag")
	}
}
