package protocol

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// ErrMissingType marks an inbound JSON object with no Type field. Such
// frames are dropped by the router, never fatal.
var ErrMissingType = errors.New("frame has no Type field")

// payloadCheck validates the Data member of a typed inbound frame.
// Unknown fields never fail validation; gateways add fields between
// firmware releases and old clients must keep working.
type payloadCheck func(data json.RawMessage) error

// Inbound frame types with a registered payload schema. Types without an
// entry pass through unvalidated.
var payloadChecks = map[string]payloadCheck{
	TypeError: func(data json.RawMessage) error {
		var p ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Error == "" {
			return errors.New("missing Error field")
		}
		return nil
	},
	NoteReadingStarted: func(data json.RawMessage) error {
		var p ReadingStarted
		return json.Unmarshal(data, &p)
	},
	NoteTemperature: func(data json.RawMessage) error {
		var p TemperaturePayload
		return json.Unmarshal(data, &p)
	},
	NoteReading: func(data json.RawMessage) error {
		var p ReadingPayload
		return json.Unmarshal(data, &p)
	},
}

// DecodeFrame parses and validates one inbound protocol frame.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("frame is not valid JSON: %w", err)
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	if check, ok := payloadChecks[f.Type]; ok {
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("%s frame has no Data", f.Type)
		}
		if err := check(f.Data); err != nil {
			return nil, fmt.Errorf("%s payload invalid: %w", f.Type, err)
		}
	}
	return &f, nil
}

// EncodeCommand builds an outbound command frame. The correlation id is
// assigned by the caller so the response can be matched back.
func EncodeCommand(verb, correlationID string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", verb, err)
		}
		raw = b
	}
	frame := Frame{
		Type:          verb,
		From:          IdentityClient,
		To:            IdentityServer,
		CorrelationId: correlationID,
		Data:          raw,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", verb, err)
	}
	return b, nil
}

// Redact returns a copy of an outbound frame safe for debug logging:
// any Password value inside Data is replaced. The original bytes are
// returned untouched when there is nothing to hide.
func Redact(raw []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return raw
	}
	data, ok := envelope["Data"]
	if !ok {
		return raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return raw
	}
	if _, ok := fields["Password"]; !ok {
		return raw
	}
	fields["Password"] = json.RawMessage(`"[REDACTED]"`)

	newData, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	envelope["Data"] = newData
	redacted, err := json.Marshal(envelope)
	if err != nil {
		return raw
	}
	return redacted
}

// The heartbeat sub-protocol rides the same socket as protocol frames but
// uses a lowercase "type" key so the two never collide.

type controlFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Ping encodes a heartbeat probe carrying the send time in Unix millis.
func Ping(now time.Time) []byte {
	b, _ := json.Marshal(controlFrame{Type: "ping", Timestamp: now.UnixMilli()})
	return b
}

// Pong encodes a heartbeat reply.
func Pong() []byte {
	b, _ := json.Marshal(controlFrame{Type: "pong"})
	return b
}

// ControlType reports the heartbeat type ("ping" or "pong") of a raw
// message, or ok=false for protocol frames and anything else. The check is
// on the exact lowercase "type" key: struct decoding alone would also match
// "Type" and misread protocol frames.
func ControlType(raw []byte) (string, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	v, ok := m["type"]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	if s != "ping" && s != "pong" {
		return "", false
	}
	return s, true
}
