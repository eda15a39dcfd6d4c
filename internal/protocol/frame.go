// Package protocol implements the gateway's verb-oriented JSON frame
// protocol: command/response/notification framing, payload schemas, the
// heartbeat sub-protocol, sensor metadata, and waveform decoding.
package protocol

import (
	"strings"

	json "github.com/goccy/go-json"
)

// Identity values carried on every protocol frame. The client always writes
// From=UI/To=SERV; the gateway answers with From=SERV/Target=UI.
const (
	IdentityClient = "UI"
	IdentityServer = "SERV"
)

// Command verbs. The prefix encodes direction and intent: POST_ mutates,
// GET_ queries, TAKE_ triggers an acquisition on the device.
const (
	VerbLogin        = "POST_LOGIN"
	VerbSubscribe    = "POST_SUB_CHANGES"
	VerbUnsubscribe  = "POST_UNSUB_CHANGES"
	VerbGetConnected = "GET_DYN_CONNECTED"
	VerbTakeReading  = "TAKE_DYN_READING"
)

// Response and notification types.
const (
	TypeReturn = "RTN_DYN"
	TypeError  = "RTN_ERR"

	NoteReadingStarted = "NOT_DYN_READING_STARTED"
	NoteReading        = "NOT_DYN_READING"
	NoteTemperature    = "NOT_DYN_TEMP"
)

// Frame is the protocol envelope. Data stays raw until the consumer knows
// which payload schema applies.
type Frame struct {
	Type          string          `json:"Type"`
	From          string          `json:"From,omitempty"`
	To            string          `json:"To,omitempty"`
	Target        string          `json:"Target,omitempty"`
	CorrelationId string          `json:"CorrelationId,omitempty"`
	Data          json.RawMessage `json:"Data,omitempty"`
}

// Kind classifies a frame type by its verb prefix.
type Kind int

const (
	KindUnknown Kind = iota
	KindCommand
	KindResponse
	KindNotification
)

// KindOf maps a frame type to its routing class.
func KindOf(typ string) Kind {
	switch {
	case strings.HasPrefix(typ, "RTN_"):
		return KindResponse
	case strings.HasPrefix(typ, "NOT_"):
		return KindNotification
	case strings.HasPrefix(typ, "POST_"), strings.HasPrefix(typ, "GET_"), strings.HasPrefix(typ, "TAKE_"):
		return KindCommand
	default:
		return KindUnknown
	}
}

// LoginRequest is the POST_LOGIN payload.
type LoginRequest struct {
	Email    string `json:"Email"`
	Password string `json:"Password"`
}

// TakeReadingRequest is the TAKE_DYN_READING payload.
type TakeReadingRequest struct {
	Serial string `json:"Serial"`
}

// ErrorPayload is the RTN_ERR payload. Attempt is kept raw: firmware
// versions disagree on whether it is a number or a string, and the value is
// surfaced to operators verbatim rather than interpreted.
type ErrorPayload struct {
	Attempt json.RawMessage `json:"Attempt,omitempty"`
	Error   string          `json:"Error"`
}

// AttemptString renders the raw Attempt value for error messages.
func (p ErrorPayload) AttemptString() string {
	if len(p.Attempt) == 0 {
		return ""
	}
	return strings.Trim(string(p.Attempt), `"`)
}

// ReadingStarted is the NOT_DYN_READING_STARTED payload.
type ReadingStarted struct {
	Serial  string `json:"Serial"`
	Success bool   `json:"Success"`
}

// TemperaturePayload is the NOT_DYN_TEMP payload. Degrees Celsius.
type TemperaturePayload struct {
	Serial      string  `json:"Serial"`
	Temperature float64 `json:"Temperature"`
}
