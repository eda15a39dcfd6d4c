package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrShuttingDown completes every pending command when the client is
	// torn down on purpose.
	ErrShuttingDown = errors.New("client is shutting down")

	// ErrNotConnected rejects a command the session could not put on the
	// wire. There is no outbound queue; callers retry after reconnect.
	ErrNotConnected = errors.New("session not open, command not sent")

	// ErrNoSensors means discovery found nothing live to read from.
	ErrNoSensors = errors.New("no sensors available")
)

// CommandError is a gateway-reported failure (an RTN_ERR frame). Attempt
// carries the gateway's own description of what it was trying to do,
// verbatim; some firmware sends a verb string, some a number.
type CommandError struct {
	Verb    string
	Attempt string
	Message string
}

func (e *CommandError) Error() string {
	if e.Attempt != "" {
		return fmt.Sprintf("%s failed: %s (gateway attempt %s)", e.Verb, e.Message, e.Attempt)
	}
	return fmt.Sprintf("%s failed: %s", e.Verb, e.Message)
}

// TimeoutError means no response arrived inside the command's deadline.
type TimeoutError struct {
	Verb    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Verb, e.Timeout.Milliseconds())
}
