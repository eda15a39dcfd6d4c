package gateway

import (
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/protocol"
)

// previewLimit caps how much of a frame the debug log shows.
const previewLimit = 200

// Router turns raw inbound frames into correlator completions and bus
// notifications. It must never take the session's read loop down, so it
// swallows panics from listeners and drops anything it cannot decode.
type Router struct {
	logger     zerolog.Logger
	correlator *Correlator
	bus        *Bus
}

// NewRouter wires the router to its two destinations.
func NewRouter(logger zerolog.Logger, correlator *Correlator, bus *Bus) *Router {
	return &Router{
		logger:     logger.With().Str("component", "router").Logger(),
		correlator: correlator,
		bus:        bus,
	}
}

// HandleRaw is the session's message callback. Frames are processed to
// completion in arrival order on the read loop goroutine.
func (r *Router) HandleRaw(raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Frame listener panicked")
		}
	}()

	r.logger.Debug().Str("frame", preview(raw)).Msg("Frame received")

	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		r.logger.Warn().Err(err).Str("frame", preview(raw)).Msg("Inbound frame dropped")
		return
	}

	switch protocol.KindOf(f.Type) {
	case protocol.KindResponse:
		r.correlator.Complete(f)
	case protocol.KindNotification:
		r.bus.Dispatch(f)
	default:
		r.logger.Warn().Str("type", f.Type).Msg("Frame type not routable")
	}
}

func preview(raw []byte) string {
	if len(raw) > previewLimit {
		return string(raw[:previewLimit])
	}
	return string(raw)
}
