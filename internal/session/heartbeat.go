package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/protocol"
)

// Default heartbeat pacing. The gateway answers pings within a second or
// two on a healthy link; five seconds of silence after a probe means the
// TCP connection is a zombie even if the kernel still thinks otherwise.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
)

// Heartbeat probes gateway liveness with application-level ping frames.
// After every ping it arms a response deadline; a pong disarms it. If the
// deadline fires, the timeout hook runs exactly once and the heartbeat
// stops itself.
//
// Pings ride the session socket but are invisible to the frame router;
// the session feeds pongs back via Pong.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stopped  bool
	deadline *time.Timer
	stopCh   chan struct{}
}

// NewHeartbeat builds a stopped heartbeat. Zero durations pick the defaults.
func NewHeartbeat(interval, timeout time.Duration, logger zerolog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Heartbeat{
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins probing. send enqueues one frame on the session socket;
// onTimeout is called from a timer goroutine when a probe goes unanswered.
func (h *Heartbeat) Start(send func([]byte) bool, onTimeout func()) {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.beat(send, onTimeout)
			}
		}
	}()
}

func (h *Heartbeat) beat(send func([]byte) bool, onTimeout func()) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	// A send into a dead socket is fine: no pong will come back and the
	// deadline does the rest.
	if !send(protocol.Ping(time.Now())) {
		h.logger.Debug().Msg("Heartbeat ping not sent; socket not open")
	}
	h.deadline = time.AfterFunc(h.timeout, func() { h.expire(onTimeout) })
	h.mu.Unlock()
}

// Pong records a heartbeat reply and disarms the pending deadline.
func (h *Heartbeat) Pong() {
	h.mu.Lock()
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
	h.mu.Unlock()
}

func (h *Heartbeat) expire(onTimeout func()) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.deadline = nil
	close(h.stopCh)
	h.mu.Unlock()

	h.logger.Warn().Dur("timeout", h.timeout).Msg("Heartbeat reply missed")
	onTimeout()
}

// Stop cancels the probe ticker and any armed deadline. Safe to call any
// number of times, from any goroutine.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
	close(h.stopCh)
	h.mu.Unlock()
}
