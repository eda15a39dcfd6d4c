package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	json "github.com/goccy/go-json"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/metrics"
	"github.com/RoninSTi/vibelink/internal/protocol"
)

// DefaultCommandTimeout bounds commands whose caller sets no deadline.
const DefaultCommandTimeout = 30 * time.Second

// PendingInfo describes one in-flight command for matching decisions.
type PendingInfo struct {
	ID     string
	Verb   string
	Issued time.Time
}

// Matcher decides which pending command a response frame completes. The
// pending slice is ordered oldest first. Returning ok=false drops the
// frame as unmatched.
type Matcher interface {
	Match(f *protocol.Frame, pending []PendingInfo) (id string, ok bool)
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(f *protocol.Frame, pending []PendingInfo) (string, bool)

func (fn MatcherFunc) Match(f *protocol.Frame, pending []PendingInfo) (string, bool) {
	return fn(f, pending)
}

// correlationThenOldest is the stock matcher. A response carrying a known
// correlation id completes that command; anything else falls back to the
// oldest pending command, because the gateway answers strictly in order
// and omits correlation ids on several firmware versions.
func correlationThenOldest(f *protocol.Frame, pending []PendingInfo) (string, bool) {
	if f.CorrelationId != "" {
		for _, p := range pending {
			if p.ID == f.CorrelationId {
				return p.ID, true
			}
		}
	}
	if len(pending) > 0 {
		return pending[0].ID, true
	}
	return "", false
}

type result struct {
	data json.RawMessage
	err  error
}

// PendingCall is one issued command awaiting completion.
type PendingCall struct {
	ID     string
	Verb   string
	Issued time.Time

	done chan result
}

// Wait blocks until the command completes or ctx is canceled. The
// command's own deadline is armed by the correlator; ctx only covers
// caller-side cancellation.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator pairs command frames with their response frames. Completion
// is exactly-once: the response, the deadline timer, an abort, and
// shutdown all race through the same delete-and-take.
type Correlator struct {
	logger  zerolog.Logger
	matcher Matcher

	mu       sync.Mutex
	calls    map[string]*pendingState
	order    *queue.Queue
	shutdown bool
}

type pendingState struct {
	call  *PendingCall
	timer *time.Timer
}

// NewCorrelator builds a correlator. A nil matcher installs the stock
// correlation-then-oldest behavior.
func NewCorrelator(logger zerolog.Logger, matcher Matcher) *Correlator {
	if matcher == nil {
		matcher = MatcherFunc(correlationThenOldest)
	}
	return &Correlator{
		logger:  logger.With().Str("component", "correlator").Logger(),
		matcher: matcher,
		calls:   make(map[string]*pendingState),
		order:   queue.New(),
	}
}

// Track registers a command before it goes on the wire and arms its
// deadline. timeout <= 0 picks DefaultCommandTimeout.
func (c *Correlator) Track(verb string, timeout time.Duration) (*PendingCall, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	call := &PendingCall{
		ID:     xid.New().String(),
		Verb:   verb,
		Issued: time.Now(),
		done:   make(chan result, 1),
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	st := &pendingState{call: call}
	st.timer = time.AfterFunc(timeout, func() { c.expire(call.ID, timeout) })
	c.calls[call.ID] = st
	c.order.Add(call.ID)
	metrics.SetPendingCommands(len(c.calls))
	c.mu.Unlock()

	return call, nil
}

// Complete routes a response frame to the pending command the matcher
// picks. Unmatched frames, including responses that arrive after their
// command timed out, are logged and dropped.
func (c *Correlator) Complete(f *protocol.Frame) {
	c.mu.Lock()
	id, ok := c.matcher.Match(f, c.snapshotLocked())
	if !ok {
		c.mu.Unlock()
		c.logger.Debug().
			Str("type", f.Type).
			Str("correlation_id", f.CorrelationId).
			Msg("Response matched no pending command")
		return
	}
	if f.CorrelationId == "" || f.CorrelationId != id {
		c.logger.Debug().
			Str("type", f.Type).
			Str("matched_id", id).
			Msg("Response carried no usable correlation id; matched oldest pending")
	}
	st := c.takeLocked(id)
	c.mu.Unlock()
	if st == nil {
		return
	}

	if f.Type == protocol.TypeError {
		var payload protocol.ErrorPayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			payload.Error = "gateway error"
		}
		cmdErr := &CommandError{
			Verb:    st.call.Verb,
			Attempt: payload.AttemptString(),
			Message: payload.Error,
		}
		c.finish(st, result{err: cmdErr}, metrics.OutcomeError)
		return
	}
	c.finish(st, result{data: f.Data}, metrics.OutcomeOK)
}

// Abort completes a tracked command with err, typically because the frame
// never made it onto the wire.
func (c *Correlator) Abort(id string, err error) {
	c.mu.Lock()
	st := c.takeLocked(id)
	c.mu.Unlock()
	if st == nil {
		return
	}
	c.finish(st, result{err: err}, metrics.OutcomeError)
}

// Shutdown fails every pending command with ErrShuttingDown and rejects
// all future Track calls.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	states := make([]*pendingState, 0, len(c.calls))
	for id := range c.calls {
		if st := c.takeLocked(id); st != nil {
			states = append(states, st)
		}
	}
	c.mu.Unlock()

	for _, st := range states {
		c.finish(st, result{err: ErrShuttingDown}, metrics.OutcomeShutdown)
	}
	if len(states) > 0 {
		c.logger.Info().Int("count", len(states)).Msg("Pending commands failed for shutdown")
	}
}

// PendingCount reports how many commands are awaiting a response.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *Correlator) expire(id string, timeout time.Duration) {
	c.mu.Lock()
	st := c.takeLocked(id)
	c.mu.Unlock()
	if st == nil {
		return
	}
	c.logger.Warn().
		Str("verb", st.call.Verb).
		Dur("timeout", timeout).
		Msg("Command timed out")
	c.finish(st, result{err: &TimeoutError{Verb: st.call.Verb, Timeout: timeout}}, metrics.OutcomeTimeout)
}

// takeLocked removes one pending command, stopping its deadline. Exactly
// one caller gets a non-nil state for any id. Caller holds mu.
func (c *Correlator) takeLocked(id string) *pendingState {
	st, ok := c.calls[id]
	if !ok {
		return nil
	}
	delete(c.calls, id)
	st.timer.Stop()
	metrics.SetPendingCommands(len(c.calls))
	return st
}

// snapshotLocked lists pending commands oldest first, dropping queue
// entries whose command already completed. Caller holds mu.
func (c *Correlator) snapshotLocked() []PendingInfo {
	for c.order.Length() > 0 {
		id, _ := c.order.Peek().(string)
		if _, live := c.calls[id]; live {
			break
		}
		c.order.Remove()
	}
	infos := make([]PendingInfo, 0, len(c.calls))
	for i := 0; i < c.order.Length(); i++ {
		id, _ := c.order.Get(i).(string)
		if st, live := c.calls[id]; live {
			infos = append(infos, PendingInfo{ID: id, Verb: st.call.Verb, Issued: st.call.Issued})
		}
	}
	return infos
}

func (c *Correlator) finish(st *pendingState, r result, outcome string) {
	st.call.done <- r
	metrics.RecordCommand(st.call.Verb, outcome, time.Since(st.call.Issued))
}
