// Package session owns the WebSocket connection to one gateway: dialing,
// the connection state machine, reconnection with jittered backoff, the
// application-level heartbeat, and non-blocking frame writes.
//
// The session is transport only. It hands every inbound protocol frame to
// the registered message handler in arrival order and knows nothing about
// verbs, correlation, or acquisitions.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/backoff"
	"github.com/RoninSTi/vibelink/internal/metrics"
	"github.com/RoninSTi/vibelink/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrShuttingDown rejects operations after Close or Terminate.
	ErrShuttingDown = errors.New("session is shutting down")
	// ErrBadState rejects Connect outside Disconnected/Closed.
	ErrBadState = errors.New("connect only valid when disconnected or closed")
)

const (
	// writeWait bounds one socket write.
	writeWait = 10 * time.Second
	// sendBuffer is the outbound channel depth. A full buffer fails the
	// send; there is no outbound queue beyond it.
	sendBuffer = 256
	// tcpKeepAlive keeps NAT and load-balancer state alive between frames.
	tcpKeepAlive = 30 * time.Second
)

// Config carries the session's construction parameters.
type Config struct {
	URL               string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Backoff overrides the reconnect pacing, mainly for tests.
	Backoff *backoff.Policy
}

// Session runs the state machine for one gateway connection.
type Session struct {
	cfg    Config
	logger zerolog.Logger
	policy *backoff.Policy

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	sendCh         chan []byte
	connDone       chan struct{}
	heartbeat      *Heartbeat
	reconnectTimer *time.Timer
	onMessage      func([]byte)
	onOpen         func()

	// connGen increments on every connection set-up and teardown so a
	// stale pump or timer callback from an older connection is a no-op.
	connGen int

	shuttingDown atomic.Bool
	closeOnce    sync.Once
}

// New builds a disconnected session.
func New(cfg Config, logger zerolog.Logger) *Session {
	policy := cfg.Backoff
	if policy == nil {
		policy = backoff.New()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With().Str("component", "session").Logger(),
		policy: policy,
		state:  Disconnected,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnMessage registers the single inbound frame handler. Frames are
// delivered in arrival order, one at a time; heartbeat pongs never reach it.
func (s *Session) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnOpen registers the single open hook, fired exactly once per successful
// connect, after the state is Connected.
func (s *Session) OnOpen(fn func()) {
	s.mu.Lock()
	s.onOpen = fn
	s.mu.Unlock()
}

// Connect dials the gateway. Valid only from Disconnected or Closed. On
// dial failure the session returns to Disconnected and a reconnect is
// scheduled, so a single Connect call starts a persistent campaign.
func (s *Session) Connect() error {
	if s.shuttingDown.Load() {
		return ErrShuttingDown
	}

	s.mu.Lock()
	if s.state != Disconnected && s.state != Closed {
		st := s.state
		s.mu.Unlock()
		s.logger.Warn().Str("state", st.String()).Msg("Connect ignored")
		return fmt.Errorf("connect from %s: %w", st, ErrBadState)
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.ConnectTimeout,
		NetDialContext:   keepAliveDialer(s.cfg.ConnectTimeout),
	}

	conn, _, err := dialer.Dial(s.cfg.URL, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", s.cfg.URL).Msg("Dial failed")
		s.mu.Lock()
		if !s.shuttingDown.Load() {
			s.setStateLocked(Disconnected)
		}
		s.mu.Unlock()
		s.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	if s.shuttingDown.Load() {
		// Close or Terminate won the race against the dial.
		s.mu.Unlock()
		conn.Close()
		return ErrShuttingDown
	}
	s.connGen++
	gen := s.connGen
	s.conn = conn
	s.sendCh = make(chan []byte, sendBuffer)
	s.connDone = make(chan struct{})
	hb := NewHeartbeat(s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout, s.logger)
	s.heartbeat = hb
	s.policy.Reset()
	s.setStateLocked(Connected)
	onOpen := s.onOpen
	sendCh, connDone := s.sendCh, s.connDone
	s.mu.Unlock()

	s.logger.Info().Str("url", s.cfg.URL).Msg("Connected to gateway")

	go s.writeLoop(conn, sendCh, connDone)
	go s.readLoop(conn, gen)
	hb.Start(s.Send, func() { s.onHeartbeatTimeout(gen) })

	if onOpen != nil {
		onOpen()
	}
	return nil
}

// Send enqueues one frame for writing. It reports true only when the state
// is Connected or Authenticated and buffer space was available; it never
// blocks on the network.
func (s *Session) Send(data []byte) bool {
	s.mu.Lock()
	if s.state != Connected && s.state != Authenticated {
		s.mu.Unlock()
		return false
	}
	ch := s.sendCh
	s.mu.Unlock()

	select {
	case ch <- data:
		return true
	default:
		s.logger.Warn().Msg("Send buffer full; frame dropped")
		return false
	}
}

// MarkAuthenticated records a successful login. Legal only from Connected;
// any other state logs a warning and changes nothing.
func (s *Session) MarkAuthenticated() {
	s.mu.Lock()
	if s.state != Connected {
		st := s.state
		s.mu.Unlock()
		s.logger.Warn().Str("state", st.String()).Msg("markAuthenticated outside Connected ignored")
		return
	}
	s.setStateLocked(Authenticated)
	s.mu.Unlock()
}

// Close shuts the session down for good: the reconnect timer is drained,
// the heartbeat stopped, a close frame with the given code sent, and the
// state moved through Closing to Closed. Subsequent calls are no-ops.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.shuttingDown.Store(true)

		s.mu.Lock()
		s.setStateLocked(Closing)
		conn, hb := s.dropConnLocked()
		timer := s.reconnectTimer
		s.reconnectTimer = nil
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if hb != nil {
			hb.Stop()
		}
		if conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				s.logger.Debug().Err(err).Msg("Close frame not delivered")
			}
			conn.Close()
		}

		s.mu.Lock()
		s.setStateLocked(Closed)
		s.mu.Unlock()
		s.logger.Info().Int("code", code).Str("reason", reason).Msg("Session closed")
	})
}

// Terminate drops the socket immediately: no close frame, no reconnect.
func (s *Session) Terminate() {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	conn, hb := s.dropConnLocked()
	timer := s.reconnectTimer
	s.reconnectTimer = nil
	s.setStateLocked(Closed)
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if hb != nil {
		hb.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	s.logger.Info().Msg("Session terminated")
}

// dropConnLocked detaches the live connection's resources and invalidates
// pumps and timer callbacks belonging to it. Caller holds mu and closes
// the returned conn and heartbeat outside the lock.
func (s *Session) dropConnLocked() (*websocket.Conn, *Heartbeat) {
	conn, hb := s.conn, s.heartbeat
	s.conn = nil
	s.heartbeat = nil
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.connGen++
	return conn, hb
}

func (s *Session) setStateLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	if next == Authenticated {
		metrics.SessionUp()
	} else if prev == Authenticated {
		metrics.SessionDown()
	}
	s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("Session state changed")
}

func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.afterReadError(gen, err)
			return
		}

		if ct, ok := protocol.ControlType(data); ok {
			if ct == "pong" {
				s.mu.Lock()
				hb := s.heartbeat
				s.mu.Unlock()
				if hb != nil {
					hb.Pong()
				}
			}
			continue
		}

		metrics.RecordFrameReceived()

		s.mu.Lock()
		st := s.state
		fn := s.onMessage
		s.mu.Unlock()

		if st == Closing || st == Closed {
			s.logger.Debug().Msg("Frame discarded during shutdown")
			continue
		}
		if fn != nil {
			fn(data)
		}
	}
}

// afterReadError classifies why the read pump died and drives the state
// machine: our own shutdown and gateway closes with 1000/1008 are final,
// everything else reconnects through backoff.
func (s *Session) afterReadError(gen int, err error) {
	s.mu.Lock()
	if gen != s.connGen {
		// Close, Terminate or the heartbeat already tore this
		// connection down.
		s.mu.Unlock()
		return
	}
	conn, hb := s.dropConnLocked()
	shutdown := s.shuttingDown.Load()
	suppress := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation)
	if shutdown || suppress {
		s.setStateLocked(Closed)
	} else {
		s.setStateLocked(Disconnected)
	}
	s.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	if conn != nil {
		conn.Close()
	}

	switch {
	case shutdown:
		s.logger.Debug().Err(err).Msg("Socket closed during shutdown")
	case suppress:
		var ce *websocket.CloseError
		errors.As(err, &ce)
		s.logger.Info().Int("code", ce.Code).Str("reason", ce.Text).Msg("Gateway ended the session; not reconnecting")
	default:
		s.logger.Warn().Err(err).Msg("Connection lost")
		s.scheduleReconnect()
	}
}

// onHeartbeatTimeout force-terminates a silent connection and schedules a
// reconnect. Unlike Terminate, the campaign continues.
func (s *Session) onHeartbeatTimeout(gen int) {
	s.mu.Lock()
	if gen != s.connGen {
		s.mu.Unlock()
		return
	}
	if s.state != Connected && s.state != Authenticated {
		s.mu.Unlock()
		return
	}
	conn, hb := s.dropConnLocked()
	s.setStateLocked(Closed)
	s.mu.Unlock()

	metrics.RecordHeartbeatTimeout()
	s.logger.Warn().Msg("Gateway silent past heartbeat deadline; terminating connection")

	if hb != nil {
		hb.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if s.shuttingDown.Load() {
		return
	}
	delay := s.policy.Next()
	metrics.RecordReconnect()
	s.logger.Info().Dur("delay", delay).Int("attempt", s.policy.Attempt()).Msg("Reconnect scheduled")

	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		if err := s.Connect(); err != nil && !errors.Is(err, ErrShuttingDown) {
			s.logger.Debug().Err(err).Msg("Reconnect attempt failed")
		}
	})
	s.mu.Unlock()
}

func (s *Session) writeLoop(conn *websocket.Conn, ch chan []byte, done chan struct{}) {
	for {
		select {
		case data := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("Socket write failed")
				return
			}
			metrics.RecordFrameSent()
		case <-done:
			return
		}
	}
}

// keepAliveDialer matches the plant-floor reality of NATs and cloud load
// balancers that drop idle TCP flows.
func keepAliveDialer(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := &net.Dialer{Timeout: timeout, KeepAlive: tcpKeepAlive}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(tcpKeepAlive)
		}
		return conn, nil
	}
}
