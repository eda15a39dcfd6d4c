// Package gateway implements the control-plane protocol spoken over one
// WebSocket session: command/response correlation, notification fanout,
// and the verbs the acquisition flow is built from.
package gateway

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/backoff"
	"github.com/RoninSTi/vibelink/internal/protocol"
	"github.com/RoninSTi/vibelink/internal/session"
)

// LoginTimeout is tighter than the general command deadline: if the
// gateway cannot answer a login in ten seconds it is not going to.
const LoginTimeout = 10 * time.Second

// Config carries the client's construction parameters.
type Config struct {
	URL               string
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Backoff and Matcher override the reconnect pacing and response
	// matching, mainly for tests.
	Backoff *backoff.Policy
	Matcher Matcher
}

// Client is the application's handle on one gateway. It owns the session,
// the correlator, and the notification bus, and tears them down in an
// order that leaves no command hanging.
type Client struct {
	logger         zerolog.Logger
	commandTimeout time.Duration

	session    *session.Session
	correlator *Correlator
	bus        *Bus
	router     *Router
}

// New wires a disconnected client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	c := &Client{
		logger:         logger.With().Str("component", "gateway").Logger(),
		commandTimeout: cfg.CommandTimeout,
	}
	c.correlator = NewCorrelator(logger, cfg.Matcher)
	c.bus = NewBus(logger)
	c.router = NewRouter(logger, c.correlator, c.bus)
	c.session = session.New(session.Config{
		URL:               cfg.URL,
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Backoff:           cfg.Backoff,
	}, logger)
	c.session.OnMessage(c.router.HandleRaw)
	return c
}

// Connect dials the gateway and starts the reconnect campaign.
func (c *Client) Connect() error { return c.session.Connect() }

// OnOpen runs fn after every successful connection, including reconnects.
// Use it to re-login and re-subscribe.
func (c *Client) OnOpen(fn func()) { c.session.OnOpen(fn) }

// State reports the session state.
func (c *Client) State() session.State { return c.session.State() }

// Notifications exposes the NOT_* fanout.
func (c *Client) Notifications() *Bus { return c.bus }

// PendingCount reports commands still awaiting a response.
func (c *Client) PendingCount() int { return c.correlator.PendingCount() }

// Close tears the client down: pending commands complete with a shutdown
// error, the reconnect campaign and heartbeat stop, and the socket closes
// with a normal-closure frame.
func (c *Client) Close() {
	c.correlator.Shutdown()
	c.session.Close(websocket.CloseNormalClosure, "client shutdown")
}

// Login authenticates the session. Success moves the session to
// Authenticated; the password travels on the wire but never into a log.
func (c *Client) Login(ctx context.Context, email, password string) error {
	req := protocol.LoginRequest{Email: email, Password: password}
	if _, err := c.do(ctx, protocol.VerbLogin, req, LoginTimeout); err != nil {
		return err
	}
	c.session.MarkAuthenticated()
	c.logger.Info().Str("email", email).Msg("Authenticated with gateway")
	return nil
}

// Subscribe opts the session into the gateway's change notifications.
func (c *Client) Subscribe(ctx context.Context) error {
	_, err := c.do(ctx, protocol.VerbSubscribe, nil, c.commandTimeout)
	return err
}

// Unsubscribe reverses Subscribe.
func (c *Client) Unsubscribe(ctx context.Context) error {
	_, err := c.do(ctx, protocol.VerbUnsubscribe, nil, c.commandTimeout)
	return err
}

// ListConnected fetches the gateway's sensor roster in response order.
// Entries the gateway mangled are logged and skipped, not fatal.
func (c *Client) ListConnected(ctx context.Context) ([]protocol.SensorMeta, error) {
	data, err := c.do(ctx, protocol.VerbGetConnected, nil, c.commandTimeout)
	if err != nil {
		return nil, err
	}
	sensors, problems := protocol.ParseSensorDict(data)
	for _, p := range problems {
		c.logger.Warn().Err(p).Msg("Sensor entry skipped")
	}
	return sensors, nil
}

// TakeReading asks one sensor for a waveform capture. The data arrives
// later as notifications; the response only acknowledges the command.
func (c *Client) TakeReading(ctx context.Context, serial string) error {
	req := protocol.TakeReadingRequest{Serial: serial}
	_, err := c.do(ctx, protocol.VerbTakeReading, req, c.commandTimeout)
	return err
}

// do tracks, encodes, sends, and waits out one command. Tracking happens
// before the send so a response cannot beat its own registration.
func (c *Client) do(ctx context.Context, verb string, data any, timeout time.Duration) (json.RawMessage, error) {
	call, err := c.correlator.Track(verb, timeout)
	if err != nil {
		return nil, err
	}

	payload, err := protocol.EncodeCommand(verb, call.ID, data)
	if err != nil {
		c.correlator.Abort(call.ID, err)
		return nil, fmt.Errorf("encode %s: %w", verb, err)
	}

	c.logger.Debug().Str("frame", preview(protocol.Redact(payload))).Msg("Command sent")
	if !c.session.Send(payload) {
		c.correlator.Abort(call.ID, ErrNotConnected)
	}
	return call.Wait(ctx)
}
