// Package worker runs one long-lived gateway session per stored gateway
// record. Each worker authenticates, keeps a change subscription alive
// across reconnects, and captures a reading every poll interval.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/acquire"
	"github.com/RoninSTi/vibelink/internal/backoff"
	"github.com/RoninSTi/vibelink/internal/gateway"
	"github.com/RoninSTi/vibelink/internal/secrets"
	"github.com/RoninSTi/vibelink/internal/session"
	"github.com/RoninSTi/vibelink/internal/sink"
	"github.com/RoninSTi/vibelink/internal/store"
)

const (
	// authGrace bounds how long a poll tick waits for the session to be
	// authenticated before skipping that tick.
	authGrace = 30 * time.Second

	// shutdownGrace bounds the goodbye: unsubscribe plus close frame.
	shutdownGrace = 2 * time.Second
)

// Config carries the session and polling knobs shared by all workers.
type Config struct {
	PollInterval       time.Duration
	ConnectTimeout     time.Duration
	CommandTimeout     time.Duration
	AcquisitionTimeout time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration

	// Backoff overrides the reconnect pacing, mainly for tests.
	Backoff *backoff.Policy
}

// Worker owns the session for one gateway record.
type Worker struct {
	gw     store.Gateway
	cfg    Config
	logger zerolog.Logger
	st     *store.Store

	client *gateway.Client
	orch   *acquire.Orchestrator

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newWorker decrypts the stored credential and wires the session client.
// The plaintext goes into the orchestrator's login configuration and
// nowhere else; a record that fails to decrypt never gets a worker.
func newWorker(g store.Gateway, cfg Config, st *store.Store, codec *secrets.Codec, out sink.Sink, logger zerolog.Logger) (*Worker, error) {
	password, err := codec.Decrypt(g.Credential)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential for gateway %s: %w", g.ID, err)
	}

	wlog := logger.With().
		Str("component", "worker").
		Str("gateway", g.ID).
		Str("gateway_name", g.Name).
		Logger()

	client := gateway.New(gateway.Config{
		URL:               g.URL,
		ConnectTimeout:    cfg.ConnectTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Backoff:           cfg.Backoff,
	}, wlog)

	orch := acquire.New(acquire.Config{
		Email:              g.Email,
		Password:           password,
		AcquisitionTimeout: cfg.AcquisitionTimeout,
	}, client, out, wlog)

	w := &Worker{
		gw:     g,
		cfg:    cfg,
		logger: wlog,
		st:     st,
		client: client,
		orch:   orch,
		done:   make(chan struct{}),
	}
	client.OnOpen(w.onSessionOpen)
	return w, nil
}

func (w *Worker) start(parent context.Context, wg *sync.WaitGroup) {
	w.ctx, w.cancel = context.WithCancel(parent)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.run()
	}()
}

// stop cancels the worker and waits for its goodbye, up to wait.
func (w *Worker) stop(wait time.Duration) {
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(wait):
		w.logger.Warn().Msg("Worker did not stop in time")
	}
}

func (w *Worker) run() {
	defer close(w.done)
	w.logger.Info().Str("url", w.gw.URL).Msg("Worker starting")

	if err := w.client.Connect(); err != nil {
		// Dial failures reschedule themselves; the worker just waits.
		w.logger.Warn().Err(err).Msg("Initial connect failed")
	}

	for {
		w.pollOnce()
		select {
		case <-w.ctx.Done():
			w.shutdown()
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// onSessionOpen runs on every connection, first and reconnects alike. The
// gateway forgets subscriptions across connections, so the flag resets
// before re-login.
func (w *Worker) onSessionOpen() {
	w.orch.ResetSubscription()

	ctx, cancel := context.WithTimeout(w.ctx, authGrace)
	defer cancel()
	if err := w.orch.Authenticate(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Gateway login failed; next connection retries")
		return
	}
	if err := w.st.TouchLastSeen(w.gw.ID, time.Now()); err != nil {
		w.logger.Warn().Err(err).Msg("Could not record last_seen_at")
	}
	if err := w.orch.EnsureSubscribed(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Change subscription failed")
	}
}

func (w *Worker) pollOnce() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Poll panicked")
		}
	}()

	if !w.waitAuthenticated() {
		if w.ctx.Err() == nil {
			w.logger.Debug().Msg("Session not authenticated; poll skipped")
		}
		return
	}

	if err := w.orch.Poll(w.ctx); err != nil {
		switch {
		case errors.Is(err, gateway.ErrNoSensors):
			w.logger.Info().Msg("No sensors connected")
		case errors.Is(err, gateway.ErrShuttingDown), errors.Is(err, context.Canceled):
			// Shutdown raced the poll.
		default:
			w.logger.Warn().Err(err).Msg("Acquisition failed")
		}
		return
	}
	if err := w.st.TouchLastSeen(w.gw.ID, time.Now()); err != nil {
		w.logger.Warn().Err(err).Msg("Could not record last_seen_at")
	}
}

func (w *Worker) waitAuthenticated() bool {
	deadline := time.NewTimer(authGrace)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if w.client.State() == session.Authenticated {
			return true
		}
		select {
		case <-w.ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	w.orch.Shutdown(ctx)
	w.logger.Info().Msg("Worker stopped")
}
