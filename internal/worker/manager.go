package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/metrics"
	"github.com/RoninSTi/vibelink/internal/secrets"
	"github.com/RoninSTi/vibelink/internal/sink"
	"github.com/RoninSTi/vibelink/internal/store"
)

// stopWait bounds how long a replaced or deleted worker gets to say
// goodbye before the manager stops waiting for it.
const stopWait = 5 * time.Second

// Manager keeps one running worker per stored gateway. It implements the
// api package's GatewayWatcher so REST writes start, restart, and stop
// workers immediately.
type Manager struct {
	cfg    Config
	st     *store.Store
	codec  *secrets.Codec
	out    sink.Sink
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[string]*Worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, st *store.Store, codec *secrets.Codec, out sink.Sink, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		st:      st,
		codec:   codec,
		out:     out,
		logger:  logger.With().Str("component", "workers").Logger(),
		workers: make(map[string]*Worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start boots a worker for every stored gateway. Records whose credential
// fails to decrypt are logged and skipped; they get a worker again once a
// REST update re-encrypts them.
func (m *Manager) Start() error {
	gws, err := m.st.AllGateways()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, g := range gws {
		m.startLocked(g)
	}
	count := len(m.workers)
	m.mu.Unlock()

	m.logger.Info().Int("workers", count).Msg("Worker manager started")
	return nil
}

// startLocked replaces any running worker for the record. Callers hold mu.
func (m *Manager) startLocked(g store.Gateway) {
	if old, ok := m.workers[g.ID]; ok {
		delete(m.workers, g.ID)
		go old.stop(stopWait)
	}

	w, err := newWorker(g, m.cfg, m.st, m.codec, m.out, m.logger)
	if err != nil {
		m.logger.Error().Err(err).Str("gateway", g.ID).Msg("Worker not started")
		metrics.SetWorkersActive(len(m.workers))
		return
	}

	m.workers[g.ID] = w
	w.start(m.ctx, &m.wg)
	metrics.SetWorkersActive(len(m.workers))
}

func (m *Manager) GatewayCreated(g store.Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked(g)
}

func (m *Manager) GatewayUpdated(g store.Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked(g)
}

func (m *Manager) GatewayDeleted(id string) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	metrics.SetWorkersActive(len(m.workers))
	m.mu.Unlock()

	if ok {
		go w.stop(stopWait)
		m.logger.Info().Str("gateway", id).Msg("Worker retired")
	}
}

// Active reports how many workers are running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Stop cancels every worker and waits for their goodbyes until ctx expires.
func (m *Manager) Stop(ctx context.Context) {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("All workers stopped")
	case <-ctx.Done():
		m.logger.Warn().Msg("Shutdown grace expired with workers still running")
	}

	m.mu.Lock()
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()
	metrics.SetWorkersActive(0)
}
