// Command vibelink-api serves the management REST surface: factory and
// gateway registration over a bbolt store, credentials encrypted at rest,
// /healthz and /metrics, and one background session worker per stored
// gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/RoninSTi/vibelink/internal/api"
	"github.com/RoninSTi/vibelink/internal/config"
	"github.com/RoninSTi/vibelink/internal/logging"
	"github.com/RoninSTi/vibelink/internal/secrets"
	"github.com/RoninSTi/vibelink/internal/sink"
	"github.com/RoninSTi/vibelink/internal/store"
	"github.com/RoninSTi/vibelink/internal/worker"
)

const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.LoadAPI(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibelink-api: %v\n", err)
		return 1
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: "vibelink-api",
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	key, err := cfg.Key()
	if err != nil {
		logger.Error().Err(err).Msg("Encryption key rejected")
		return 1
	}
	codec, err := secrets.New(key)
	if err != nil {
		logger.Error().Err(err).Msg("Credential codec rejected the key")
		return 1
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.DBPath).Msg("Store unavailable")
		return 1
	}
	defer st.Close()

	out, closeSink, err := buildSink(cfg.NATSURL, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Output sink unavailable")
		return 1
	}
	defer closeSink()

	var mgr *worker.Manager
	var watcher api.GatewayWatcher
	if cfg.WorkersEnabled {
		mgr = worker.NewManager(worker.Config{
			PollInterval:       cfg.PollInterval,
			ConnectTimeout:     cfg.ConnectTimeout,
			CommandTimeout:     cfg.CommandTimeout,
			AcquisitionTimeout: cfg.AcquisitionTimeout,
			HeartbeatInterval:  cfg.HeartbeatInterval,
			HeartbeatTimeout:   cfg.HeartbeatTimeout,
		}, st, codec, out, logger)
		watcher = mgr
	}

	srv := api.New(api.Config{
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.AllowedOrigins(),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, st, codec, watcher, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if mgr != nil {
		if err := mgr.Start(); err != nil {
			logger.Error().Err(err).Msg("Worker manager failed to start")
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Str("environment", cfg.Environment).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		// HTTP first so no new gateways appear while workers drain.
		err := httpSrv.Shutdown(shutdownCtx)
		if mgr != nil {
			mgr.Stop(shutdownCtx)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Service failed")
		return 1
	}
	logger.Info().Msg("Service stopped")
	return 0
}

// buildSink picks where worker readings land: NATS when a broker is
// configured, stdout otherwise.
func buildSink(natsURL string, logger zerolog.Logger) (sink.Sink, func(), error) {
	if natsURL == "" {
		return sink.NewConsole(nil), func() {}, nil
	}
	n, err := sink.NewNATS(natsURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return n, n.Close, nil
}
