// Command vibelink runs one acquisition against a single gateway: connect,
// log in, discover sensors, capture a reading, publish it, shut down.
//
// Exit codes: 0 on a published reading or an empty plant floor, 1 on
// configuration, authentication, or acquisition failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/RoninSTi/vibelink/internal/acquire"
	"github.com/RoninSTi/vibelink/internal/config"
	"github.com/RoninSTi/vibelink/internal/gateway"
	"github.com/RoninSTi/vibelink/internal/logging"
	"github.com/RoninSTi/vibelink/internal/sink"
)

const shutdownGrace = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.LoadClient(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibelink: %v\n", err)
		return 1
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: "vibelink",
	})
	cfg.LogConfig(logger)

	out, closeSink, err := buildSink(cfg.NATSURL, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Output sink unavailable")
		return 1
	}
	defer closeSink()

	client := gateway.New(gateway.Config{
		URL:               cfg.GatewayURL,
		ConnectTimeout:    cfg.ConnectTimeout,
		CommandTimeout:    cfg.CommandTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, logger)

	orch := acquire.New(acquire.Config{
		Email:              cfg.Email,
		Password:           cfg.Password,
		PreferredSerial:    cfg.SensorSerial,
		AcquisitionTimeout: cfg.AcquisitionTimeout,
	}, client, out, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(); err != nil {
		logger.Error().Err(err).Str("url", cfg.GatewayURL).Msg("Could not reach gateway")
		return 1
	}

	runErr := orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	orch.Shutdown(shutdownCtx)

	switch {
	case runErr == nil:
		logger.Info().Msg("Acquisition complete")
		return 0
	case errors.Is(runErr, gateway.ErrNoSensors):
		logger.Info().Msg("No sensors available")
		return 0
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, gateway.ErrShuttingDown):
		logger.Info().Msg("Interrupted before a reading completed")
		return 1
	default:
		logger.Error().Err(runErr).Msg("Acquisition failed")
		return 1
	}
}

// buildSink picks where readings land. The console sink always runs so the
// operator sees the waveform; a configured broker gets a copy as well.
func buildSink(natsURL string, logger zerolog.Logger) (sink.Sink, func(), error) {
	console := sink.NewConsole(nil)
	if natsURL == "" {
		return console, func() {}, nil
	}
	n, err := sink.NewNATS(natsURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return sink.Fanout{console, n}, n.Close, nil
}
