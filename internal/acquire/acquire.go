// Package acquire drives one waveform capture end to end: authenticate,
// discover a live sensor, subscribe to change notifications, request a
// reading, collect the frames it produces, and hand the parsed result to
// the sink.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/gateway"
	"github.com/RoninSTi/vibelink/internal/metrics"
	"github.com/RoninSTi/vibelink/internal/protocol"
	"github.com/RoninSTi/vibelink/internal/sink"
)

// Stage deadlines. The start confirmation is quick; the waveform itself
// takes as long as the sensor needs to sample and upload; temperature is
// a freebie that must never hold the reading hostage.
const (
	DefaultStartedTimeout     = 30 * time.Second
	DefaultAcquisitionTimeout = 60 * time.Second
	DefaultTempTimeout        = 10 * time.Second
)

// Config carries the orchestrator's parameters.
type Config struct {
	Email           string
	Password        string
	PreferredSerial string

	StartedTimeout     time.Duration
	AcquisitionTimeout time.Duration
	TempTimeout        time.Duration
}

// Orchestrator sequences the acquisition flow over one gateway client.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger
	client *gateway.Client
	out    sink.Sink

	subMu      sync.Mutex
	subscribed bool
}

// New builds an orchestrator. Zero timeouts pick the defaults.
func New(cfg Config, client *gateway.Client, out sink.Sink, logger zerolog.Logger) *Orchestrator {
	if cfg.StartedTimeout <= 0 {
		cfg.StartedTimeout = DefaultStartedTimeout
	}
	if cfg.AcquisitionTimeout <= 0 {
		cfg.AcquisitionTimeout = DefaultAcquisitionTimeout
	}
	if cfg.TempTimeout <= 0 {
		cfg.TempTimeout = DefaultTempTimeout
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With().Str("component", "acquire").Logger(),
		client: client,
		out:    out,
	}
}

// Run performs one full acquisition. gateway.ErrNoSensors passes through
// untouched so callers can treat an empty plant floor as a clean stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Authenticate(ctx); err != nil {
		return err
	}
	return o.Poll(ctx)
}

// Authenticate logs the session in with the configured identity.
func (o *Orchestrator) Authenticate(ctx context.Context) error {
	if err := o.client.Login(ctx, o.cfg.Email, o.cfg.Password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Poll performs one acquisition pass on an authenticated session: discover
// sensors, pick one, subscribe, capture a reading, publish it.
func (o *Orchestrator) Poll(ctx context.Context) error {
	sensors, err := o.client.ListConnected(ctx)
	if err != nil {
		metrics.RecordAcquisition(metrics.OutcomeError)
		return fmt.Errorf("discover sensors: %w", err)
	}
	sensor, err := gateway.PickSensor(sensors, o.cfg.PreferredSerial)
	if err != nil {
		if errors.Is(err, gateway.ErrNoSensors) {
			metrics.RecordAcquisition(metrics.OutcomeNoSensors)
		}
		return err
	}
	o.logger.Info().
		Int("serial", sensor.Serial).
		Int("samples", sensor.Samples).
		Int("read_rate", sensor.ReadRate).
		Msg("Sensor selected")

	if err := o.EnsureSubscribed(ctx); err != nil {
		metrics.RecordAcquisition(metrics.OutcomeError)
		return fmt.Errorf("subscribe: %w", err)
	}

	reading, err := o.AcquireReading(ctx, sensor)
	if err != nil {
		metrics.RecordAcquisition(outcomeFor(err))
		return err
	}

	if err := o.out.Publish(ctx, reading, sensor); err != nil {
		metrics.RecordAcquisition(metrics.OutcomeError)
		return fmt.Errorf("publish reading: %w", err)
	}
	metrics.RecordAcquisition(metrics.OutcomeOK)
	return nil
}

// EnsureSubscribed issues the subscription command once. Further calls
// are no-ops until ReleaseSubscription.
func (o *Orchestrator) EnsureSubscribed(ctx context.Context) error {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if o.subscribed {
		return nil
	}
	if err := o.client.Subscribe(ctx); err != nil {
		return err
	}
	o.subscribed = true
	return nil
}

// ResetSubscription forgets the subscription without telling the gateway.
// Call it after a reconnect: the fresh session has no subscription server
// side, whatever the flag said about the old one.
func (o *Orchestrator) ResetSubscription() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.subscribed = false
}

// ReleaseSubscription is the shutdown half of EnsureSubscribed. Failures
// are logged, never raised; the session is on its way down regardless.
func (o *Orchestrator) ReleaseSubscription(ctx context.Context) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if !o.subscribed {
		return
	}
	if err := o.client.Unsubscribe(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Unsubscribe failed during shutdown")
	}
	o.subscribed = false
}

// Shutdown releases the subscription and closes the client underneath.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.ReleaseSubscription(ctx)
	o.client.Close()
}

// AcquireReading captures one waveform from the given sensor. Awaiters
// for all three notifications are registered before the command goes out,
// so a gateway that notifies before acknowledging loses nothing.
func (o *Orchestrator) AcquireReading(ctx context.Context, sensor protocol.SensorMeta) (*protocol.Reading, error) {
	serial := sensor.SerialString()
	bus := o.client.Notifications()

	started := bus.Await(protocol.NoteReadingStarted)
	defer started.Cancel()
	readingNote := bus.Await(protocol.NoteReading)
	defer readingNote.Cancel()
	tempNote := bus.Await(protocol.NoteTemperature)
	defer tempNote.Cancel()

	if err := o.client.TakeReading(ctx, serial); err != nil {
		return nil, err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, o.cfg.StartedTimeout)
	defer cancelStart()
	sf, err := started.Frame(startCtx)
	if err != nil {
		return nil, fmt.Errorf("sensor %s never confirmed the reading: %w", serial, err)
	}
	var startPayload protocol.ReadingStarted
	if err := json.Unmarshal(sf.Data, &startPayload); err != nil {
		return nil, fmt.Errorf("reading-started payload from sensor %s: %w", serial, err)
	}
	if !startPayload.Success {
		return nil, fmt.Errorf("sensor %s failed to start a reading", serial)
	}
	o.logger.Info().Str("serial", serial).Msg("Reading started")

	readCtx, cancelRead := context.WithTimeout(ctx, o.cfg.AcquisitionTimeout)
	defer cancelRead()
	rf, err := readingNote.Frame(readCtx)
	if err != nil {
		return nil, fmt.Errorf("no waveform from sensor %s within %s: %w", serial, o.cfg.AcquisitionTimeout, err)
	}
	var payload protocol.ReadingPayload
	if err := json.Unmarshal(rf.Data, &payload); err != nil {
		return nil, fmt.Errorf("reading payload from sensor %s: %w", serial, err)
	}
	reading, err := protocol.ParseReading(payload, sensor.Samples)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", serial, err)
	}
	o.warnFallbackEncodings(serial, reading)

	// Temperature is best effort. The reading stands without it.
	tempCtx, cancelTemp := context.WithTimeout(ctx, o.cfg.TempTimeout)
	defer cancelTemp()
	if tf, err := tempNote.Frame(tempCtx); err == nil {
		var tp protocol.TemperaturePayload
		if err := json.Unmarshal(tf.Data, &tp); err == nil {
			reading.Temperature = &tp.Temperature
		} else {
			o.logger.Warn().Err(err).Str("serial", serial).Msg("Temperature payload unreadable")
		}
	} else {
		o.logger.Debug().Str("serial", serial).Msg("No temperature notification")
	}

	return reading, nil
}

func (o *Orchestrator) warnFallbackEncodings(serial string, reading *protocol.Reading) {
	for axis, encoding := range reading.Encodings {
		if encoding != protocol.PrimaryEncoding {
			o.logger.Warn().
				Str("serial", serial).
				Str("axis", axis).
				Str("encoding", encoding).
				Msg("Waveform axis arrived in a fallback encoding")
		}
	}
}

func outcomeFor(err error) string {
	var te *gateway.TimeoutError
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return metrics.OutcomeTimeout
	}
	if errors.Is(err, gateway.ErrShuttingDown) {
		return metrics.OutcomeShutdown
	}
	return metrics.OutcomeError
}
