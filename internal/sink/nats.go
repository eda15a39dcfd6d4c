package sink

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/metrics"
	"github.com/RoninSTi/vibelink/internal/protocol"
)

// readingsSubjectPrefix is where downstream consumers pick readings up;
// the sensor serial is the final token.
const readingsSubjectPrefix = "vibelink.readings"

const flushTimeout = 2 * time.Second

// readingMessage is the wire contract for published readings.
type readingMessage struct {
	Serial      string    `json:"serial"`
	SensorName  string    `json:"sensor_name,omitempty"`
	ReadingID   int       `json:"reading_id"`
	Time        string    `json:"time"`
	X           []float64 `json:"x"`
	Y           []float64 `json:"y"`
	Z           []float64 `json:"z"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// NATS publishes readings to vibelink.readings.<serial>.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATS connects to the broker. Reconnection is left to the nats client;
// the handlers only log what it is doing.
func NewNATS(url string, logger zerolog.Logger) (*NATS, error) {
	logger = logger.With().Str("component", "nats-sink").Logger()
	opts := []nats.Option{
		nats.Name("vibelink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS connected")
	return &NATS{conn: conn, logger: logger}, nil
}

// ReadingsSubject builds the per-sensor subject.
func ReadingsSubject(serial string) string {
	return fmt.Sprintf("%s.%s", readingsSubjectPrefix, serial)
}

// Publish sends the reading and flushes so a process exiting right after
// does not strand it in the client buffer.
func (n *NATS) Publish(_ context.Context, reading *protocol.Reading, sensor protocol.SensorMeta) error {
	msg := readingMessage{
		Serial:      sensor.SerialString(),
		SensorName:  sensor.Name,
		ReadingID:   reading.ID,
		Time:        reading.Time,
		X:           reading.X,
		Y:           reading.Y,
		Z:           reading.Z,
		Temperature: reading.Temperature,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal reading %d: %w", reading.ID, err)
	}

	subject := ReadingsSubject(msg.Serial)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	if err := n.conn.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	metrics.RecordReadingPublished("nats")
	n.logger.Debug().Str("subject", subject).Int("bytes", len(data)).Msg("Reading published")
	return nil
}

// Close drains the connection.
func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn().Err(err).Msg("NATS drain failed")
	}
}

// Fanout publishes to several sinks in order, returning the first error
// after every sink has had its chance.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, reading *protocol.Reading, sensor protocol.SensorMeta) error {
	var firstErr error
	for _, s := range f {
		if err := s.Publish(ctx, reading, sensor); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
