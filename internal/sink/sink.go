// Package sink delivers finished readings. The console sink is the
// default; the NATS sink feeds downstream consumers. Where a reading
// lands is policy, so everything behind the interface is swappable.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/RoninSTi/vibelink/internal/metrics"
	"github.com/RoninSTi/vibelink/internal/protocol"
)

// Sink publishes one parsed reading.
type Sink interface {
	Publish(ctx context.Context, reading *protocol.Reading, sensor protocol.SensorMeta) error
}

// headSamples is how many leading samples the console prints per axis.
const headSamples = 10

// Console writes a human-readable reading summary, stdout by default.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole builds a console sink. A nil writer means stdout.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

// Publish prints the reading: sensor identity, reading id and time, then
// per axis the sample count, min, max, mean and the first few samples,
// and finally the temperature when one came along.
func (c *Console) Publish(_ context.Context, reading *protocol.Reading, sensor protocol.SensorMeta) error {
	var b strings.Builder

	fmt.Fprintf(&b, "sensor %d", sensor.Serial)
	if sensor.Name != "" {
		fmt.Fprintf(&b, " (%s)", sensor.Name)
	}
	if sensor.PartNum != "" {
		fmt.Fprintf(&b, " part %s", sensor.PartNum)
	}
	b.WriteByte('\n')

	fmt.Fprintf(&b, "reading %d at %s\n", reading.ID, reading.Time)

	axes := []struct {
		name    string
		samples []float64
	}{
		{"X", reading.X},
		{"Y", reading.Y},
		{"Z", reading.Z},
	}
	for _, axis := range axes {
		st := protocol.Stats(axis.samples)
		fmt.Fprintf(&b, "%s: %d samples min %.3f max %.3f mean %.3f g\n",
			axis.name, len(axis.samples), st.Min, st.Max, st.Mean)
		fmt.Fprintf(&b, "   first %s\n", formatHead(axis.samples))
	}

	if reading.Temperature != nil {
		fmt.Fprintf(&b, "temperature %.1f C\n", *reading.Temperature)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, b.String()); err != nil {
		return err
	}
	metrics.RecordReadingPublished("console")
	return nil
}

func formatHead(samples []float64) string {
	n := len(samples)
	if n > headSamples {
		n = headSamples
	}
	var b strings.Builder
	b.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.3f", samples[i])
	}
	b.WriteByte(']')
	return b.String()
}
