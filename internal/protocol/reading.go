package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Gateways have shipped three waveform encodings across firmware versions:
// comma-separated decimal strings, JSON arrays, and base64 int16
// little-endian milli-g streams. Decoding tries them in that order and
// accepts the first plausible result.
const (
	EncodingCSV    = "csv"
	EncodingJSON   = "json"
	EncodingBase64 = "base64"

	// PrimaryEncoding is what current firmware emits. Acceptance of any
	// other encoding is worth a warning upstream.
	PrimaryEncoding = EncodingCSV
)

// maxAmplitudeG is the plausibility ceiling for a single sample. The
// sensors saturate far below this; anything bigger means the bytes were
// decoded with the wrong strategy.
const maxAmplitudeG = 200.0

// milligPerG converts the int16 wire unit to g.
const milligPerG = 1000.0

// ReadingPayload is the NOT_DYN_READING payload. Axis members stay raw
// because their encoding varies by firmware. The expected sample count is
// not part of the payload; it comes from the sensor's metadata.
type ReadingPayload struct {
	ID     int             `json:"ID"`
	Serial string          `json:"Serial"`
	Time   string          `json:"Time"`
	X      json.RawMessage `json:"X"`
	Y      json.RawMessage `json:"Y"`
	Z      json.RawMessage `json:"Z"`
}

// Reading is a fully decoded triaxial waveform set, in g.
// All three axes are exactly Samples long.
type Reading struct {
	ID          int
	Serial      string
	Time        string
	X           []float64
	Y           []float64
	Z           []float64
	Temperature *float64

	// Encodings records which strategy decoded each axis, keyed "X"/"Y"/"Z".
	Encodings map[string]string
}

// ParseReading decodes all three axes of a reading payload. Every axis must
// decode to exactly samples plausible values; on failure the error names
// each failing axis and every strategy attempted for it.
func ParseReading(p ReadingPayload, samples int) (*Reading, error) {
	if samples <= 0 {
		return nil, fmt.Errorf("reading %d: expected sample count %d", p.ID, samples)
	}

	out := &Reading{
		ID:        p.ID,
		Serial:    p.Serial,
		Time:      p.Time,
		Encodings: make(map[string]string, 3),
	}

	axes := []struct {
		name string
		raw  json.RawMessage
		dst  *[]float64
	}{
		{"X", p.X, &out.X},
		{"Y", p.Y, &out.Y},
		{"Z", p.Z, &out.Z},
	}

	var problems []string
	for _, axis := range axes {
		vals, encoding, err := decodeAxis(axis.raw, samples)
		if err != nil {
			problems = append(problems, fmt.Sprintf("axis %s: %v", axis.name, err))
			continue
		}
		*axis.dst = vals
		out.Encodings[axis.name] = encoding
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("waveform decode failed: %s", strings.Join(problems, "; "))
	}
	return out, nil
}

// decodeAxis runs the strategy chain for one axis value.
func decodeAxis(raw json.RawMessage, samples int) ([]float64, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, "", errors.New("axis missing from payload")
	}

	// A bare JSON array skips the string strategies outright.
	if raw[0] == '[' {
		vals, err := decodeJSONArray(raw, samples)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %v", EncodingJSON, err)
		}
		return vals, EncodingJSON, nil
	}

	if raw[0] != '"' {
		return nil, "", errors.New("axis is neither a string nor an array")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, "", fmt.Errorf("axis string unreadable: %w", err)
	}

	var attempts []string

	if vals, err := decodeCSV(s, samples); err == nil {
		return vals, EncodingCSV, nil
	} else {
		attempts = append(attempts, fmt.Sprintf("%s: %v", EncodingCSV, err))
	}

	if vals, err := decodeJSONArray([]byte(s), samples); err == nil {
		return vals, EncodingJSON, nil
	} else {
		attempts = append(attempts, fmt.Sprintf("%s: %v", EncodingJSON, err))
	}

	if vals, err := decodeBase64Int16(s, samples); err == nil {
		return vals, EncodingBase64, nil
	} else {
		attempts = append(attempts, fmt.Sprintf("%s: %v", EncodingBase64, err))
	}

	return nil, "", fmt.Errorf("no strategy decoded axis (%s)", strings.Join(attempts, "; "))
}

// decodeCSV splits on commas and keeps every token that parses as a number.
// Unparseable tokens are dropped, not fatal: the acceptance predicate's
// length check decides whether what is left is a waveform. Out-of-range
// values are kept as infinities so the finite check rejects them.
func decodeCSV(s string, samples int) ([]float64, error) {
	parts := strings.Split(s, ",")
	vals := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			continue
		}
		vals = append(vals, v)
	}
	if err := plausible(vals, samples); err != nil {
		return nil, err
	}
	return vals, nil
}

func decodeJSONArray(raw []byte, samples int) ([]float64, error) {
	var vals []float64
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, errors.New("not a numeric array")
	}
	if err := plausible(vals, samples); err != nil {
		return nil, err
	}
	return vals, nil
}

func decodeBase64Int16(s string, samples int) ([]float64, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("not valid base64")
	}
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("odd byte count %d for int16 stream", len(b))
	}
	vals := make([]float64, len(b)/2)
	for i := range vals {
		vals[i] = float64(int16(binary.LittleEndian.Uint16(b[2*i:]))) / milligPerG
	}
	if err := plausible(vals, samples); err != nil {
		return nil, err
	}
	return vals, nil
}

// plausible is the acceptance predicate shared by all strategies: exact
// sample count, finite values, amplitudes inside the physical range.
func plausible(vals []float64, samples int) error {
	if len(vals) != samples {
		return fmt.Errorf("decoded %d samples, want %d", len(vals), samples)
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("non-finite sample")
		}
		if math.Abs(v) > maxAmplitudeG {
			return fmt.Errorf("sample %g exceeds ±%g g", v, maxAmplitudeG)
		}
	}
	return nil
}

// WaveStats summarizes one axis.
type WaveStats struct {
	Min  float64
	Max  float64
	Mean float64
}

// Stats reduces an axis in a single pass. Large waveforms must never be
// spread into variadic calls.
func Stats(samples []float64) WaveStats {
	if len(samples) == 0 {
		return WaveStats{}
	}
	min, max, sum := samples[0], samples[0], 0.0
	for _, v := range samples {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return WaveStats{Min: min, Max: max, Mean: sum / float64(len(samples))}
}
