package protocol

import (
	"encoding/base64"
	"math"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

// The same waveform in every encoding a gateway has ever shipped:
// 0.1, 0.2, 0.3, 0.4 g as CSV, as a JSON array, and as base64 int16
// little-endian milli-g (100, 200, 300, 400).
var int16Wave = []byte{0x64, 0x00, 0xC8, 0x00, 0x2C, 0x01, 0x90, 0x01}

func quoted(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestParseReadingAllEncodings(t *testing.T) {
	payload := ReadingPayload{
		ID:     7001,
		Serial: "101",
		Time:   "2026-08-25T10:00:00Z",
		X:      quoted("0.1,0.2,0.3,0.4"),
		Y:      quoted("[0.1,0.2,0.3,0.4]"),
		Z:      quoted(base64.StdEncoding.EncodeToString(int16Wave)),
	}

	r, err := ParseReading(payload, 4)
	if err != nil {
		t.Fatalf("ParseReading: %v", err)
	}
	if r.ID != 7001 || r.Serial != "101" {
		t.Errorf("identity = %d/%q", r.ID, r.Serial)
	}

	want := []float64{0.1, 0.2, 0.3, 0.4}
	for axis, got := range map[string][]float64{"X": r.X, "Y": r.Y, "Z": r.Z} {
		if len(got) != len(want) {
			t.Fatalf("axis %s: %d samples, want %d", axis, len(got), len(want))
		}
		for i := range want {
			if math.Abs(got[i]-want[i]) > 1e-9 {
				t.Errorf("axis %s sample %d = %v, want %v", axis, i, got[i], want[i])
			}
		}
	}

	wantEnc := map[string]string{"X": EncodingCSV, "Y": EncodingJSON, "Z": EncodingBase64}
	for axis, enc := range wantEnc {
		if r.Encodings[axis] != enc {
			t.Errorf("axis %s decoded via %q, want %q", axis, r.Encodings[axis], enc)
		}
	}
}

func TestParseReadingBareArray(t *testing.T) {
	payload := ReadingPayload{
		ID: 7002,
		X:  json.RawMessage(`[1.5, -2.25, 0]`),
		Y:  json.RawMessage(`[0, 0, 0]`),
		Z:  json.RawMessage(`[0.001, 0.002, 0.003]`),
	}
	r, err := ParseReading(payload, 3)
	if err != nil {
		t.Fatalf("ParseReading: %v", err)
	}
	if r.X[1] != -2.25 {
		t.Errorf("X[1] = %v, want -2.25", r.X[1])
	}
	if r.Encodings["X"] != EncodingJSON {
		t.Errorf("bare array decoded via %q", r.Encodings["X"])
	}
}

func TestCSVDropsUnparseableTokens(t *testing.T) {
	// Junk tokens vanish; the length check then decides. Matches the
	// gateway habit of padding CSV with blank fields.
	vals, err := decodeCSV("0.1, junk, 0.2, , 0.3", 3)
	if err != nil {
		t.Fatalf("decodeCSV: %v", err)
	}
	want := []float64{0.1, 0.2, 0.3}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("vals[%d] = %v, want %v", i, vals[i], want[i])
		}
	}

	// Overflowing values stay as infinities and fail the finite check
	// instead of silently disappearing.
	if _, err := decodeCSV("1e999, 0.2, 0.3", 3); err == nil {
		t.Error("infinite sample accepted")
	}

	if _, err := decodeCSV("", 1); err == nil {
		t.Error("empty string accepted")
	}
}

func TestParseReadingSampleCountMismatch(t *testing.T) {
	payload := ReadingPayload{
		ID: 7003,
		X:  quoted("0.1,0.2,0.3"),
		Y:  quoted("0.1,0.2,0.3,0.4"),
		Z:  quoted("0.1,0.2,0.3,0.4"),
	}
	_, err := ParseReading(payload, 4)
	if err == nil {
		t.Fatal("short axis accepted")
	}
	msg := err.Error()
	if !strings.Contains(msg, "axis X") {
		t.Errorf("error does not name the failing axis: %v", err)
	}
	for _, strategy := range []string{EncodingCSV, EncodingJSON, EncodingBase64} {
		if !strings.Contains(msg, strategy) {
			t.Errorf("error does not list attempted strategy %q: %v", strategy, err)
		}
	}
}

func TestParseReadingRejectsImplausibleAmplitude(t *testing.T) {
	payload := ReadingPayload{
		ID: 7004,
		X:  quoted("1000,0"),
		Y:  quoted("0,0"),
		Z:  quoted("0,0"),
	}
	if _, err := ParseReading(payload, 2); err == nil {
		t.Fatal("1000 g sample accepted")
	}
}

func TestParseReadingRequiresSampleCount(t *testing.T) {
	payload := ReadingPayload{ID: 7005, X: quoted("1"), Y: quoted("1"), Z: quoted("1")}
	if _, err := ParseReading(payload, 0); err == nil {
		t.Fatal("zero sample count accepted")
	}
}

func TestParseReadingMissingAxis(t *testing.T) {
	payload := ReadingPayload{
		ID: 7006,
		X:  quoted("0.1"),
		Y:  quoted("0.1"),
	}
	_, err := ParseReading(payload, 1)
	if err == nil || !strings.Contains(err.Error(), "axis Z") {
		t.Fatalf("missing axis not reported: %v", err)
	}
}

func TestDecodeBase64Milligrams(t *testing.T) {
	s := base64.StdEncoding.EncodeToString(int16Wave)
	vals, err := decodeBase64Int16(s, 4)
	if err != nil {
		t.Fatalf("decodeBase64Int16: %v", err)
	}
	want := []float64{0.1, 0.2, 0.3, 0.4}
	for i := range want {
		if math.Abs(vals[i]-want[i]) > 1e-9 {
			t.Errorf("vals[%d] = %v, want %v", i, vals[i], want[i])
		}
	}

	// Negative amplitudes survive the int16 interpretation.
	neg := base64.StdEncoding.EncodeToString([]byte{0x9C, 0xFF}) // -100 milli-g
	vals, err = decodeBase64Int16(neg, 1)
	if err != nil {
		t.Fatalf("decodeBase64Int16 negative: %v", err)
	}
	if math.Abs(vals[0]-(-0.1)) > 1e-9 {
		t.Errorf("vals[0] = %v, want -0.1", vals[0])
	}
}

func TestStats(t *testing.T) {
	got := Stats([]float64{-3, 5, 2, 0})
	if got.Min != -3 || got.Max != 5 || got.Mean != 1 {
		t.Errorf("Stats = %+v, want min -3 max 5 mean 1", got)
	}

	if got := Stats(nil); got != (WaveStats{}) {
		t.Errorf("Stats(nil) = %+v, want zero value", got)
	}

	// 64k samples, the longest waveform a high-rate sensor produces.
	big := make([]float64, 1<<16)
	for i := range big {
		big[i] = float64(i%7) - 3
	}
	got = Stats(big)
	if got.Min != -3 || got.Max != 3 {
		t.Errorf("Stats(big) = %+v", got)
	}
}
