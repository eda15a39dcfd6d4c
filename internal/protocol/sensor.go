package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

// SensorMeta describes one sensor slot reported by GET_DYN_CONNECTED.
// Samples is the waveform length the sensor produces per axis; the reading
// parser validates against it. Fields the gateway sends beyond the known
// set are kept in Extra so firmware additions survive the round trip.
type SensorMeta struct {
	Serial      int
	PartNum     string
	ReadRate    int
	Samples     int
	Connected   int
	Name        string
	AccessPoint string
	GMode       int
	FreqMode    int
	ReadPeriod  int
	HwVer       string
	FmVer       string
	Extra       map[string]json.RawMessage
}

// Live reports whether the slot has a sensor attached and talking.
// Anything other than 1 means known but unreachable.
func (m SensorMeta) Live() bool { return m.Connected == 1 }

// SerialString renders the serial the way operators type it into config.
func (m SensorMeta) SerialString() string { return strconv.Itoa(m.Serial) }

// sensorKnownFields is the typed half of a sensor entry. Unknown keys are
// collected separately.
type sensorKnownFields struct {
	Serial      int    `json:"Serial"`
	PartNum     string `json:"PartNum"`
	ReadRate    int    `json:"ReadRate"`
	Samples     int    `json:"Samples"`
	Connected   int    `json:"Connected"`
	Name        string `json:"Name"`
	AccessPoint string `json:"AccessPoint"`
	GMode       int    `json:"GMode"`
	FreqMode    int    `json:"FreqMode"`
	ReadPeriod  int    `json:"ReadPeriod"`
	HwVer       string `json:"HwVer"`
	FmVer       string `json:"FmVer"`
}

var sensorKnownKeys = map[string]bool{
	"Serial": true, "PartNum": true, "ReadRate": true, "Samples": true,
	"Connected": true, "Name": true, "AccessPoint": true, "GMode": true,
	"FreqMode": true, "ReadPeriod": true, "HwVer": true, "FmVer": true,
}

// ParseSensorDict parses the GET_DYN_CONNECTED response: an object keyed by
// sensor serial. Entries come back in the order the gateway sent them,
// which is what "first live sensor" selection keys off. Malformed entries
// are reported in the second return and skipped; only a malformed
// dictionary itself yields no sensors at all.
func ParseSensorDict(raw json.RawMessage) ([]SensorMeta, []error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, []error{fmt.Errorf("sensor dictionary is not valid JSON: %w", err)}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, []error{errors.New("sensor dictionary is not an object")}
	}

	var sensors []SensorMeta
	var problems []error
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			problems = append(problems, fmt.Errorf("sensor dictionary truncated: %w", err))
			break
		}
		key, _ := keyTok.(string)

		var entry json.RawMessage
		if err := dec.Decode(&entry); err != nil {
			problems = append(problems, fmt.Errorf("sensor %q: unreadable entry: %w", key, err))
			break
		}

		meta, err := parseSensorEntry(key, entry)
		if err != nil {
			problems = append(problems, fmt.Errorf("sensor %q: %w", key, err))
			continue
		}
		sensors = append(sensors, meta)
	}
	return sensors, problems
}

func parseSensorEntry(key string, raw json.RawMessage) (SensorMeta, error) {
	var known sensorKnownFields
	if err := json.Unmarshal(raw, &known); err != nil {
		return SensorMeta{}, errors.New("entry is not a sensor object")
	}

	meta := SensorMeta{
		Serial:      known.Serial,
		PartNum:     known.PartNum,
		ReadRate:    known.ReadRate,
		Samples:     known.Samples,
		Connected:   known.Connected,
		Name:        known.Name,
		AccessPoint: known.AccessPoint,
		GMode:       known.GMode,
		FreqMode:    known.FreqMode,
		ReadPeriod:  known.ReadPeriod,
		HwVer:       known.HwVer,
		FmVer:       known.FmVer,
	}

	// Older firmware omits the Serial field and relies on the dictionary key.
	if meta.Serial == 0 {
		n, err := strconv.Atoi(key)
		if err != nil || n == 0 {
			return SensorMeta{}, errors.New("missing serial")
		}
		meta.Serial = n
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		for k, v := range fields {
			if sensorKnownKeys[k] {
				continue
			}
			if meta.Extra == nil {
				meta.Extra = make(map[string]json.RawMessage)
			}
			meta.Extra[k] = v
		}
	}
	return meta, nil
}
