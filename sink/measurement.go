// Package sink delivers decoded synchrophasor measurements to downstream
// consumers. The canonical sink publishes flat JSON records to a JetStream
// stream; file and memory sinks exist for capture and tests.
package sink

import (
	"encoding/json"
	"math"
	"math/cmplx"
	"strconv"
	"time"

	"github.com/janiolos/SmartPhasorToolBox/c37118"
	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// Measurement is one station's worth of data from a single data frame,
// converted to physical units.
type Measurement struct {
	SourceID  string
	IDCode    uint16
	Timestamp time.Time

	Stat    c37118.StatWord
	Freq    float64 // Hz
	ROCOF   float64 // Hz/s
	Phasors []Phasor
	Analogs []float64
	Digital []uint16
}

// Phasor is a polar measurement value. Angle is in degrees, matching the
// downstream payload convention.
type Phasor struct {
	Name      string
	Magnitude float64
	AngleDeg  float64
}

// FromDataFrame flattens a decoded data frame into per-station measurements
// using the registered configuration for channel names.
func FromDataFrame(sourceID string, frame *c37118.DataFrame, cfg *c37118.ConfigFrame) ([]*Measurement, error) {
	if frame == nil || cfg == nil {
		return nil, errors.WrapInvalid(
			errors.New("nil frame or config"),
			"Measurement", "FromDataFrame", "flatten data frame")
	}
	if len(frame.Blocks) != len(cfg.Stations) {
		return nil, errors.WrapInvalid(errors.ErrConfigMismatch,
			"Measurement", "FromDataFrame", "station count mismatch")
	}

	ts := frame.Header.Time(cfg.TimeBase)

	out := make([]*Measurement, 0, len(frame.Blocks))
	for i, block := range frame.Blocks {
		station := cfg.Stations[i]

		m := &Measurement{
			SourceID:  sourceID,
			IDCode:    station.IDCode,
			Timestamp: ts,
			Stat:      block.Stat,
			Freq:      block.Freq,
			ROCOF:     block.ROCOF,
			Analogs:   append([]float64(nil), block.Analogs...),
			Digital:   append([]uint16(nil), block.Digitals...),
		}

		m.Phasors = make([]Phasor, len(block.Phasors))
		for j, ph := range block.Phasors {
			name := ""
			if j < len(station.Phasors) {
				name = station.Phasors[j].Name
			}
			mag, ang := cmplx.Polar(ph)
			m.Phasors[j] = Phasor{
				Name:      name,
				Magnitude: mag,
				AngleDeg:  ang * 180 / math.Pi,
			}
		}

		out = append(out, m)
	}
	return out, nil
}

// payload is the wire shape published to the measurement stream. Indexed
// keys keep the record flat for downstream time-series ingestion.
type payload map[string]any

// MarshalPayload encodes the measurement as its flat JSON record.
func (m *Measurement) MarshalPayload() ([]byte, error) {
	p := payload{
		"ts":        float64(m.Timestamp.UnixNano()) / 1e9,
		"ts_iso":    m.Timestamp.UTC().Format(time.RFC3339Nano),
		"pmu_id":    m.IDCode,
		"source_id": m.SourceID,
		"stat_word": uint16(m.Stat),
		"freq":      m.Freq,
		"rocof":     m.ROCOF,
	}

	for i, ph := range m.Phasors {
		p[indexedKey("phasor", i, "mag")] = ph.Magnitude
		p[indexedKey("phasor", i, "ang_deg")] = ph.AngleDeg
		if ph.Name != "" {
			p[indexedKey("phasor", i, "name")] = ph.Name
		}
	}
	for i, v := range m.Analogs {
		p[indexedKey("analog", i, "")] = v
	}
	for i, v := range m.Digital {
		p[indexedKey("digital", i, "")] = v
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Measurement", "MarshalPayload", "encode payload")
	}
	return data, nil
}

func indexedKey(prefix string, i int, suffix string) string {
	key := prefix + "_" + strconv.Itoa(i)
	if suffix != "" {
		key += "_" + suffix
	}
	return key
}
