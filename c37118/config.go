package c37118

import (
	"fmt"

	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// FNOM word values for the nominal line frequency.
const (
	FNom60Hz uint16 = 0
	FNom50Hz uint16 = 1
)

// PhasorChannel describes one phasor channel of a station.
type PhasorChannel struct {
	Name    string
	Current bool // false = voltage, true = current

	// Conv is the CFG-1/2 PHUNIT conversion factor: 1e-5 V or A per LSB
	// for fixed-point data. Zero means unscaled.
	Conv uint32

	// Scale and AngleOffset are the CFG-3 floating-point calibration:
	// a magnitude multiplier for fixed-point data and an angle adjustment
	// in radians applied at decode.
	Scale       float64
	AngleOffset float64
}

// effectiveScale returns the multiplier applied to fixed-point raw values.
func (p PhasorChannel) effectiveScale() float64 {
	if p.Scale != 0 {
		return p.Scale
	}
	if p.Conv != 0 {
		return float64(p.Conv) * 1e-5
	}
	return 1
}

// AnalogChannel describes one analog channel of a station.
type AnalogChannel struct {
	Name string
	Kind uint8 // 0 point-on-wave, 1 RMS, 2 peak

	// Conv is the CFG-1/2 ANUNIT user-defined conversion, applied to
	// fixed-point values. Zero means unscaled.
	Conv int32

	// Scale and Offset are the CFG-3 calibration pair.
	Scale  float64
	Offset float64
}

func (a AnalogChannel) effectiveScale() float64 {
	if a.Scale != 0 {
		return a.Scale
	}
	if a.Conv != 0 {
		return float64(a.Conv)
	}
	return 1
}

// DigitalWord describes one 16-bit digital status word: its per-bit names
// and the normal-state and valid-inputs masks from DIGUNIT.
type DigitalWord struct {
	Names      []string // up to 16, one per bit
	NormalMask uint16
	ValidMask  uint16
}

// Station holds the per-station metadata of a configuration frame. CFG-1
// and CFG-2 carry the fixed-layout fields; CFG-3 additionally populates
// GlobalID, the calibration pairs and the location/class fields.
type Station struct {
	Name     string
	IDCode   uint16
	GlobalID [16]byte
	Format   Format
	Phasors  []PhasorChannel
	Analogs  []AnalogChannel
	Digitals []DigitalWord
	FNom     uint16
	CfgCount uint16

	// CFG-3 extensions.
	Latitude     float32
	Longitude    float32
	Elevation    float32
	ServiceClass byte // 'M' or 'P'
	Window       int32
	GroupDelay   int32
}

// NominalHz returns the nominal line frequency encoded in FNOM.
func (s *Station) NominalHz() float64 {
	if s.FNom&FNom50Hz != 0 {
		return 50
	}
	return 60
}

// dataSize returns the byte length this station contributes to a data
// frame body under its format flags.
func (s *Station) dataSize() int {
	n := 2 // STAT
	per := 4
	if s.Format.PhasorFloat() {
		per = 8
	}
	n += per * len(s.Phasors)
	if s.Format.FreqFloat() {
		n += 8
	} else {
		n += 4
	}
	av := 2
	if s.Format.AnalogFloat() {
		av = 4
	}
	n += av * len(s.Analogs)
	n += 2 * len(s.Digitals)
	return n
}

// ConfigFrame is a CFG-1, CFG-2 or CFG-3 frame. The header type records
// which variant it is; CFG-3 frames may carry more than one station.
type ConfigFrame struct {
	Header
	TimeBase uint32
	ContIdx  uint16 // CFG-3 continuation index, 0 for single-frame configs
	Stations []Station
	DataRate int16
}

// Station returns the station matching idCode, or nil.
func (c *ConfigFrame) Station(idCode uint16) *Station {
	for i := range c.Stations {
		if c.Stations[i].IDCode == idCode {
			return &c.Stations[i]
		}
	}
	return nil
}

// CfgCount returns the configuration-change counter of the first station;
// registry staleness checks key on it.
func (c *ConfigFrame) CfgCount() uint16 {
	if len(c.Stations) == 0 {
		return 0
	}
	return c.Stations[0].CfgCount
}

// expectedDataSize returns the full wire size of a data frame laid out
// against this configuration.
func (c *ConfigFrame) expectedDataSize() int {
	n := HeaderSize + crcSize
	for i := range c.Stations {
		n += c.Stations[i].dataSize()
	}
	return n
}

// validCounts checks the structural sanity ceilings on a station's counts.
func validCounts(ph, an, dg, stations int) error {
	if ph < 0 || ph > MaxPhasors {
		return errors.WrapInvalid(fmt.Errorf("phasor count %d exceeds limit %d", ph, MaxPhasors),
			"c37118", "decodeConfig", "channel count validation")
	}
	if an < 0 || an > MaxAnalogs {
		return errors.WrapInvalid(fmt.Errorf("analog count %d exceeds limit %d", an, MaxAnalogs),
			"c37118", "decodeConfig", "channel count validation")
	}
	if dg < 0 || dg > MaxDigitals {
		return errors.WrapInvalid(fmt.Errorf("digital word count %d exceeds limit %d", dg, MaxDigitals),
			"c37118", "decodeConfig", "channel count validation")
	}
	if stations < 1 || stations > MaxStations {
		return errors.WrapInvalid(fmt.Errorf("station count %d outside 1..%d", stations, MaxStations),
			"c37118", "decodeConfig", "station count validation")
	}
	return nil
}

// decodeConfig12 parses a CFG-1/CFG-2 body.
func decodeConfig12(h Header, body []byte) (*ConfigFrame, error) {
	r := &reader{buf: body}
	cfg := &ConfigFrame{Header: h}
	cfg.TimeBase = r.u32() & 0x00FFFFFF
	numPMU := int(r.u16())

	if err := validCounts(0, 0, 0, numPMU); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrMalformedFrame, err)
	}

	for p := 0; p < numPMU; p++ {
		var st Station
		st.Name = r.name16()
		st.IDCode = r.u16()
		st.Format = Format(r.u16())
		phnmr := int(r.u16())
		annmr := int(r.u16())
		dgnmr := int(r.u16())

		if err := validCounts(phnmr, annmr, dgnmr, 1); err != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrMalformedFrame, err)
		}
		if r.short {
			return nil, truncated("CFG channel counts")
		}

		st.Phasors = make([]PhasorChannel, phnmr)
		st.Analogs = make([]AnalogChannel, annmr)
		st.Digitals = make([]DigitalWord, dgnmr)

		for i := range st.Phasors {
			st.Phasors[i].Name = r.name16()
		}
		for i := range st.Analogs {
			st.Analogs[i].Name = r.name16()
		}
		for i := range st.Digitals {
			st.Digitals[i].Names = make([]string, 16)
			for b := 0; b < 16; b++ {
				st.Digitals[i].Names[b] = r.name16()
			}
		}

		for i := range st.Phasors {
			unit := r.u32()
			st.Phasors[i].Current = unit>>24 == 1
			st.Phasors[i].Conv = unit & 0x00FFFFFF
			st.Phasors[i].Scale = float64(st.Phasors[i].Conv) * 1e-5
		}
		for i := range st.Analogs {
			unit := r.u32()
			st.Analogs[i].Kind = uint8(unit >> 24)
			// Sign-extend the low 24-bit conversion.
			conv := int32(unit<<8) >> 8
			st.Analogs[i].Conv = conv
			st.Analogs[i].Scale = float64(conv)
		}
		for i := range st.Digitals {
			unit := r.u32()
			st.Digitals[i].NormalMask = uint16(unit >> 16)
			st.Digitals[i].ValidMask = uint16(unit)
		}

		st.FNom = r.u16()
		st.CfgCount = r.u16()
		cfg.Stations = append(cfg.Stations, st)
	}

	cfg.DataRate = r.i16()
	if r.short {
		return nil, truncated("CFG body")
	}
	return cfg, nil
}

// encodeConfig12 serializes a CFG-1/CFG-2 body.
func encodeConfig12(cfg *ConfigFrame, w *writer) {
	w.u32(cfg.TimeBase & 0x00FFFFFF)
	w.u16(uint16(len(cfg.Stations)))

	for i := range cfg.Stations {
		st := &cfg.Stations[i]
		w.name16(st.Name)
		w.u16(st.IDCode)
		w.u16(uint16(st.Format))
		w.u16(uint16(len(st.Phasors)))
		w.u16(uint16(len(st.Analogs)))
		w.u16(uint16(len(st.Digitals)))

		for _, ph := range st.Phasors {
			w.name16(ph.Name)
		}
		for _, an := range st.Analogs {
			w.name16(an.Name)
		}
		for _, dg := range st.Digitals {
			for b := 0; b < 16; b++ {
				name := ""
				if b < len(dg.Names) {
					name = dg.Names[b]
				}
				w.name16(name)
			}
		}

		for _, ph := range st.Phasors {
			conv := ph.Conv
			if conv == 0 && ph.Scale != 0 {
				conv = uint32(ph.Scale*1e5 + 0.5)
			}
			unit := conv & 0x00FFFFFF
			if ph.Current {
				unit |= 1 << 24
			}
			w.u32(unit)
		}
		for _, an := range st.Analogs {
			conv := an.Conv
			if conv == 0 && an.Scale != 0 {
				conv = int32(an.Scale)
			}
			w.u32(uint32(an.Kind)<<24 | uint32(conv)&0x00FFFFFF)
		}
		for _, dg := range st.Digitals {
			w.u32(uint32(dg.NormalMask)<<16 | uint32(dg.ValidMask))
		}

		w.u16(st.FNom)
		w.u16(st.CfgCount)
	}

	w.i16(cfg.DataRate)
}

// decodeConfig3 parses a CFG-3 body: variable-length names, floating-point
// calibration pairs and the extended station metadata.
func decodeConfig3(h Header, body []byte) (*ConfigFrame, error) {
	r := &reader{buf: body}
	cfg := &ConfigFrame{Header: h}
	cfg.ContIdx = r.u16()
	cfg.TimeBase = r.u32() & 0x00FFFFFF
	numPMU := int(r.u16())

	if err := validCounts(0, 0, 0, numPMU); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrMalformedFrame, err)
	}

	for p := 0; p < numPMU; p++ {
		var st Station
		st.Name = r.nameVar()
		st.IDCode = r.u16()
		copy(st.GlobalID[:], r.bytes(16))
		st.Format = Format(r.u16())
		phnmr := int(r.u16())
		annmr := int(r.u16())
		dgnmr := int(r.u16())

		if err := validCounts(phnmr, annmr, dgnmr, 1); err != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrMalformedFrame, err)
		}
		if r.short {
			return nil, truncated("CFG-3 channel counts")
		}

		st.Phasors = make([]PhasorChannel, phnmr)
		st.Analogs = make([]AnalogChannel, annmr)
		st.Digitals = make([]DigitalWord, dgnmr)

		for i := range st.Phasors {
			st.Phasors[i].Name = r.nameVar()
		}
		for i := range st.Analogs {
			st.Analogs[i].Name = r.nameVar()
		}
		for i := range st.Digitals {
			st.Digitals[i].Names = make([]string, 16)
			for b := 0; b < 16; b++ {
				st.Digitals[i].Names[b] = r.nameVar()
			}
		}

		for i := range st.Phasors {
			flags := r.u32()
			st.Phasors[i].Current = flags&1 != 0
			st.Phasors[i].Scale = float64(r.f32())
			st.Phasors[i].AngleOffset = float64(r.f32())
		}
		for i := range st.Analogs {
			st.Analogs[i].Scale = float64(r.f32())
			st.Analogs[i].Offset = float64(r.f32())
		}
		for i := range st.Digitals {
			unit := r.u32()
			st.Digitals[i].NormalMask = uint16(unit >> 16)
			st.Digitals[i].ValidMask = uint16(unit)
		}

		st.Latitude = r.f32()
		st.Longitude = r.f32()
		st.Elevation = r.f32()
		st.ServiceClass = r.u8()
		st.Window = r.i32()
		st.GroupDelay = r.i32()
		st.FNom = r.u16()
		st.CfgCount = r.u16()
		cfg.Stations = append(cfg.Stations, st)
	}

	cfg.DataRate = r.i16()
	if r.short {
		return nil, truncated("CFG-3 body")
	}
	return cfg, nil
}

// encodeConfig3 serializes a CFG-3 body.
func encodeConfig3(cfg *ConfigFrame, w *writer) {
	w.u16(cfg.ContIdx)
	w.u32(cfg.TimeBase & 0x00FFFFFF)
	w.u16(uint16(len(cfg.Stations)))

	for i := range cfg.Stations {
		st := &cfg.Stations[i]
		w.nameVar(st.Name)
		w.u16(st.IDCode)
		w.bytes(st.GlobalID[:])
		w.u16(uint16(st.Format))
		w.u16(uint16(len(st.Phasors)))
		w.u16(uint16(len(st.Analogs)))
		w.u16(uint16(len(st.Digitals)))

		for _, ph := range st.Phasors {
			w.nameVar(ph.Name)
		}
		for _, an := range st.Analogs {
			w.nameVar(an.Name)
		}
		for _, dg := range st.Digitals {
			for b := 0; b < 16; b++ {
				name := ""
				if b < len(dg.Names) {
					name = dg.Names[b]
				}
				w.nameVar(name)
			}
		}

		for _, ph := range st.Phasors {
			var flags uint32
			if ph.Current {
				flags |= 1
			}
			w.u32(flags)
			w.f32(float32(ph.effectiveScale()))
			w.f32(float32(ph.AngleOffset))
		}
		for _, an := range st.Analogs {
			w.f32(float32(an.effectiveScale()))
			w.f32(float32(an.Offset))
		}
		for _, dg := range st.Digitals {
			w.u32(uint32(dg.NormalMask)<<16 | uint32(dg.ValidMask))
		}

		w.f32(st.Latitude)
		w.f32(st.Longitude)
		w.f32(st.Elevation)
		w.u8(st.ServiceClass)
		w.i32(st.Window)
		w.i32(st.GroupDelay)
		w.u16(st.FNom)
		w.u16(st.CfgCount)
	}

	w.i16(cfg.DataRate)
}

// truncated builds the malformed-frame error for a body shorter than its
// counts require.
func truncated(what string) error {
	return fmt.Errorf("%w: truncated %s", errors.ErrMalformedFrame, what)
}
