package c37118

import (
	"fmt"
	"math"
	"math/cmplx"
)

// polarAngleLSB is the angle resolution of fixed-point polar phasors:
// radians times 1e4 in a signed 16-bit field.
const polarAngleLSB = 1e-4

// freqDeviationLSB is the resolution of the fixed-point FREQ field: mHz.
const freqDeviationLSB = 1e-3

// rocofLSB is the resolution of the fixed-point DFREQ field: Hz/s times 100.
const rocofLSB = 0.01

// DataBlock holds the decoded measurement of one station within a data
// frame. Phasors are rectangular complex values in physical units (volts
// or amperes); Freq is the actual frequency in Hz.
type DataBlock struct {
	Stat     StatWord
	Phasors  []complex128
	Freq     float64
	ROCOF    float64
	Analogs  []float64
	Digitals []uint16
}

// DataFrame is a decoded DATA frame: one block per station of the owning
// configuration, in configuration order.
type DataFrame struct {
	Header
	Blocks []DataBlock
}

// decodeData parses a data frame body against cfg. The caller has already
// verified the checksum and matched cfg to the frame's id code.
func decodeData(h Header, body []byte, cfg *ConfigFrame) (*DataFrame, error) {
	r := &reader{buf: body}
	d := &DataFrame{Header: h}

	for si := range cfg.Stations {
		st := &cfg.Stations[si]
		var blk DataBlock
		blk.Stat = StatWord(r.u16())

		if blk.Stat.ConfigChange() {
			return nil, fmt.Errorf("%w: station %d signals configuration change",
				errConfigMismatch, st.IDCode)
		}

		blk.Phasors = make([]complex128, len(st.Phasors))
		for i := range blk.Phasors {
			ch := &st.Phasors[i]
			var v complex128
			switch {
			case st.Format.PhasorFloat() && st.Format.PhasorPolar():
				mag := float64(r.f32())
				ang := float64(r.f32())
				v = cmplx.Rect(mag, ang+ch.AngleOffset)
			case st.Format.PhasorFloat():
				v = complex(float64(r.f32()), float64(r.f32()))
				if ch.AngleOffset != 0 {
					v = rotate(v, ch.AngleOffset)
				}
			case st.Format.PhasorPolar():
				mag := float64(r.u16()) * ch.effectiveScale()
				ang := float64(r.i16()) * polarAngleLSB
				v = cmplx.Rect(mag, ang+ch.AngleOffset)
			default:
				re := float64(r.i16()) * ch.effectiveScale()
				im := float64(r.i16()) * ch.effectiveScale()
				v = complex(re, im)
				if ch.AngleOffset != 0 {
					v = rotate(v, ch.AngleOffset)
				}
			}
			blk.Phasors[i] = v
		}

		if st.Format.FreqFloat() {
			blk.Freq = float64(r.f32())
			blk.ROCOF = float64(r.f32())
		} else {
			blk.Freq = st.NominalHz() + float64(r.i16())*freqDeviationLSB
			blk.ROCOF = float64(r.i16()) * rocofLSB
		}

		blk.Analogs = make([]float64, len(st.Analogs))
		for i := range blk.Analogs {
			if st.Format.AnalogFloat() {
				blk.Analogs[i] = float64(r.f32())
			} else {
				blk.Analogs[i] = float64(r.i16())*st.Analogs[i].effectiveScale() + st.Analogs[i].Offset
			}
		}

		blk.Digitals = make([]uint16, len(st.Digitals))
		for i := range blk.Digitals {
			blk.Digitals[i] = r.u16()
		}

		d.Blocks = append(d.Blocks, blk)
	}

	if r.short || r.remaining() != 0 {
		return nil, fmt.Errorf("%w: data frame size does not match configuration layout",
			errConfigMismatch)
	}
	return d, nil
}

// encodeData serializes a data frame body against cfg, quantizing values
// per the station format flags. Block count must match the configuration.
func encodeData(d *DataFrame, cfg *ConfigFrame, w *writer) error {
	if len(d.Blocks) != len(cfg.Stations) {
		return fmt.Errorf("%w: %d blocks for %d configured stations",
			errMalformed, len(d.Blocks), len(cfg.Stations))
	}

	for si := range cfg.Stations {
		st := &cfg.Stations[si]
		blk := &d.Blocks[si]
		if len(blk.Phasors) != len(st.Phasors) ||
			len(blk.Analogs) != len(st.Analogs) ||
			len(blk.Digitals) != len(st.Digitals) {
			return fmt.Errorf("%w: block %d channel counts do not match configuration",
				errMalformed, si)
		}

		w.u16(uint16(blk.Stat))

		for i, v := range blk.Phasors {
			ch := &st.Phasors[i]
			if ch.AngleOffset != 0 {
				v = rotate(v, -ch.AngleOffset)
			}
			switch {
			case st.Format.PhasorFloat() && st.Format.PhasorPolar():
				mag, ang := cmplx.Polar(v)
				w.f32(float32(mag))
				w.f32(float32(ang))
			case st.Format.PhasorFloat():
				w.f32(float32(real(v)))
				w.f32(float32(imag(v)))
			case st.Format.PhasorPolar():
				mag, ang := cmplx.Polar(v)
				w.u16(uint16(clamp(mag/ch.effectiveScale(), 0, math.MaxUint16)))
				w.i16(int16(clamp(ang/polarAngleLSB, math.MinInt16, math.MaxInt16)))
			default:
				scale := ch.effectiveScale()
				w.i16(int16(clamp(real(v)/scale, math.MinInt16, math.MaxInt16)))
				w.i16(int16(clamp(imag(v)/scale, math.MinInt16, math.MaxInt16)))
			}
		}

		if st.Format.FreqFloat() {
			w.f32(float32(blk.Freq))
			w.f32(float32(blk.ROCOF))
		} else {
			dev := (blk.Freq - st.NominalHz()) / freqDeviationLSB
			w.i16(int16(clamp(dev, math.MinInt16, math.MaxInt16)))
			w.i16(int16(clamp(blk.ROCOF/rocofLSB, math.MinInt16, math.MaxInt16)))
		}

		for i, v := range blk.Analogs {
			if st.Format.AnalogFloat() {
				w.f32(float32(v))
			} else {
				an := &st.Analogs[i]
				w.i16(int16(clamp((v-an.Offset)/an.effectiveScale(), math.MinInt16, math.MaxInt16)))
			}
		}

		for _, v := range blk.Digitals {
			w.u16(v)
		}
	}
	return nil
}

// rotate multiplies v by e^(i*theta).
func rotate(v complex128, theta float64) complex128 {
	return v * cmplx.Rect(1, theta)
}

// clamp rounds x to the nearest integer within [lo, hi].
func clamp(x, lo, hi float64) float64 {
	x = math.Round(x)
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
