package c37118

import (
	"time"
)

// SyncByte is the first byte of every C37.118 frame.
const SyncByte = 0xAA

// ProtocolVersion is the version nibble for IEEE C37.118.2-2011.
const ProtocolVersion = 2

// HeaderSize is the length of the common frame header in bytes.
const HeaderSize = 14

// crcSize is the length of the CRC-CCITT trailer.
const crcSize = 2

// MaxFrameSize bounds the declared frame length; FRAMESIZE is a 16-bit field.
const MaxFrameSize = 0xFFFF

// Structural sanity ceilings. Counts beyond these are treated as malformed
// frames rather than honored, so a corrupt count field cannot drive huge
// allocations.
const (
	MaxPhasors  = 64
	MaxAnalogs  = 64
	MaxDigitals = 8
	MaxStations = 16
)

// DefaultTimeBase is the FRACSEC resolution used when a configuration
// does not provide one.
const DefaultTimeBase = 1_000_000

// FrameType identifies the frame variant carried after the common header.
type FrameType uint8

// Frame types as encoded in bits 4-6 of the second sync byte.
const (
	TypeData    FrameType = 0
	TypeHeader  FrameType = 1
	TypeConfig1 FrameType = 2
	TypeConfig2 FrameType = 3
	TypeCommand FrameType = 4
	TypeConfig3 FrameType = 5
)

// String returns the conventional name of the frame type.
func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHeader:
		return "HDR"
	case TypeConfig1:
		return "CFG-1"
	case TypeConfig2:
		return "CFG-2"
	case TypeCommand:
		return "CMD"
	case TypeConfig3:
		return "CFG-3"
	default:
		return "UNKNOWN"
	}
}

// valid reports whether t is a defined frame type.
func (t FrameType) valid() bool { return t <= TypeConfig3 }

// isConfig reports whether t carries a configuration body.
func (t FrameType) isConfig() bool {
	return t == TypeConfig1 || t == TypeConfig2 || t == TypeConfig3
}

// Header is the common frame header shared by all frame types: sync,
// declared size, source id code and the SOC/FRACSEC timestamp.
type Header struct {
	Type    FrameType
	Version uint8
	IDCode  uint16
	SOC     uint32
	FracSec uint32 // bits 0-23 fraction count, bits 24-31 time quality flags
}

// FrameHeader returns the common header; it makes Header satisfy Frame
// when embedded in a concrete frame type.
func (h *Header) FrameHeader() *Header { return h }

// FracCount returns the fraction-of-second count (low 24 bits of FRACSEC).
func (h *Header) FracCount() uint32 { return h.FracSec & 0x00FFFFFF }

// TimeQuality returns the time quality flag byte (high 8 bits of FRACSEC).
func (h *Header) TimeQuality() uint8 { return uint8(h.FracSec >> 24) }

// Time converts SOC plus the fraction count into a UTC timestamp. timeBase
// is the fraction resolution from the owning configuration; zero selects
// DefaultTimeBase.
func (h *Header) Time(timeBase uint32) time.Time {
	if timeBase == 0 {
		timeBase = DefaultTimeBase
	}
	nanos := uint64(h.FracCount()) * uint64(time.Second) / uint64(timeBase)
	return time.Unix(int64(h.SOC), int64(nanos)).UTC()
}

// SetTime populates SOC and the fraction count from a timestamp, preserving
// the time quality flags already present in FRACSEC.
func (h *Header) SetTime(t time.Time, timeBase uint32) {
	if timeBase == 0 {
		timeBase = DefaultTimeBase
	}
	t = t.UTC()
	h.SOC = uint32(t.Unix())
	frac := uint64(t.Nanosecond()) * uint64(timeBase) / uint64(time.Second)
	h.FracSec = h.FracSec&0xFF000000 | uint32(frac)&0x00FFFFFF
}

// Frame is one decoded unit of the wire protocol. Concrete types are
// *ConfigFrame, *DataFrame, *CommandFrame and *HeaderFrame.
type Frame interface {
	FrameHeader() *Header
}

// Format is the FORMAT word of a configuration frame. It selects the
// numeric representation of the data frame fields for one station.
type Format uint16

// FORMAT word bits per C37.118.2-2011 Table 9.
const (
	formatFreqFloat   Format = 1 << 0 // FREQ/DFREQ: 0 = 16-bit integer, 1 = float
	formatAnalogFloat Format = 1 << 1 // analogs: 0 = 16-bit integer, 1 = float
	formatPhasorFloat Format = 1 << 2 // phasors: 0 = 16-bit integer pair, 1 = float
	formatPhasorPolar Format = 1 << 3 // phasors: 0 = rectangular, 1 = polar
)

// NewFormat assembles a FORMAT word from its four flags.
func NewFormat(freqFloat, analogFloat, phasorFloat, phasorPolar bool) Format {
	var f Format
	if freqFloat {
		f |= formatFreqFloat
	}
	if analogFloat {
		f |= formatAnalogFloat
	}
	if phasorFloat {
		f |= formatPhasorFloat
	}
	if phasorPolar {
		f |= formatPhasorPolar
	}
	return f
}

// FreqFloat reports whether FREQ/DFREQ are IEEE floating point.
func (f Format) FreqFloat() bool { return f&formatFreqFloat != 0 }

// AnalogFloat reports whether analog values are IEEE floating point.
func (f Format) AnalogFloat() bool { return f&formatAnalogFloat != 0 }

// PhasorFloat reports whether phasors are IEEE floating point.
func (f Format) PhasorFloat() bool { return f&formatPhasorFloat != 0 }

// PhasorPolar reports whether phasors are magnitude/angle rather than
// rectangular real/imaginary.
func (f Format) PhasorPolar() bool { return f&formatPhasorPolar != 0 }

// StatWord is the per-station STAT field of a data frame.
type StatWord uint16

// DataError returns the data validity code (bits 14-15):
// 0 good, 1 PMU error, 2 PMU in test, 3 PMU error, do not use.
func (s StatWord) DataError() uint8 { return uint8(s >> 14) }

// SyncError reports loss of time synchronization (bit 13).
func (s StatWord) SyncError() bool { return s&0x2000 != 0 }

// SortedByArrival reports sorting by arrival rather than timestamp (bit 12).
func (s StatWord) SortedByArrival() bool { return s&0x1000 != 0 }

// Trigger reports a PMU trigger event (bit 11).
func (s StatWord) Trigger() bool { return s&0x0800 != 0 }

// ConfigChange reports that a configuration change is pending (bit 10).
// A data frame carrying this bit cannot be trusted against the registered
// configuration and is rejected with ErrConfigMismatch.
func (s StatWord) ConfigChange() bool { return s&0x0400 != 0 }

// DataModified reports post-processing modification (bit 9).
func (s StatWord) DataModified() bool { return s&0x0200 != 0 }

// UnlockedTime returns the time-unlocked code (bits 4-5).
func (s StatWord) UnlockedTime() uint8 { return uint8(s>>4) & 0x3 }

// TriggerReason returns the trigger reason code (bits 0-3).
func (s StatWord) TriggerReason() uint8 { return uint8(s) & 0xF }
