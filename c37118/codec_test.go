package c37118

import (
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// testConfig builds a one-station CFG-2 with 4 phasors, 2 analogs and one
// digital word under the given format flags.
func testConfig(format Format) *ConfigFrame {
	st := Station{
		Name:   "STATION A",
		IDCode: 7734,
		Format: format,
		Phasors: []PhasorChannel{
			{Name: "VA", Conv: 915527, Scale: 9.15527},
			{Name: "VB", Conv: 915527, Scale: 9.15527},
			{Name: "VC", Conv: 915527, Scale: 9.15527},
			{Name: "I1", Current: true, Conv: 45776, Scale: 0.45776},
		},
		Analogs: []AnalogChannel{
			{Name: "ANALOG1", Kind: 1, Conv: 1, Scale: 1},
			{Name: "ANALOG2", Kind: 1, Conv: 1, Scale: 1},
		},
		Digitals: []DigitalWord{
			{
				Names:      []string{"BREAKER 1", "BREAKER 2"},
				NormalMask: 0x0000,
				ValidMask:  0xFFFF,
			},
		},
		FNom:     FNom60Hz,
		CfgCount: 22,
	}
	cfg := &ConfigFrame{
		Header:   Header{Type: TypeConfig2, Version: ProtocolVersion, IDCode: 7734},
		TimeBase: DefaultTimeBase,
		Stations: []Station{st},
		DataRate: 30,
	}
	cfg.SetTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), cfg.TimeBase)
	return cfg
}

func testData(cfg *ConfigFrame) *DataFrame {
	d := &DataFrame{
		Header: Header{Type: TypeData, Version: ProtocolVersion, IDCode: cfg.IDCode},
		Blocks: []DataBlock{{
			Stat: 0,
			Phasors: []complex128{
				cmplx.Rect(69000, 0),
				cmplx.Rect(69000, -2*math.Pi/3),
				cmplx.Rect(69000, 2*math.Pi/3),
				cmplx.Rect(500, 0.1),
			},
			Freq:     59.987,
			ROCOF:    -0.05,
			Analogs:  []float64{100, -42},
			Digitals: []uint16{0x0003},
		}},
	}
	d.SetTime(time.Date(2024, 6, 1, 12, 0, 0, 33_333_333, time.UTC), cfg.TimeBase)
	return d
}

func TestConfig2RoundTrip(t *testing.T) {
	cfg := testConfig(NewFormat(true, true, true, false))

	buf, err := Encode(cfg)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)

	got, ok := decoded.(*ConfigFrame)
	require.True(t, ok)
	assert.Equal(t, cfg.IDCode, got.IDCode)
	assert.Equal(t, cfg.TimeBase, got.TimeBase)
	assert.Equal(t, cfg.DataRate, got.DataRate)
	require.Len(t, got.Stations, 1)

	st := got.Stations[0]
	assert.Equal(t, "STATION A", st.Name)
	assert.Equal(t, uint16(7734), st.IDCode)
	assert.Equal(t, uint16(22), st.CfgCount)
	assert.Equal(t, 60.0, st.NominalHz())
	require.Len(t, st.Phasors, 4)
	assert.Equal(t, "VA", st.Phasors[0].Name)
	assert.False(t, st.Phasors[0].Current)
	assert.True(t, st.Phasors[3].Current)
	assert.InDelta(t, 9.15527, st.Phasors[0].Scale, 1e-5)
	require.Len(t, st.Digitals, 1)
	assert.Equal(t, "BREAKER 2", st.Digitals[0].Names[1])
	assert.Equal(t, uint16(0xFFFF), st.Digitals[0].ValidMask)
}

func TestConfig3RoundTrip(t *testing.T) {
	cfg := testConfig(NewFormat(true, true, true, true))
	cfg.Type = TypeConfig3
	for i := range cfg.Stations {
		st := &cfg.Stations[i]
		st.ServiceClass = 'M'
		st.Latitude = -23.55
		st.Longitude = -46.63
		st.Elevation = 760
		st.Window = 2
		st.GroupDelay = 10
		copy(st.GlobalID[:], "GLOBAL-PMU-0001")
		for p := range st.Phasors {
			st.Phasors[p].Conv = 0 // CFG-3 carries float calibration only
			st.Phasors[p].AngleOffset = 0
		}
	}

	buf, err := Encode(cfg)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)

	got, ok := decoded.(*ConfigFrame)
	require.True(t, ok)
	require.Len(t, got.Stations, 1)
	st := got.Stations[0]
	assert.Equal(t, "STATION A", st.Name)
	assert.Equal(t, byte('M'), st.ServiceClass)
	assert.InDelta(t, -23.55, float64(st.Latitude), 1e-3)
	assert.Equal(t, int32(10), st.GroupDelay)
	assert.InDelta(t, 9.15527, st.Phasors[0].Scale, 1e-4)
	assert.Equal(t, cfg.Stations[0].GlobalID, st.GlobalID)
}

func TestConfig3MultiStation(t *testing.T) {
	cfg := testConfig(NewFormat(true, true, true, false))
	cfg.Type = TypeConfig3
	second := cfg.Stations[0]
	second.Name = "STATION B"
	second.IDCode = 7735
	cfg.Stations = append(cfg.Stations, second)

	buf, err := Encode(cfg)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	got := decoded.(*ConfigFrame)
	require.Len(t, got.Stations, 2)
	assert.Equal(t, "STATION B", got.Stations[1].Name)
	assert.NotNil(t, got.Station(7735))
	assert.Nil(t, got.Station(9999))
}

func TestDataRoundTripAllFormats(t *testing.T) {
	formats := map[string]Format{
		"float-rect":  NewFormat(true, true, true, false),
		"float-polar": NewFormat(true, true, true, true),
		"fixed-rect":  NewFormat(false, false, false, false),
		"fixed-polar": NewFormat(false, false, false, true),
	}

	for name, format := range formats {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(format)
			d := testData(cfg)

			buf, err := EncodeData(d, cfg)
			require.NoError(t, err)

			got, err := DecodeData(buf, cfg)
			require.NoError(t, err)
			require.Len(t, got.Blocks, 1)
			blk := got.Blocks[0]

			// Fixed-point representations quantize; tolerances reflect the
			// channel conversion factors.
			magTol := 1e-2
			if !format.PhasorFloat() {
				magTol = 20.0
			}
			freqTol := 1e-3
			for i, want := range d.Blocks[0].Phasors {
				assert.InDelta(t, cmplx.Abs(want), cmplx.Abs(blk.Phasors[i]), magTol, "phasor %d magnitude", i)
				assert.InDelta(t, cmplx.Phase(want), cmplx.Phase(blk.Phasors[i]), 2e-3, "phasor %d angle", i)
			}
			assert.InDelta(t, d.Blocks[0].Freq, blk.Freq, freqTol)
			assert.InDelta(t, d.Blocks[0].ROCOF, blk.ROCOF, 0.01)
			assert.InDelta(t, d.Blocks[0].Analogs[0], blk.Analogs[0], 0.5)
			assert.InDelta(t, d.Blocks[0].Analogs[1], blk.Analogs[1], 0.5)
			assert.Equal(t, d.Blocks[0].Digitals, blk.Digitals)
			assert.Equal(t, d.Blocks[0].Stat, blk.Stat)
		})
	}
}

func TestChecksumSensitivity(t *testing.T) {
	cfg := testConfig(NewFormat(true, true, true, false))
	d := testData(cfg)
	buf, err := EncodeData(d, cfg)
	require.NoError(t, err)

	// Flipping any single bit outside the trailer must fail the CRC.
	// Bytes 0-3 may instead fail sync/size validation, which is also a
	// rejection; in no case may a corrupted frame decode.
	for i := 0; i < len(buf)-crcSize; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), buf...)
			corrupted[i] ^= 1 << bit
			_, err := DecodeData(corrupted, cfg)
			require.Error(t, err, "byte %d bit %d", i, bit)
			if i >= 4 {
				assert.ErrorIs(t, err, errors.ErrChecksum, "byte %d bit %d", i, bit)
			}
		}
	}
}

func TestDecodeDataRequiresConfig(t *testing.T) {
	cfg := testConfig(NewFormat(true, true, true, false))
	buf, err := EncodeData(testData(cfg), cfg)
	require.NoError(t, err)

	_, err = DecodeData(buf, nil)
	assert.ErrorIs(t, err, errors.ErrUnknownSource)

	// Decode routes data frames to the same rejection.
	_, err = Decode(buf)
	assert.ErrorIs(t, err, errors.ErrUnknownSource)
}

func TestDecodeDataConfigMismatch(t *testing.T) {
	cfg := testConfig(NewFormat(true, true, true, false))
	buf, err := EncodeData(testData(cfg), cfg)
	require.NoError(t, err)

	// A configuration with a different channel layout cannot interpret
	// the frame.
	other := testConfig(NewFormat(true, true, true, false))
	other.Stations[0].Phasors = other.Stations[0].Phasors[:2]
	_, err = DecodeData(buf, other)
	assert.ErrorIs(t, err, errors.ErrConfigMismatch)

	// A data frame flagging a pending configuration change is rejected
	// even when the layout still fits.
	d := testData(cfg)
	d.Blocks[0].Stat = 0x0400
	buf, err = EncodeData(d, cfg)
	require.NoError(t, err)
	_, err = DecodeData(buf, cfg)
	assert.ErrorIs(t, err, errors.ErrConfigMismatch)
}

func TestSniff(t *testing.T) {
	cfg := testConfig(NewFormat(true, true, true, false))
	buf, err := Encode(cfg)
	require.NoError(t, err)

	typ, size, err := Sniff(buf[:4])
	require.NoError(t, err)
	assert.Equal(t, TypeConfig2, typ)
	assert.Equal(t, len(buf), size)

	_, _, err = Sniff([]byte{0xAB, 0x21, 0x00, 0x20})
	assert.ErrorIs(t, err, errors.ErrInvalidSync)

	_, _, err = Sniff([]byte{0xAA, 0x61, 0x00, 0x20}) // type 6 undefined
	assert.ErrorIs(t, err, errors.ErrInvalidSync)

	_, _, err = Sniff([]byte{0xAA, 0x21, 0x00, 0x04}) // size below header
	assert.ErrorIs(t, err, errors.ErrMalformedFrame)

	_, _, err = Sniff([]byte{0xAA})
	assert.ErrorIs(t, err, errors.ErrMalformedFrame)
}

func TestMalformedChannelCounts(t *testing.T) {
	cfg := testConfig(NewFormat(true, true, true, false))
	buf, err := Encode(cfg)
	require.NoError(t, err)

	// PHNMR lives at a fixed offset in a one-station CFG-2:
	// header(14) + timebase(4) + numpmu(2) + stn(16) + idcode(2) + format(2).
	off := HeaderSize + 4 + 2 + 16 + 2 + 2
	buf[off] = 0xFF
	buf[off+1] = 0xFF
	// Reseal so the corruption is structural, not a checksum failure.
	size := len(buf)
	crc := Checksum(buf[:size-crcSize])
	buf[size-2] = byte(crc >> 8)
	buf[size-1] = byte(crc)

	_, err = Decode(buf)
	assert.ErrorIs(t, err, errors.ErrMalformedFrame)
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := NewCommand(7734, CmdSendConfig2)
	cmd.SetTime(time.Now(), DefaultTimeBase)

	buf, err := Encode(cmd)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	got, ok := decoded.(*CommandFrame)
	require.True(t, ok)
	assert.Equal(t, CmdSendConfig2, got.Code)
	assert.Equal(t, uint16(7734), got.IDCode)
	assert.Empty(t, got.Ext)

	ext := NewCommand(7734, CmdExtended)
	ext.Ext = []byte{0x01, 0x02, 0x03}
	buf, err = Encode(ext)
	require.NoError(t, err)
	decoded, err = Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, decoded.(*CommandFrame).Ext)
}

func TestHeaderFrameRoundTrip(t *testing.T) {
	hf := &HeaderFrame{
		Header: Header{Type: TypeHeader, Version: ProtocolVersion, IDCode: 7734},
		Info:   "SmartPDC virtual PMU",
	}
	buf, err := Encode(hf)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "SmartPDC virtual PMU", decoded.(*HeaderFrame).Info)
}

func TestTimestampRoundTrip(t *testing.T) {
	var h Header
	want := time.Date(2024, 6, 1, 12, 0, 0, 33_333_333, time.UTC)
	h.SetTime(want, DefaultTimeBase)
	got := h.Time(DefaultTimeBase)
	assert.WithinDuration(t, want, got, time.Microsecond)
	assert.Equal(t, uint8(0), h.TimeQuality())

	// Quality flags survive SetTime.
	h.FracSec |= 0x0F << 24
	h.SetTime(want, DefaultTimeBase)
	assert.Equal(t, uint8(0x0F), h.TimeQuality())
}

func TestChecksumKnownVector(t *testing.T) {
	// CRC-CCITT (0xFFFF) of "123456789" is 0x29B1.
	assert.Equal(t, uint16(0x29B1), Checksum([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), Checksum(nil))
}
