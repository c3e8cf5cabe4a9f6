package receiver

import (
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janiolos/SmartPhasorToolBox/c37118"
)

func testConfig() *c37118.ConfigFrame {
	cfg := &c37118.ConfigFrame{
		Header:   c37118.Header{Type: c37118.TypeConfig2, Version: c37118.ProtocolVersion, IDCode: 7734},
		TimeBase: c37118.DefaultTimeBase,
		Stations: []c37118.Station{{
			Name:   "STATION A",
			IDCode: 7734,
			Format: c37118.NewFormat(true, true, true, false),
			Phasors: []c37118.PhasorChannel{
				{Name: "VA"}, {Name: "VB"}, {Name: "VC"}, {Name: "I1", Current: true},
			},
			Analogs:  []c37118.AnalogChannel{{Name: "ANALOG1"}},
			Digitals: []c37118.DigitalWord{{Names: []string{"BREAKER 1"}}},
			FNom:     c37118.FNom60Hz,
		}},
		DataRate: 30,
	}
	cfg.SetTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), cfg.TimeBase)
	return cfg
}

func testDataBytes(t *testing.T, cfg *c37118.ConfigFrame, seq int) []byte {
	t.Helper()
	d := &c37118.DataFrame{
		Header: c37118.Header{Type: c37118.TypeData, Version: c37118.ProtocolVersion, IDCode: cfg.IDCode},
		Blocks: []c37118.DataBlock{{
			Phasors: []complex128{
				cmplx.Rect(69000, 0),
				cmplx.Rect(69000, -2*math.Pi/3),
				cmplx.Rect(69000, 2*math.Pi/3),
				cmplx.Rect(500, 0.1),
			},
			Freq:     60.001,
			ROCOF:    0.01,
			Analogs:  []float64{float64(seq)},
			Digitals: []uint16{0x0001},
		}},
	}
	d.SetTime(time.Date(2024, 6, 1, 12, 0, 0, seq*33_333_333, time.UTC), cfg.TimeBase)

	buf, err := c37118.EncodeData(d, cfg)
	require.NoError(t, err)
	return buf
}

func TestScannerSingleFrame(t *testing.T) {
	cfg := testConfig()
	frame := testDataBytes(t, cfg, 0)

	s := NewScanner()
	s.Feed(frame)

	got := s.Next()
	require.NotNil(t, got)
	assert.Equal(t, frame, got)
	assert.Nil(t, s.Next())
	assert.Equal(t, uint64(1), s.Stats().Frames)
	assert.Equal(t, uint64(0), s.Stats().Resyncs)
}

func TestScannerSplitDelivery(t *testing.T) {
	cfg := testConfig()
	frame := testDataBytes(t, cfg, 0)

	s := NewScanner()
	for i := 0; i < len(frame); i++ {
		s.Feed(frame[i : i+1])
		if i < len(frame)-1 {
			assert.Nil(t, s.Next())
		}
	}
	assert.Equal(t, frame, s.Next())
}

func TestScannerCoalescedFrames(t *testing.T) {
	cfg := testConfig()
	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, testDataBytes(t, cfg, i)...)
	}

	s := NewScanner()
	s.Feed(stream)

	for i := 0; i < 5; i++ {
		require.NotNil(t, s.Next(), "frame %d", i)
	}
	assert.Nil(t, s.Next())
	assert.Equal(t, uint64(5), s.Stats().Frames)
}

func TestScannerResyncOverGarbage(t *testing.T) {
	cfg := testConfig()
	f1 := testDataBytes(t, cfg, 1)
	f2 := testDataBytes(t, cfg, 2)

	garbage := []byte{0x00, 0x13, 0x37, 0xAA, 0x00, 0xFF, 0x42}
	var stream []byte
	stream = append(stream, garbage...)
	stream = append(stream, f1...)
	stream = append(stream, garbage...)
	stream = append(stream, f2...)

	s := NewScanner()
	s.Feed(stream)

	assert.Equal(t, f1, s.Next())
	assert.Equal(t, f2, s.Next())
	assert.Nil(t, s.Next())

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, uint64(2), stats.Resyncs)
	assert.Equal(t, uint64(2*len(garbage)), stats.BytesDiscarded)
}

func TestScannerCorruptFrameSkipped(t *testing.T) {
	cfg := testConfig()
	bad := testDataBytes(t, cfg, 1)
	bad[len(bad)/2] ^= 0xFF // corrupt the payload so the CRC fails
	good := testDataBytes(t, cfg, 2)

	s := NewScanner()
	s.Feed(bad)
	s.Feed(good)

	got := s.Next()
	require.NotNil(t, got)
	assert.Equal(t, good, got)
	assert.Nil(t, s.Next())
	assert.NotZero(t, s.Stats().BytesDiscarded)
}

func TestScannerPartialFrameThenReset(t *testing.T) {
	cfg := testConfig()
	frame := testDataBytes(t, cfg, 0)

	s := NewScanner()
	s.Feed(frame[:len(frame)/2])
	assert.Nil(t, s.Next())
	assert.Equal(t, len(frame)/2, s.Pending())

	s.Reset()
	assert.Equal(t, 0, s.Pending())

	// A fresh frame after reset parses cleanly.
	s.Feed(frame)
	assert.Equal(t, frame, s.Next())
}

func TestScannerFalseSync(t *testing.T) {
	// A stray sync byte with a plausible declared length whose checksum
	// fails must be abandoned byte by byte until the real frame aligns.
	falseSync := []byte{0xAA, 0x01, 0x00, 0x12}
	falseSync = append(falseSync, make([]byte, 14)...)
	// Force the trailer to disagree with the computed checksum.
	bad := c37118.Checksum(falseSync[:16]) ^ 0xFFFF
	falseSync[16] = byte(bad >> 8)
	falseSync[17] = byte(bad)
	cfg := testConfig()
	frame := testDataBytes(t, cfg, 0)

	s := NewScanner()
	s.Feed(falseSync)
	s.Feed(frame)

	assert.Equal(t, frame, s.Next())
	assert.Nil(t, s.Next())
	assert.Equal(t, uint64(len(falseSync)), s.Stats().BytesDiscarded)
}
