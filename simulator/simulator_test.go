package simulator

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janiolos/SmartPhasorToolBox/c37118"
	"github.com/janiolos/SmartPhasorToolBox/c37118/registry"
	"github.com/janiolos/SmartPhasorToolBox/errors"
	"github.com/janiolos/SmartPhasorToolBox/receiver"
	"github.com/janiolos/SmartPhasorToolBox/sink"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSimulator(t *testing.T, cfg Config) *Simulator {
	t.Helper()
	sim, err := New(cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, sim.Initialize())
	require.NoError(t, sim.Start(context.Background()))
	t.Cleanup(func() { sim.Stop(2 * time.Second) })
	return sim
}

// commandAndCollect dials the simulator, sends the given commands and
// collects verified frames until the deadline or limit.
func commandAndCollect(t *testing.T, addr string, cmds []c37118.CommandCode, limit int, window time.Duration) [][]byte {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	for _, code := range cmds {
		buf, err := c37118.Encode(c37118.NewCommand(7734, code))
		require.NoError(t, err)
		_, err = conn.Write(buf)
		require.NoError(t, err)
	}

	scanner := receiver.NewScanner()
	var frames [][]byte
	deadline := time.Now().Add(window)
	buf := make([]byte, 4096)
	for len(frames) < limit && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			scanner.Feed(buf[:n])
			for {
				f := scanner.Next()
				if f == nil {
					break
				}
				frames = append(frames, f)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break
		}
	}
	return frames
}

func TestSimulatorServesConfig(t *testing.T) {
	sim := startSimulator(t, Config{
		Mode:       ModeTCPServer,
		ListenAddr: "127.0.0.1:0",
		IDCode:     7734,
		DataRate:   30,
	})

	frames := commandAndCollect(t, sim.Addr(),
		[]c37118.CommandCode{c37118.CmdSendConfig2}, 1, 2*time.Second)
	require.Len(t, frames, 1)

	decoded, err := c37118.Decode(frames[0])
	require.NoError(t, err)
	cfg, ok := decoded.(*c37118.ConfigFrame)
	require.True(t, ok)
	assert.Equal(t, c37118.TypeConfig2, cfg.Type)
	assert.Equal(t, uint16(7734), cfg.IDCode)
	require.Len(t, cfg.Stations, 1)
	assert.Len(t, cfg.Stations[0].Phasors, 4)
	assert.Equal(t, int16(30), cfg.DataRate)
}

func TestSimulatorServesConfig3(t *testing.T) {
	sim := startSimulator(t, Config{
		Mode:       ModeTCPServer,
		ListenAddr: "127.0.0.1:0",
		IDCode:     7734,
	})

	frames := commandAndCollect(t, sim.Addr(),
		[]c37118.CommandCode{c37118.CmdSendConfig3}, 1, 2*time.Second)
	require.Len(t, frames, 1)

	decoded, err := c37118.Decode(frames[0])
	require.NoError(t, err)
	cfg := decoded.(*c37118.ConfigFrame)
	assert.Equal(t, c37118.TypeConfig3, cfg.Type)
}

func TestSimulatorStreamsData(t *testing.T) {
	sim := startSimulator(t, Config{
		Mode:       ModeTCPServer,
		ListenAddr: "127.0.0.1:0",
		IDCode:     7734,
		DataRate:   60,
	})

	frames := commandAndCollect(t, sim.Addr(),
		[]c37118.CommandCode{c37118.CmdSendConfig2, c37118.CmdStartData},
		11, 5*time.Second)
	require.GreaterOrEqual(t, len(frames), 11)

	// First frame is the configuration, the rest are data.
	decoded, err := c37118.Decode(frames[0])
	require.NoError(t, err)
	cfg := decoded.(*c37118.ConfigFrame)

	for _, raw := range frames[1:] {
		d, err := c37118.DecodeData(raw, cfg)
		require.NoError(t, err)
		require.Len(t, d.Blocks, 1)
		assert.InDelta(t, 60, d.Blocks[0].Freq, 0.5)
		assert.Len(t, d.Blocks[0].Phasors, 4)
	}
	assert.GreaterOrEqual(t, sim.FramesSent(), uint64(10))
}

func TestSimulatorDoubleStart(t *testing.T) {
	sim := startSimulator(t, Config{
		Mode:       ModeTCPServer,
		ListenAddr: "127.0.0.1:0",
	})
	assert.ErrorIs(t, sim.Start(context.Background()), errors.ErrSourceRunning)
}

func TestWaveGeneratorDeterminism(t *testing.T) {
	cfg := DefaultDeviceConfig(1, 30)
	st := &cfg.Stations[0]
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	g1 := NewWaveGenerator(WaveConfig{VoltageMag: 69000, CurrentMag: 500, NoisePct: 0.01, Seed: 42})
	g2 := NewWaveGenerator(WaveConfig{VoltageMag: 69000, CurrentMag: 500, NoisePct: 0.01, Seed: 42})

	for i := 0; i < 5; i++ {
		tick := at.Add(time.Duration(i) * 33 * time.Millisecond)
		b1 := g1.Generate(tick, uint64(i), st)
		b2 := g2.Generate(tick, uint64(i), st)
		assert.Equal(t, b1, b2, "tick %d", i)
	}
}

func TestConstantGeneratorShape(t *testing.T) {
	cfg := DefaultDeviceConfig(1, 30)
	st := &cfg.Stations[0]

	g := NewConstantGenerator(c37118.DataBlock{
		Freq:    60,
		Phasors: []complex128{complex(69000, 0), complex(69000, 0), complex(69000, 0), complex(500, 0)},
	})
	blk := g.Generate(time.Now(), 0, st)

	assert.Len(t, blk.Phasors, len(st.Phasors))
	assert.Len(t, blk.Analogs, len(st.Analogs))
	assert.Len(t, blk.Digitals, len(st.Digitals))
	assert.Equal(t, 60.0, blk.Freq)
}

// TestPipeline30FPS runs the full path: virtual PMU -> receiver -> sink at
// 30 frames per second for one simulated second.
func TestPipeline30FPS(t *testing.T) {
	sim := startSimulator(t, Config{
		Mode:       ModeTCPServer,
		ListenAddr: "127.0.0.1:0",
		IDCode:     7734,
		DataRate:   30,
		Wave:       WaveConfig{VoltageMag: 69000, CurrentMag: 500, Seed: 7},
	})

	memSink := sink.NewMemorySink()
	recv, err := receiver.New(receiver.Config{
		SourceID:  "virtual-a",
		IDCode:    7734,
		Address:   sim.Addr(),
		Transport: receiver.TransportTCP,
	}, receiver.Deps{
		Logger:   discardLogger(),
		Registry: registry.New(),
		Sink:     memSink,
	})
	require.NoError(t, err)
	require.NoError(t, recv.Initialize())
	require.NoError(t, recv.Start(context.Background()))
	defer recv.Stop(2 * time.Second)

	// One second of stream at 30 fps.
	deadline := time.Now().Add(10 * time.Second)
	for memSink.Len() < 30 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ms := memSink.Measurements()
	require.GreaterOrEqual(t, len(ms), 30, "expected a second's worth of measurements")

	for i, m := range ms {
		assert.Equal(t, "virtual-a", m.SourceID)
		assert.Equal(t, uint16(7734), m.IDCode)
		require.Len(t, m.Phasors, 4)
		assert.InDelta(t, 69000, m.Phasors[0].Magnitude, 69000*0.05)
		assert.InDelta(t, 60, m.Freq, 0.5)
		if i > 0 {
			assert.False(t, m.Timestamp.Before(ms[i-1].Timestamp),
				"timestamps must be non-decreasing")
		}
	}
}
