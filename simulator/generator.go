// Package simulator implements a virtual PMU for exercising the
// concentrator without substation hardware. It serves the commanded-mode
// protocol over TCP (config on request, data on start) and can push
// spontaneous streams over UDP.
package simulator

import (
	"math"
	"math/cmplx"
	"math/rand"
	"time"

	"github.com/janiolos/SmartPhasorToolBox/c37118"
)

// WaveConfig shapes the generated signal.
type WaveConfig struct {
	VoltageMag float64 // phase voltage magnitude, volts
	CurrentMag float64 // current magnitude, amps
	FreqWander float64 // peak frequency deviation from nominal, Hz
	WanderHz   float64 // rate of the frequency oscillation
	NoisePct   float64 // relative magnitude noise, 0..1
	Seed       int64   // rng seed; fixed seeds give reproducible streams
}

// DefaultWave returns a plausible 69 kV feeder signal.
func DefaultWave() WaveConfig {
	return WaveConfig{
		VoltageMag: 69000,
		CurrentMag: 500,
		FreqWander: 0.02,
		WanderHz:   0.1,
		NoisePct:   0.001,
		Seed:       1,
	}
}

// Generator produces one data block per tick for a station.
type Generator interface {
	Generate(at time.Time, seq uint64, st *c37118.Station) c37118.DataBlock
}

// waveGenerator produces a balanced three-phase-style signal: phasor
// angles advance with the off-nominal frequency, magnitudes carry a
// little noise, frequency wanders sinusoidally around nominal.
type waveGenerator struct {
	cfg   WaveConfig
	rng   *rand.Rand
	epoch time.Time
	angle float64 // accumulated rotor angle, radians
	last  time.Time
}

// NewWaveGenerator creates the standard signal generator.
func NewWaveGenerator(cfg WaveConfig) Generator {
	if cfg.VoltageMag == 0 {
		cfg = DefaultWave()
	}
	return &waveGenerator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (g *waveGenerator) Generate(at time.Time, seq uint64, st *c37118.Station) c37118.DataBlock {
	if g.epoch.IsZero() {
		g.epoch = at
		g.last = at
	}
	elapsed := at.Sub(g.epoch).Seconds()
	nominal := st.NominalHz()

	freq := nominal + g.cfg.FreqWander*math.Sin(2*math.Pi*g.cfg.WanderHz*elapsed)
	rocof := g.cfg.FreqWander * 2 * math.Pi * g.cfg.WanderHz *
		math.Cos(2*math.Pi*g.cfg.WanderHz*elapsed)

	// Integrate the off-nominal part so angles drift the way a real
	// rotor does instead of jumping with the wander.
	dt := at.Sub(g.last).Seconds()
	g.angle += 2 * math.Pi * (freq - nominal) * dt
	g.angle = math.Mod(g.angle, 2*math.Pi)
	g.last = at

	blk := c37118.DataBlock{
		Freq:  freq,
		ROCOF: rocof,
	}

	blk.Phasors = make([]complex128, len(st.Phasors))
	for i, ch := range st.Phasors {
		mag := g.cfg.VoltageMag
		if ch.Current {
			mag = g.cfg.CurrentMag
		}
		mag *= 1 + g.cfg.NoisePct*(2*g.rng.Float64()-1)
		// Spread phases 120 degrees apart within their kind.
		phase := g.angle - 2*math.Pi/3*float64(i%3)
		blk.Phasors[i] = cmplx.Rect(mag, phase)
	}

	blk.Analogs = make([]float64, len(st.Analogs))
	for i := range st.Analogs {
		blk.Analogs[i] = 100*math.Sin(2*math.Pi*0.05*elapsed+float64(i)) +
			g.cfg.NoisePct*100*(2*g.rng.Float64()-1)
	}

	blk.Digitals = make([]uint16, len(st.Digitals))
	for i := range st.Digitals {
		blk.Digitals[i] = 0x0001
	}

	return blk
}

// constantGenerator repeats a fixed block, for deterministic tests.
type constantGenerator struct {
	block c37118.DataBlock
}

// NewConstantGenerator returns a generator that always emits block,
// resized to the station's channel counts.
func NewConstantGenerator(block c37118.DataBlock) Generator {
	return &constantGenerator{block: block}
}

func (g *constantGenerator) Generate(_ time.Time, _ uint64, st *c37118.Station) c37118.DataBlock {
	blk := c37118.DataBlock{
		Stat:  g.block.Stat,
		Freq:  g.block.Freq,
		ROCOF: g.block.ROCOF,
	}

	blk.Phasors = make([]complex128, len(st.Phasors))
	copy(blk.Phasors, g.block.Phasors)
	blk.Analogs = make([]float64, len(st.Analogs))
	copy(blk.Analogs, g.block.Analogs)
	blk.Digitals = make([]uint16, len(st.Digitals))
	copy(blk.Digitals, g.block.Digitals)
	return blk
}
