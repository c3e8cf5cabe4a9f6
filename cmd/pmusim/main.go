// Package main implements pmusim, a virtual PMU for exercising the
// concentrator without hardware. It serves configuration and streams
// synthesized synchrophasor data over TCP or pushes it over UDP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/janiolos/SmartPhasorToolBox/simulator"
)

func main() {
	if err := run(); err != nil {
		slog.Error("simulator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		mode        = flag.String("mode", "tcp", "tcp (commanded server) or udp (spontaneous push)")
		listen      = flag.String("listen", ":4712", "tcp mode: listen address")
		target      = flag.String("target", "", "udp mode: destination address")
		idCode      = flag.Uint("idcode", 7734, "PMU id code")
		rate        = flag.Int("rate", 30, "data frames per second")
		seed        = flag.Int64("seed", 0, "wave generator seed (0 uses wall clock)")
		configEvery = flag.Int("config-every", 0, "udp mode: re-send CFG-2 every N data frames")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *idCode > 0xFFFF {
		return fmt.Errorf("idcode %d out of range", *idCode)
	}
	if *mode == string(simulator.ModeUDPPush) && *target == "" {
		return fmt.Errorf("udp mode requires -target")
	}

	wave := simulator.DefaultWave()
	wave.Seed = *seed
	if wave.Seed == 0 {
		wave.Seed = time.Now().UnixNano()
	}

	sim, err := simulator.New(simulator.Config{
		Name:        "pmusim",
		Mode:        simulator.Mode(*mode),
		ListenAddr:  *listen,
		TargetAddr:  *target,
		IDCode:      uint16(*idCode),
		DataRate:    *rate,
		Wave:        wave,
		ConfigEvery: *configEvery,
	}, logger)
	if err != nil {
		return err
	}

	if err := sim.Initialize(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Start(ctx); err != nil {
		return err
	}
	logger.Info("simulator running",
		"mode", *mode,
		"address", sim.Addr(),
		"idcode", *idCode,
		"rate", *rate)

	<-ctx.Done()
	logger.Info("stopping", "frames_sent", sim.FramesSent())
	return sim.Stop(5 * time.Second)
}
