package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janiolos/SmartPhasorToolBox/c37118"
	"github.com/janiolos/SmartPhasorToolBox/component"
	"github.com/janiolos/SmartPhasorToolBox/errors"
	"github.com/janiolos/SmartPhasorToolBox/receiver"
)

// Mode selects how the simulator delivers frames.
type Mode string

// Supported modes
const (
	ModeTCPServer Mode = "tcp" // wait for a master, answer commands
	ModeUDPPush   Mode = "udp" // push config then data to a target
)

// Config describes one virtual PMU.
type Config struct {
	Name       string
	Mode       Mode
	ListenAddr string // tcp mode: address to listen on (":0" for ephemeral)
	TargetAddr string // udp mode: destination for pushed frames

	IDCode   uint16
	DataRate int // frames per second

	// Frame carries the device configuration served to masters. When
	// nil, DefaultDeviceConfig is used.
	Frame *c37118.ConfigFrame

	Generator Generator
	Wave      WaveConfig

	// ConfigEvery re-sends CFG-2 after this many data frames in UDP
	// push mode, so late-joining receivers can sync. Zero sends it
	// only once per session.
	ConfigEvery int
}

// DefaultDeviceConfig builds the standard single-station device: four
// phasors (three voltages, one current), two analogs, one digital word.
func DefaultDeviceConfig(idCode uint16, dataRate int) *c37118.ConfigFrame {
	cfg := &c37118.ConfigFrame{
		Header:   c37118.Header{Type: c37118.TypeConfig2, Version: c37118.ProtocolVersion, IDCode: idCode},
		TimeBase: c37118.DefaultTimeBase,
		Stations: []c37118.Station{{
			Name:   fmt.Sprintf("VIRTUAL PMU %d", idCode),
			IDCode: idCode,
			Format: c37118.NewFormat(true, true, true, false),
			Phasors: []c37118.PhasorChannel{
				{Name: "VA"}, {Name: "VB"}, {Name: "VC"},
				{Name: "I1", Current: true},
			},
			Analogs: []c37118.AnalogChannel{
				{Name: "ANALOG1", Kind: 1}, {Name: "ANALOG2", Kind: 1},
			},
			Digitals: []c37118.DigitalWord{{
				Names:     []string{"BREAKER 1", "BREAKER 2"},
				ValidMask: 0xFFFF,
			}},
			FNom:     c37118.FNom60Hz,
			CfgCount: 1,
		}},
		DataRate: int16(dataRate),
	}
	cfg.SetTime(time.Now(), cfg.TimeBase)
	return cfg
}

// Simulator is a virtual PMU.
type Simulator struct {
	cfg    Config
	logger *slog.Logger

	frame *c37118.ConfigFrame
	gen   Generator

	state    atomic.Int32
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time

	framesSent atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a simulator. Initialize must be called before Start.
func New(cfg Config, logger *slog.Logger) (*Simulator, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeTCPServer
	}
	if cfg.Mode != ModeTCPServer && cfg.Mode != ModeUDPPush {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported mode %q", cfg.Mode),
			"Simulator", "New", "check config")
	}
	if cfg.Mode == ModeUDPPush && cfg.TargetAddr == "" {
		return nil, errors.WrapInvalid(
			errors.New("udp push mode requires a target address"),
			"Simulator", "New", "check config")
	}
	if cfg.DataRate <= 0 {
		cfg.DataRate = 30
	}
	if cfg.IDCode == 0 {
		cfg.IDCode = 1
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("pmu-%d", cfg.IDCode)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Simulator{
		cfg:    cfg,
		logger: logger.With("component", "simulator", "pmu", cfg.Name),
		conns:  make(map[net.Conn]struct{}),
	}
	s.state.Store(int32(component.StateCreated))
	return s, nil
}

// Meta implements component.Component.
func (s *Simulator) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.cfg.Name,
		Type:        "simulator",
		Description: fmt.Sprintf("virtual PMU id %d at %d fps", s.cfg.IDCode, s.cfg.DataRate),
		Version:     "1.0.0",
	}
}

// Health implements component.Component.
func (s *Simulator) Health() component.HealthStatus {
	h := component.HealthStatus{
		Healthy:   s.State() == component.StateStarted,
		LastCheck: time.Now(),
	}
	if !s.started.IsZero() {
		h.Uptime = time.Since(s.started)
	}
	return h
}

// State returns the lifecycle state.
func (s *Simulator) State() component.State {
	return component.State(s.state.Load())
}

// FramesSent returns the number of data frames emitted so far.
func (s *Simulator) FramesSent() uint64 {
	return s.framesSent.Load()
}

// Initialize implements component.Lifecycle.
func (s *Simulator) Initialize() error {
	if s.State() != component.StateCreated {
		return errors.WrapInvalid(
			fmt.Errorf("initialize in state %s", s.State()),
			"Simulator", "Initialize", "check lifecycle state")
	}

	s.frame = s.cfg.Frame
	if s.frame == nil {
		s.frame = DefaultDeviceConfig(s.cfg.IDCode, s.cfg.DataRate)
	}
	s.gen = s.cfg.Generator
	if s.gen == nil {
		s.gen = NewWaveGenerator(s.cfg.Wave)
	}

	s.state.Store(int32(component.StateInitialized))
	return nil
}

// Start implements component.Lifecycle.
func (s *Simulator) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(component.StateInitialized), int32(component.StateStarted)) {
		if s.State() == component.StateStarted {
			return errors.ErrSourceRunning
		}
		return errors.WrapInvalid(
			fmt.Errorf("start in state %s", s.State()),
			"Simulator", "Start", "check lifecycle state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = time.Now()

	switch s.cfg.Mode {
	case ModeTCPServer:
		addr := s.cfg.ListenAddr
		if addr == "" {
			addr = ":4712"
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			close(s.done)
			s.state.Store(int32(component.StateFaulted))
			return errors.WrapFatal(err, "Simulator", "Start",
				fmt.Sprintf("listen on %s", addr))
		}
		s.listener = ln
		s.logger.Info("listening", "addr", ln.Addr().String())
		go s.acceptLoop(runCtx)

	case ModeUDPPush:
		go s.pushLoop(runCtx)
	}

	return nil
}

// Stop implements component.Lifecycle.
func (s *Simulator) Stop(timeout time.Duration) error {
	if s.State() != component.StateStarted {
		return errors.ErrSourceNotRunning
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		case <-time.After(timeout):
			s.state.Store(int32(component.StateStopped))
			return errors.WrapTransient(
				fmt.Errorf("shutdown timed out after %v", timeout),
				"Simulator", "Stop", "wait for goroutines")
		}
	}

	s.state.Store(int32(component.StateStopped))
	return nil
}

// Addr returns the bound listen address in TCP mode, useful with ":0".
func (s *Simulator) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Simulator) acceptLoop(ctx context.Context) {
	defer close(s.done)

	var wg sync.WaitGroup
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			wg.Wait()
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// masterSession tracks the data stream toward one connected master.
type masterSession struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (ms *masterSession) start(ctx context.Context, run func(ctx context.Context)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.cancel != nil {
		return // already streaming
	}
	streamCtx, cancel := context.WithCancel(ctx)
	ms.cancel = cancel
	ms.wg.Add(1)
	go func() {
		defer ms.wg.Done()
		run(streamCtx)
		ms.mu.Lock()
		ms.cancel = nil
		ms.mu.Unlock()
	}()
}

func (ms *masterSession) stop() {
	ms.mu.Lock()
	cancel := ms.cancel
	ms.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// serve answers one master's commands. Data streaming starts and stops
// on command and runs until the connection drops.
func (s *Simulator) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.logger.Info("master connected", "remote", conn.RemoteAddr())

	session := &masterSession{}

	scanner := receiver.NewScanner()
	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			scanner.Feed(buf[:n])
			for {
				raw := scanner.Next()
				if raw == nil {
					break
				}
				decoded, err := c37118.Decode(raw)
				if err != nil {
					s.logger.Debug("undecodable frame from master", "error", err)
					continue
				}
				cmd, ok := decoded.(*c37118.CommandFrame)
				if !ok {
					continue
				}
				s.handleCommand(ctx, conn, session, cmd)
			}
		}
		if err != nil {
			break
		}
	}

	session.stop()
	session.wg.Wait()
	s.logger.Info("master disconnected", "remote", conn.RemoteAddr())
}

func (s *Simulator) handleCommand(ctx context.Context, conn net.Conn,
	session *masterSession, cmd *c37118.CommandFrame) {

	s.logger.Debug("command received", "command", cmd.Code.String())

	switch cmd.Code {
	case c37118.CmdSendConfig1:
		s.writeConfig(conn, c37118.TypeConfig1)

	case c37118.CmdSendConfig2:
		s.writeConfig(conn, c37118.TypeConfig2)

	case c37118.CmdSendConfig3:
		s.writeConfig(conn, c37118.TypeConfig3)

	case c37118.CmdSendHeader:
		hf := &c37118.HeaderFrame{
			Header: c37118.Header{Type: c37118.TypeHeader, Version: c37118.ProtocolVersion, IDCode: s.cfg.IDCode},
			Info:   fmt.Sprintf("SmartPhasorToolBox virtual PMU %q", s.cfg.Name),
		}
		hf.SetTime(time.Now(), s.frame.TimeBase)
		s.writeFrame(conn, hf)

	case c37118.CmdStartData:
		session.start(ctx, func(streamCtx context.Context) {
			s.streamData(streamCtx, conn)
		})

	case c37118.CmdStopData:
		session.stop()
	}
}

func (s *Simulator) writeConfig(conn net.Conn, t c37118.FrameType) {
	frame := *s.frame
	frame.Type = t
	frame.SetTime(time.Now(), frame.TimeBase)
	s.writeFrame(conn, &frame)
}

func (s *Simulator) writeFrame(conn net.Conn, f c37118.Frame) {
	buf, err := c37118.Encode(f)
	if err != nil {
		s.logger.Error("frame encode failed", "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(buf); err != nil {
		s.logger.Debug("frame write failed", "error", err)
	}
}

// streamData emits data frames at the configured rate until ctx ends or
// the connection breaks.
func (s *Simulator) streamData(ctx context.Context, conn net.Conn) {
	interval := time.Second / time.Duration(s.cfg.DataRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			buf, err := s.buildDataFrame(now, seq)
			if err != nil {
				s.logger.Error("data frame build failed", "error", err)
				return
			}
			conn.SetWriteDeadline(now.Add(interval))
			if _, err := conn.Write(buf); err != nil {
				return
			}
			s.framesSent.Add(1)
			seq++
		}
	}
}

func (s *Simulator) buildDataFrame(at time.Time, seq uint64) ([]byte, error) {
	d := &c37118.DataFrame{
		Header: c37118.Header{Type: c37118.TypeData, Version: c37118.ProtocolVersion, IDCode: s.cfg.IDCode},
	}
	d.SetTime(at, s.frame.TimeBase)

	for i := range s.frame.Stations {
		d.Blocks = append(d.Blocks, s.gen.Generate(at, seq, &s.frame.Stations[i]))
	}

	return c37118.EncodeData(d, s.frame)
}

// pushLoop implements spontaneous UDP mode: configuration first, then the
// data stream, re-dialing on error.
func (s *Simulator) pushLoop(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil {
		conn, err := net.Dial("udp", s.cfg.TargetAddr)
		if err != nil {
			s.logger.Warn("udp dial failed", "target", s.cfg.TargetAddr, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		s.pushSession(ctx, conn)
		conn.Close()
	}
}

func (s *Simulator) pushSession(ctx context.Context, conn net.Conn) {
	s.writeConfig(conn, c37118.TypeConfig2)

	interval := time.Second / time.Duration(s.cfg.DataRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.cfg.ConfigEvery > 0 && seq > 0 && seq%uint64(s.cfg.ConfigEvery) == 0 {
				s.writeConfig(conn, c37118.TypeConfig2)
			}
			buf, err := s.buildDataFrame(now, seq)
			if err != nil {
				s.logger.Error("data frame build failed", "error", err)
				return
			}
			if _, err := conn.Write(buf); err != nil {
				s.logger.Debug("udp write failed", "error", err)
				return
			}
			s.framesSent.Add(1)
			seq++
		}
	}
}
