package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/janiolos/SmartPhasorToolBox/c37118"
	"github.com/janiolos/SmartPhasorToolBox/c37118/registry"
	"github.com/janiolos/SmartPhasorToolBox/component"
	"github.com/janiolos/SmartPhasorToolBox/errors"
	"github.com/janiolos/SmartPhasorToolBox/metric"
	"github.com/janiolos/SmartPhasorToolBox/pkg/buffer"
	"github.com/janiolos/SmartPhasorToolBox/pkg/retry"
	"github.com/janiolos/SmartPhasorToolBox/sink"
	"github.com/janiolos/SmartPhasorToolBox/status"
)

// Transport selects how the receiver reaches its PMU.
type Transport string

// Supported transports
const (
	TransportTCP Transport = "tcp" // commanded mode: request config, start/stop data
	TransportUDP Transport = "udp" // spontaneous mode: PMU pushes frames to us
)

// Defaults for receiver tuning knobs.
const (
	DefaultSilenceTimeout    = 10 * time.Second
	DefaultQueueSize         = 256
	DefaultPublishTimeout    = 2 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
	readChunkSize            = 4096
)

// Config describes one PMU source.
type Config struct {
	SourceID  string    // stable name, used as status key and metric label
	IDCode    uint16    // expected id code of data frames
	Address   string    // host:port to dial (tcp) or listen on (udp)
	Transport Transport

	SilenceTimeout    time.Duration // no-data budget before the link is declared dead
	QueueSize         int           // measurement queue capacity
	PublishTimeout    time.Duration // per-measurement sink deadline
	HeartbeatInterval time.Duration // status store update period
	Retry             retry.Config  // reconnect schedule

	// Owner and ClaimRevision are set by the supervisor when it claims
	// the source. Heartbeats CAS against the revision so a stolen claim
	// is detected.
	Owner         uuid.UUID
	ClaimRevision uint64

	// Dial overrides the transport dialer. Tests use this to wire the
	// receiver to an in-memory pipe.
	Dial func(ctx context.Context) (net.Conn, error)
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.Link()
	}
}

func (c *Config) validate() error {
	if c.SourceID == "" {
		return errors.WrapInvalid(errors.New("source id required"),
			"Receiver", "validate", "check config")
	}
	if c.Address == "" && c.Dial == nil {
		return errors.WrapInvalid(errors.New("address required"),
			"Receiver", "validate", "check config")
	}
	if c.Transport != TransportTCP && c.Transport != TransportUDP {
		return errors.WrapInvalid(
			fmt.Errorf("unsupported transport %q", c.Transport),
			"Receiver", "validate", "check config")
	}
	return nil
}

// Deps carries the receiver's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	Registry *registry.Registry
	Sink     sink.Sink
	Status   status.Store // optional; nil disables heartbeats
}

// Receiver owns one PMU link: it connects, keeps configuration current,
// decodes data frames and queues measurements for the sink.
type Receiver struct {
	cfg  Config
	deps Deps

	state   atomic.Int32 // component.State
	conn    atomic.Value // net.Conn of the active link
	queue   *buffer.Ring[*sink.Measurement]
	scanner *Scanner

	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	claimRev atomic.Uint64

	framesReceived atomic.Uint64
	framesRejected atomic.Uint64
	published      atomic.Uint64
	dropped        atomic.Uint64
	lastFrame      atomic.Int64 // unix nanos
	lastCfgReq     atomic.Int64 // unix nanos of the last CFG-2 request
	connState      atomic.Value // status.ConnectionState

	lastErr  atomic.Value // string
	errCount atomic.Int32
}

// New creates a receiver for one source. Initialize must be called before
// Start.
func New(cfg Config, deps Deps) (*Receiver, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Sink == nil || deps.Registry == nil {
		return nil, errors.WrapInvalid(errors.New("sink and registry required"),
			"Receiver", "New", "check dependencies")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "receiver", "source", cfg.SourceID)

	r := &Receiver{cfg: cfg, deps: deps}
	r.state.Store(int32(component.StateCreated))
	r.connState.Store(status.ConnIdle)
	r.claimRev.Store(cfg.ClaimRevision)
	return r, nil
}

// Meta implements component.Component.
func (r *Receiver) Meta() component.Metadata {
	return component.Metadata{
		Name:        r.cfg.SourceID,
		Type:        "receiver",
		Description: fmt.Sprintf("C37.118 %s receiver for %s", r.cfg.Transport, r.cfg.Address),
		Version:     "1.0.0",
	}
}

// Health implements component.Component.
func (r *Receiver) Health() component.HealthStatus {
	h := component.HealthStatus{
		Healthy:    r.State() == component.StateStarted && r.ConnectionState() == status.ConnConnected,
		LastCheck:  time.Now(),
		ErrorCount: int(r.errCount.Load()),
	}
	if s, ok := r.lastErr.Load().(string); ok {
		h.LastError = s
	}
	if !r.started.IsZero() {
		h.Uptime = time.Since(r.started)
	}
	return h
}

// State returns the lifecycle state.
func (r *Receiver) State() component.State {
	return component.State(r.state.Load())
}

// ConnectionState returns the link state.
func (r *Receiver) ConnectionState() status.ConnectionState {
	return r.connState.Load().(status.ConnectionState)
}

// Snapshot builds the current status record for the status store.
func (r *Receiver) Snapshot() *status.ReceiverStatus {
	st := &status.ReceiverStatus{
		SourceID:            r.cfg.SourceID,
		IDCode:              r.cfg.IDCode,
		Owner:               r.cfg.Owner,
		Connection:          r.ConnectionState(),
		StartedAt:           r.started,
		LastSeen:            time.Now().UTC(),
		FramesReceived:      r.framesReceived.Load(),
		FramesRejected:      r.framesRejected.Load(),
		MeasurementsDropped: r.dropped.Load(),
	}
	if ns := r.lastFrame.Load(); ns > 0 {
		st.LastFrame = time.Unix(0, ns).UTC()
	}
	if s, ok := r.lastErr.Load().(string); ok {
		st.LastError = s
	}
	return st
}

// Initialize implements component.Lifecycle.
func (r *Receiver) Initialize() error {
	if r.State() != component.StateCreated {
		return errors.WrapInvalid(
			fmt.Errorf("initialize in state %s", r.State()),
			"Receiver", "Initialize", "check lifecycle state")
	}

	queue, err := buffer.New[*sink.Measurement](r.cfg.QueueSize,
		buffer.WithPolicy[*sink.Measurement](buffer.DropOldest),
		buffer.WithDropCallback[*sink.Measurement](func(*sink.Measurement) {
			r.dropped.Add(1)
			if r.deps.Metrics != nil {
				r.deps.Metrics.MeasurementsDrops.WithLabelValues(r.cfg.SourceID).Inc()
			}
		}),
	)
	if err != nil {
		return errors.Wrap(err, "Receiver", "Initialize", "create measurement queue")
	}

	r.queue = queue
	r.scanner = NewScanner()
	r.state.Store(int32(component.StateInitialized))
	return nil
}

// Start implements component.Lifecycle. A receiver that is already
// running returns errors.ErrSourceRunning.
func (r *Receiver) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(component.StateInitialized), int32(component.StateStarted)) {
		if r.State() == component.StateStarted {
			return errors.ErrSourceRunning
		}
		return errors.WrapInvalid(
			fmt.Errorf("start in state %s", r.State()),
			"Receiver", "Start", "check lifecycle state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = time.Now().UTC()

	r.setGaugeState(1)

	go r.run(runCtx)
	return nil
}

// Stop implements component.Lifecycle.
func (r *Receiver) Stop(timeout time.Duration) error {
	if r.State() != component.StateStarted && r.State() != component.StateFaulted {
		return errors.ErrSourceNotRunning
	}

	if r.cancel != nil {
		r.cancel()
	}
	r.closeConn()

	if r.done != nil {
		select {
		case <-r.done:
		case <-time.After(timeout):
			r.state.Store(int32(component.StateStopped))
			return errors.WrapTransient(
				fmt.Errorf("shutdown timed out after %v", timeout),
				"Receiver", "Stop", "wait for goroutines")
		}
	}

	r.state.Store(int32(component.StateStopped))
	r.setConnState(status.ConnIdle)
	r.setGaugeState(0)
	return nil
}

// run owns the connect/read/reconnect cycle until the context ends.
func (r *Receiver) run(ctx context.Context) {
	defer close(r.done)

	// Faulting cancels this child context so the publish and heartbeat
	// loops unwind without waiting for Stop.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()

	if r.deps.Status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.heartbeatLoop(ctx)
		}()
	}

	for ctx.Err() == nil {
		// A successful dial ends the retry.Do call after its session
		// finishes, which resets the backoff budget for the next
		// reconnect cycle.
		err := retry.Do(ctx, r.cfg.Retry, func() error {
			conn, err := r.dial(ctx)
			if err != nil {
				r.deps.Logger.Debug("dial failed", "error", err)
				return err
			}
			r.readSession(ctx, conn)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.recordError(errors.WrapFatal(err,
				"Receiver", "run", "exhaust reconnect budget"))
			r.deps.Logger.Error("reconnect budget exhausted, faulting", "error", err)
			r.state.Store(int32(component.StateFaulted))
			r.setConnState(status.ConnFaulted)
			r.setGaugeState(3)
			r.pushFinalStatus()
			cancel()
			break
		}

		if ctx.Err() == nil {
			r.setConnState(status.ConnReconnecting)
			r.setGaugeState(1)
		}
	}

	r.queue.Close()
	wg.Wait()
}

func (r *Receiver) dial(ctx context.Context) (net.Conn, error) {
	r.setConnState(status.ConnConnecting)

	if r.cfg.Dial != nil {
		return r.cfg.Dial(ctx)
	}

	// Spontaneous mode binds a local socket; the PMU pushes frames to it.
	if r.cfg.Transport == TransportUDP {
		addr, err := net.ResolveUDPAddr("udp", r.cfg.Address)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Receiver", "dial",
				fmt.Sprintf("resolve %s", r.cfg.Address))
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, errors.WrapTransient(err, "Receiver", "dial",
				fmt.Sprintf("listen on %s", r.cfg.Address))
		}
		return conn, nil
	}

	d := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", r.cfg.Address)
	if err != nil {
		return nil, errors.WrapTransient(err, "Receiver", "dial",
			fmt.Sprintf("connect to %s", r.cfg.Address))
	}
	return conn, nil
}

// readSession drives one connected session: command handshake, then the
// frame read loop until the link fails or the context ends.
func (r *Receiver) readSession(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r.conn.Store(conn)
	r.scanner.Reset()

	r.setConnState(status.ConnConnected)
	r.setGaugeState(2)
	r.deps.Logger.Info("connected", "remote", remoteAddr(conn))

	if r.cfg.Transport == TransportTCP {
		if err := r.sendCommand(conn, c37118.CmdSendConfig2); err != nil {
			r.recordError(err)
			return
		}
	}

	buf := make([]byte, readChunkSize)
	seenResyncs := r.scanner.Stats().Resyncs
	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.SilenceTimeout)); err != nil {
			r.recordError(errors.WrapTransient(err, "Receiver", "readSession", "set read deadline"))
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			r.scanner.Feed(buf[:n])
			for {
				frame := r.scanner.Next()
				if frame == nil {
					break
				}
				r.dispatch(conn, frame)
			}
			// Each run of discarded bytes is one rejected frame on the
			// operator-visible counters.
			for total := r.scanner.Stats().Resyncs; seenResyncs < total; seenResyncs++ {
				r.reject("resync", nil)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				r.sendStop(conn)
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				r.recordError(errors.WrapTransient(errors.ErrStreamSilence,
					"Receiver", "readSession",
					fmt.Sprintf("no frames within %v", r.cfg.SilenceTimeout)))
			} else {
				r.recordError(errors.WrapTransient(errors.ErrConnectionLost,
					"Receiver", "readSession", err.Error()))
			}
			return
		}
	}
	r.sendStop(conn)
}

// dispatch routes one verified frame.
func (r *Receiver) dispatch(conn net.Conn, frame []byte) {
	ftype, _, err := c37118.Sniff(frame[:4])
	if err != nil {
		// Scanner verified the header already; treat as rejection.
		r.reject("framing", err)
		return
	}

	switch ftype {
	case c37118.TypeData:
		r.dispatchData(conn, frame)

	case c37118.TypeConfig1, c37118.TypeConfig2, c37118.TypeConfig3:
		decoded, err := c37118.Decode(frame)
		if err != nil {
			r.reject("config_decode", err)
			return
		}
		cfg := decoded.(*c37118.ConfigFrame)
		if err := r.deps.Registry.Put(cfg.IDCode, cfg); err != nil {
			r.reject("config_register", err)
			return
		}
		r.accept(ftype)
		r.deps.Logger.Info("configuration registered",
			"id_code", cfg.IDCode,
			"stations", len(cfg.Stations),
			"data_rate", cfg.DataRate)

		// Commanded mode: config in hand, ask for the data stream.
		if r.cfg.Transport == TransportTCP && ftype != c37118.TypeConfig1 {
			if err := r.sendCommand(conn, c37118.CmdStartData); err != nil {
				r.recordError(err)
			}
		}

	case c37118.TypeHeader:
		decoded, err := c37118.Decode(frame)
		if err != nil {
			r.reject("header_decode", err)
			return
		}
		hf := decoded.(*c37118.HeaderFrame)
		r.accept(ftype)
		r.deps.Logger.Info("header frame", "info", hf.Info)

	case c37118.TypeCommand:
		// Commands flow toward the PMU; one arriving here is noise.
		r.reject("unexpected_command", nil)

	default:
		r.reject("unknown_type", nil)
	}
}

func (r *Receiver) dispatchData(conn net.Conn, frame []byte) {
	idCode := uint16(frame[4])<<8 | uint16(frame[5])
	cfg := r.deps.Registry.Config(idCode)

	decoded, err := c37118.DecodeData(frame, cfg)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrUnknownSource):
			r.reject("no_config", err)
			r.requestConfig(conn)
		case errors.Is(err, errors.ErrConfigMismatch):
			r.reject("config_mismatch", err)
			r.deps.Logger.Warn("data frame disagrees with registered configuration, re-requesting",
				"id_code", idCode)
			r.requestConfig(conn)
		default:
			r.reject("data_decode", err)
		}
		return
	}

	r.accept(c37118.TypeData)
	r.lastFrame.Store(time.Now().UnixNano())
	if r.deps.Metrics != nil {
		r.deps.Metrics.LastFrameTime.WithLabelValues(r.cfg.SourceID).SetToCurrentTime()
	}

	measurements, err := sink.FromDataFrame(r.cfg.SourceID, decoded, cfg)
	if err != nil {
		r.reject("flatten", err)
		return
	}
	for _, m := range measurements {
		// DropOldest policy: ingestion never blocks on a slow sink.
		if err := r.queue.Write(m); err != nil {
			return // queue closed, shutting down
		}
	}
}

// requestConfig asks the PMU to resend CFG-2, at most once per second so
// a config-less data stream does not turn into a command flood.
// Spontaneous (UDP) sources push their configuration on their own
// schedule, so there is no one to ask.
func (r *Receiver) requestConfig(conn net.Conn) {
	if r.cfg.Transport != TransportTCP {
		return
	}
	now := time.Now().UnixNano()
	last := r.lastCfgReq.Load()
	if now-last < int64(time.Second) || !r.lastCfgReq.CompareAndSwap(last, now) {
		return
	}
	if err := r.sendCommand(conn, c37118.CmdSendConfig2); err != nil {
		r.deps.Logger.Debug("config re-request failed", "error", err)
	}
}

func (r *Receiver) sendCommand(conn net.Conn, code c37118.CommandCode) error {
	cmd := c37118.NewCommand(r.cfg.IDCode, code)
	buf, err := c37118.Encode(cmd)
	if err != nil {
		return errors.Wrap(err, "Receiver", "sendCommand", "encode command")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return errors.WrapTransient(err, "Receiver", "sendCommand", "set write deadline")
	}
	if _, err := conn.Write(buf); err != nil {
		return errors.WrapTransient(err, "Receiver", "sendCommand",
			fmt.Sprintf("send %s", code))
	}
	r.deps.Logger.Debug("command sent", "command", code.String())
	return nil
}

// sendStop asks the PMU to stop streaming. Best effort during shutdown.
func (r *Receiver) sendStop(conn net.Conn) {
	if r.cfg.Transport != TransportTCP {
		return
	}
	_ = r.sendCommand(conn, c37118.CmdStopData)
}

// publishLoop drains the measurement queue into the sink.
func (r *Receiver) publishLoop(ctx context.Context) {
	for {
		batch := r.queue.ReadBatch(32)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				// Drain what is already queued, then exit.
				for _, m := range r.queue.ReadBatch(r.cfg.QueueSize) {
					r.publishOne(context.Background(), m)
				}
				return
			case <-r.queue.Wait():
				continue
			}
		}
		for _, m := range batch {
			r.publishOne(ctx, m)
		}
	}
}

func (r *Receiver) publishOne(ctx context.Context, m *sink.Measurement) {
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	err := r.deps.Sink.Publish(pubCtx, m)
	if r.deps.Metrics != nil {
		r.deps.Metrics.PublishDuration.WithLabelValues(r.cfg.SourceID).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.dropped.Add(1)
		if r.deps.Metrics != nil {
			r.deps.Metrics.MeasurementsDrops.WithLabelValues(r.cfg.SourceID).Inc()
		}
		r.deps.Logger.Debug("publish failed", "error", err)
		return
	}

	r.published.Add(1)
	if r.deps.Metrics != nil {
		r.deps.Metrics.MeasurementsSent.WithLabelValues(r.cfg.SourceID).Inc()
	}
}

// heartbeatLoop refreshes this receiver's status record. The CAS against
// the claim revision doubles as a liveness check on ownership: a mismatch
// means another instance reclaimed the source.
func (r *Receiver) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Snapshot()
			rev := r.claimRev.Load()

			newRev, err := r.deps.Status.Update(ctx, st, rev)
			if err != nil {
				if errors.Is(err, errors.ErrRevisionMismatch) || errors.Is(err, errors.ErrKeyNotFound) {
					r.deps.Logger.Error("claim lost, stopping", "revision", rev)
					if r.cancel != nil {
						r.cancel()
					}
					r.closeConn()
					return
				}
				r.deps.Logger.Debug("heartbeat failed", "error", err)
				continue
			}
			r.claimRev.Store(newRev)
		}
	}
}

// pushFinalStatus writes one last status record so the faulted state
// reaches operators before the heartbeat loop unwinds. Best effort.
func (r *Receiver) pushFinalStatus() {
	if r.deps.Status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if newRev, err := r.deps.Status.Update(ctx, r.Snapshot(), r.claimRev.Load()); err == nil {
		r.claimRev.Store(newRev)
	}
}

// Done is closed when the receiver's goroutines have exited, whether by
// Stop, a lost claim or a fault. Valid after Start.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// ClaimRevision returns the revision of the last successful heartbeat.
func (r *Receiver) ClaimRevision() uint64 {
	return r.claimRev.Load()
}

func (r *Receiver) accept(t c37118.FrameType) {
	r.framesReceived.Add(1)
	if r.deps.Metrics != nil {
		r.deps.Metrics.FramesReceived.WithLabelValues(r.cfg.SourceID, t.String()).Inc()
	}
}

func (r *Receiver) reject(reason string, err error) {
	r.framesRejected.Add(1)
	if r.deps.Metrics != nil {
		r.deps.Metrics.FramesRejected.WithLabelValues(r.cfg.SourceID, reason).Inc()
	}
	if err != nil {
		r.deps.Logger.Debug("frame rejected", "reason", reason, "error", err)
	}
}

func (r *Receiver) recordError(err error) {
	r.errCount.Add(1)
	r.lastErr.Store(err.Error())
}

func (r *Receiver) setConnState(s status.ConnectionState) {
	r.connState.Store(s)
}

func (r *Receiver) setGaugeState(v float64) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.ReceiverState.WithLabelValues(r.cfg.SourceID).Set(v)
	}
}

func (r *Receiver) closeConn() {
	if c, ok := r.conn.Load().(net.Conn); ok && c != nil {
		c.Close()
	}
}

// Counters returns the receiver's cumulative frame and publish counters.
func (r *Receiver) Counters() (received, rejected, published, dropped uint64) {
	return r.framesReceived.Load(), r.framesRejected.Load(), r.published.Load(), r.dropped.Load()
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
