package receiver

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
	"github.com/janiolos/SmartPhasorToolBox/component"
	"github.com/janiolos/SmartPhasorToolBox/errors"
	"github.com/janiolos/SmartPhasorToolBox/pkg/retry"
	"github.com/janiolos/SmartPhasorToolBox/sink"
	"github.com/janiolos/SmartPhasorToolBox/status"
)

// pmuServer emulates a commanded-mode PMU on the far end of a net.Pipe:
// it answers CmdSendConfig2 with its configuration and CmdStartData with
// a burst of data frames.
type pmuServer struct {
	t      *testing.T
	cfg    *c37118.ConfigFrame
	frames int
}

func (p *pmuServer) serve(conn net.Conn) {
	defer conn.Close()

	s := NewScanner()
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		s.Feed(buf[:n])
		for {
			raw := s.Next()
			if raw == nil {
				break
			}
			decoded, err := c37118.Decode(raw)
			if err != nil {
				continue
			}
			cmd, ok := decoded.(*c37118.CommandFrame)
			if !ok {
				continue
			}
			switch cmd.Code {
			case c37118.CmdSendConfig2:
				out, err := c37118.Encode(p.cfg)
				require.NoError(p.t, err)
				if _, err := conn.Write(out); err != nil {
					return
				}
			case c37118.CmdStartData:
				for i := 0; i < p.frames; i++ {
					out := testDataBytes(p.t, p.cfg, i)
					if _, err := conn.Write(out); err != nil {
						return
					}
				}
			case c37118.CmdStopData:
				return
			}
		}
	}
}

func newTestReceiver(t *testing.T, cfg Config) (*Receiver, *sink.MemorySink, *registry.Registry) {
	t.Helper()
	memSink := sink.NewMemorySink()
	reg := registry.New()

	r, err := New(cfg, Deps{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry: reg,
		Sink:     memSink,
	})
	require.NoError(t, err)
	require.NoError(t, r.Initialize())
	return r, memSink, reg
}

func pipeDialer(conns chan net.Conn) func(ctx context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		select {
		case c := <-conns:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestReceiverCommandedSession(t *testing.T) {
	pmuCfg := testConfig()
	server := &pmuServer{t: t, cfg: pmuCfg, frames: 10}

	client, srv := net.Pipe()
	go server.serve(srv)

	conns := make(chan net.Conn, 1)
	conns <- client

	r, memSink, reg := newTestReceiver(t, Config{
		SourceID:  "substation-a",
		IDCode:    7734,
		Transport: TransportTCP,
		Dial:      pipeDialer(conns),
	})

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	waitFor(t, 5*time.Second, func() bool { return memSink.Len() >= 10 })

	// Config was registered from the wire before any data decoded.
	assert.NotNil(t, reg.Config(7734))

	ms := memSink.Measurements()
	require.GreaterOrEqual(t, len(ms), 10)
	for i, m := range ms {
		assert.Equal(t, "substation-a", m.SourceID)
		assert.Equal(t, uint16(7734), m.IDCode)
		assert.Len(t, m.Phasors, 4)
		if i > 0 {
			assert.False(t, m.Timestamp.Before(ms[i-1].Timestamp),
				"timestamps must be non-decreasing")
		}
	}

	received, rejected, published, _ := r.Counters()
	assert.GreaterOrEqual(t, received, uint64(11)) // config + data
	assert.Zero(t, rejected)
	assert.GreaterOrEqual(t, published, uint64(10))
}

func TestReceiverDoubleStart(t *testing.T) {
	conns := make(chan net.Conn) // never delivers
	r, _, _ := newTestReceiver(t, Config{
		SourceID:  "src",
		Transport: TransportTCP,
		Dial:      pipeDialer(conns),
	})

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	assert.ErrorIs(t, r.Start(context.Background()), errors.ErrSourceRunning)
}

func TestReceiverStopWithoutStart(t *testing.T) {
	conns := make(chan net.Conn)
	r, _, _ := newTestReceiver(t, Config{
		SourceID:  "src",
		Transport: TransportTCP,
		Dial:      pipeDialer(conns),
	})

	assert.ErrorIs(t, r.Stop(time.Second), errors.ErrSourceNotRunning)
}

func TestReceiverFaultsWhenRetriesExhausted(t *testing.T) {
	r, _, _ := newTestReceiver(t, Config{
		SourceID:  "src",
		Transport: TransportTCP,
		Dial: func(context.Context) (net.Conn, error) {
			return nil, errors.WrapTransient(errors.ErrConnectionLost,
				"test", "dial", "simulated refusal")
		},
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	})

	require.NoError(t, r.Start(context.Background()))

	waitFor(t, 5*time.Second, func() bool {
		return r.State() == component.StateFaulted
	})
	assert.Equal(t, status.ConnFaulted, r.ConnectionState())
	assert.False(t, r.Health().Healthy)

	// Faulting releases the goroutines without waiting for Stop.
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver goroutines did not exit after fault")
	}
}

func TestReceiverDataBeforeConfigRejected(t *testing.T) {
	pmuCfg := testConfig()

	client, srv := net.Pipe()
	conns := make(chan net.Conn, 1)
	conns <- client

	r, memSink, _ := newTestReceiver(t, Config{
		SourceID:  "src",
		IDCode:    7734,
		Transport: TransportUDP, // spontaneous: no command handshake
		Dial:      pipeDialer(conns),
	})

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	// Data before any configuration is known must be counted as
	// rejected, not published.
	go func() {
		srv.Write(testDataBytes(t, pmuCfg, 0))
	}()

	waitFor(t, 5*time.Second, func() bool {
		_, rejected, _, _ := r.Counters()
		return rejected >= 1
	})
	assert.Zero(t, memSink.Len())

	// Once the PMU pushes its configuration, data flows.
	go func() {
		cfgBytes, _ := c37118.Encode(pmuCfg)
		srv.Write(cfgBytes)
		srv.Write(testDataBytes(t, pmuCfg, 1))
	}()

	waitFor(t, 5*time.Second, func() bool { return memSink.Len() >= 1 })
}

func TestReceiverResyncCountsRejected(t *testing.T) {
	pmuCfg := testConfig()

	client, srv := net.Pipe()
	conns := make(chan net.Conn, 1)
	conns <- client

	r, memSink, _ := newTestReceiver(t, Config{
		SourceID:  "src",
		IDCode:    7734,
		Transport: TransportUDP,
		Dial:      pipeDialer(conns),
	})

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	// A garbage gap between two good frames: both frames must be
	// dispatched and the gap must surface on the rejected counter.
	go func() {
		cfgBytes, _ := c37118.Encode(pmuCfg)
		srv.Write(cfgBytes)
		srv.Write(testDataBytes(t, pmuCfg, 0))
		srv.Write([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
		srv.Write(testDataBytes(t, pmuCfg, 1))
	}()

	waitFor(t, 5*time.Second, func() bool { return memSink.Len() >= 2 })

	_, rejected, _, _ := r.Counters()
	assert.GreaterOrEqual(t, rejected, uint64(1))
	assert.GreaterOrEqual(t, r.Snapshot().FramesRejected, uint64(1))
}

func TestReceiverHeartbeatLosesClaim(t *testing.T) {
	store := status.NewMemoryStore()

	// Seed the claim the supervisor would have created.
	seed := &status.ReceiverStatus{SourceID: "src", LastSeen: time.Now()}
	rev, err := store.Create(context.Background(), seed)
	require.NoError(t, err)

	conns := make(chan net.Conn) // connection never arrives
	memSink := sink.NewMemorySink()

	r, err := New(Config{
		SourceID:          "src",
		Transport:         TransportTCP,
		Dial:              pipeDialer(conns),
		HeartbeatInterval: 20 * time.Millisecond,
	}, Deps{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry: registry.New(),
		Sink:     memSink,
		Status:   store,
	})
	require.NoError(t, err)
	r.cfg.ClaimRevision = rev
	r.claimRev.Store(rev)
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	// Heartbeats advance the claim revision.
	waitFor(t, 5*time.Second, func() bool { return r.ClaimRevision() > rev })

	// Another instance steals the claim. The CAS may race a heartbeat,
	// so retry until the steal lands.
	for {
		entry, err := store.Get(context.Background(), "src")
		require.NoError(t, err)
		if _, err = store.Update(context.Background(), entry.Status, entry.Revision); err == nil {
			break
		}
		require.ErrorIs(t, err, errors.ErrRevisionMismatch)
	}

	// The next heartbeat sees the revision mismatch and shuts the
	// receiver down.
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop after losing its claim")
	}
}
