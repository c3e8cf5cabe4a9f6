// Package supervisor manages the fleet of receivers for one concentrator
// instance. Ownership of each PMU source is coordinated through
// compare-and-swap claims in the status store, so several concentrator
// instances can share a source inventory without double-ingesting: a
// source with a live claim cannot be started again, and a claim whose
// heartbeats stopped can be reclaimed.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/janiolos/SmartPhasorToolBox/c37118/registry"
	"github.com/janiolos/SmartPhasorToolBox/component"
	"github.com/janiolos/SmartPhasorToolBox/errors"
	"github.com/janiolos/SmartPhasorToolBox/metric"
	"github.com/janiolos/SmartPhasorToolBox/receiver"
	"github.com/janiolos/SmartPhasorToolBox/sink"
	"github.com/janiolos/SmartPhasorToolBox/status"
)

// Defaults for supervisor timing.
const (
	DefaultReconcileInterval = 15 * time.Second
	DefaultLivenessWindow    = 60 * time.Second
	DefaultStopTimeout       = 5 * time.Second
)

// Config tunes the supervisor.
type Config struct {
	Sources           []receiver.Config
	ReconcileInterval time.Duration // period of the reclaim/restart sweep
	LivenessWindow    time.Duration // heartbeat age beyond which a claim is stale
	StopTimeout       time.Duration // per-receiver shutdown budget
}

func (c *Config) applyDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Deps carries the supervisor's collaborators, shared with the receivers
// it spawns.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	Registry *registry.Registry
	Sink     sink.Sink
	Status   status.Store
}

// SourceStatus reports one source as the supervisor sees it.
type SourceStatus struct {
	SourceID string
	Running  bool // running in this instance
	State    component.State
	Record   *status.ReceiverStatus // from the status store, may be nil
}

// Supervisor owns the receiver fleet of one concentrator instance.
type Supervisor struct {
	cfg    Config
	deps   Deps
	owner  uuid.UUID
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]receiver.Config
	running map[string]*receiver.Receiver

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor with a fresh instance identity.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	cfg.applyDefaults()
	if deps.Sink == nil || deps.Registry == nil || deps.Status == nil {
		return nil, errors.WrapInvalid(
			errors.New("sink, registry and status store required"),
			"Supervisor", "New", "check dependencies")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	owner := uuid.New()
	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		owner:   owner,
		logger:  deps.Logger.With("component", "supervisor", "instance", owner.String()),
		sources: make(map[string]receiver.Config),
		running: make(map[string]*receiver.Receiver),
	}
	for _, src := range cfg.Sources {
		if src.SourceID == "" {
			return nil, errors.WrapInvalid(
				errors.New("source with empty id"),
				"Supervisor", "New", "check source inventory")
		}
		if _, dup := s.sources[src.SourceID]; dup {
			return nil, errors.WrapInvalid(
				fmt.Errorf("duplicate source id %q", src.SourceID),
				"Supervisor", "New", "check source inventory")
		}
		s.sources[src.SourceID] = src
	}
	return s, nil
}

// Owner returns this instance's identity.
func (s *Supervisor) Owner() uuid.UUID {
	return s.owner
}

// Run starts the reconcile loop. It returns immediately; the loop runs
// until ctx is cancelled or Shutdown is called.
func (s *Supervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.reconcile(runCtx)
			}
		}
	}()
}

// StartSource claims and starts one source. A second start, from this
// instance or any other holding a live claim, fails with
// errors.ErrSourceRunning.
func (s *Supervisor) StartSource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	src, known := s.sources[sourceID]
	if !known {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrUnknownSource,
			"Supervisor", "StartSource", fmt.Sprintf("source %q not configured", sourceID))
	}
	if _, live := s.running[sourceID]; live {
		s.mu.Unlock()
		return errors.ErrSourceRunning
	}
	s.mu.Unlock()

	rev, err := s.claim(ctx, sourceID, src.IDCode)
	if err != nil {
		return err
	}

	src.Owner = s.owner
	src.ClaimRevision = rev

	recv, err := receiver.New(src, receiver.Deps{
		Logger:   s.deps.Logger,
		Metrics:  s.deps.Metrics,
		Registry: s.deps.Registry,
		Sink:     s.deps.Sink,
		Status:   s.deps.Status,
	})
	if err != nil {
		s.releaseClaim(ctx, sourceID)
		return err
	}
	if err := recv.Initialize(); err != nil {
		s.releaseClaim(ctx, sourceID)
		return err
	}

	s.mu.Lock()
	// Claim in hand, but a concurrent local start may have raced us.
	if _, live := s.running[sourceID]; live {
		s.mu.Unlock()
		s.releaseClaim(ctx, sourceID)
		return errors.ErrSourceRunning
	}
	s.running[sourceID] = recv
	s.mu.Unlock()

	if err := recv.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.running, sourceID)
		s.mu.Unlock()
		s.releaseClaim(ctx, sourceID)
		return err
	}

	s.logger.Info("source started", "source", sourceID, "revision", rev)
	return nil
}

// claim creates or reclaims the status record for a source. Returns the
// revision the receiver must heartbeat against.
func (s *Supervisor) claim(ctx context.Context, sourceID string, idCode uint16) (uint64, error) {
	now := time.Now().UTC()
	st := &status.ReceiverStatus{
		SourceID:   sourceID,
		IDCode:     idCode,
		Owner:      s.owner,
		Connection: status.ConnIdle,
		StartedAt:  now,
		LastSeen:   now,
	}

	rev, err := s.deps.Status.Create(ctx, st)
	if err == nil {
		return rev, nil
	}
	if !errors.Is(err, errors.ErrKeyExists) {
		return 0, errors.WrapTransient(err, "Supervisor", "claim", "create claim record")
	}

	// A record exists. Live claims block the start; stale ones are
	// taken over with a CAS so only one contender wins.
	entry, err := s.deps.Status.Get(ctx, sourceID)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			// Deleted between Create and Get; one retry.
			return s.deps.Status.Create(ctx, st)
		}
		return 0, errors.WrapTransient(err, "Supervisor", "claim", "inspect existing claim")
	}

	if !entry.Status.Stale(now, s.cfg.LivenessWindow) {
		return 0, errors.WrapInvalid(errors.ErrSourceRunning,
			"Supervisor", "claim",
			fmt.Sprintf("source %q held by %s, heartbeat %s old",
				sourceID, entry.Status.Owner, now.Sub(entry.Status.LastSeen).Round(time.Second)))
	}

	rev, err = s.deps.Status.Update(ctx, st, entry.Revision)
	if err != nil {
		if errors.Is(err, errors.ErrRevisionMismatch) {
			// Another contender reclaimed first.
			return 0, errors.WrapInvalid(errors.ErrSourceRunning,
				"Supervisor", "claim", "lost reclaim race")
		}
		return 0, errors.WrapTransient(err, "Supervisor", "claim", "reclaim stale record")
	}

	s.logger.Info("stale claim reclaimed",
		"source", sourceID,
		"previous_owner", entry.Status.Owner,
		"heartbeat_age", now.Sub(entry.Status.LastSeen).Round(time.Second))
	return rev, nil
}

// releaseClaim deletes the claim record if this instance still owns it.
func (s *Supervisor) releaseClaim(ctx context.Context, sourceID string) {
	entry, err := s.deps.Status.Get(ctx, sourceID)
	if err != nil {
		return
	}
	if entry.Status.Owner != s.owner {
		return
	}
	if err := s.deps.Status.Delete(ctx, sourceID); err != nil {
		s.logger.Debug("claim release failed", "source", sourceID, "error", err)
	}
}

// StopSource stops a running source and releases its claim.
func (s *Supervisor) StopSource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	recv, live := s.running[sourceID]
	if live {
		delete(s.running, sourceID)
	}
	s.mu.Unlock()

	if !live {
		return errors.ErrSourceNotRunning
	}

	err := recv.Stop(s.cfg.StopTimeout)
	s.releaseClaim(ctx, sourceID)
	if err != nil {
		return err
	}

	s.logger.Info("source stopped", "source", sourceID)
	return nil
}

// StartAll starts every configured source. Sources already claimed by a
// live instance are skipped, not treated as errors.
func (s *Supervisor) StartAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := s.StartSource(gctx, id)
			if err != nil && !errors.Is(err, errors.ErrSourceRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every running source.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g := &errgroup.Group{}
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := s.StopSource(ctx, id)
			if errors.Is(err, errors.ErrSourceNotRunning) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Shutdown stops the reconcile loop and all running sources.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.StopAll(ctx)
}

// Status reports one source.
func (s *Supervisor) Status(ctx context.Context, sourceID string) (*SourceStatus, error) {
	s.mu.Lock()
	_, known := s.sources[sourceID]
	recv, live := s.running[sourceID]
	s.mu.Unlock()

	if !known {
		return nil, errors.WrapInvalid(errors.ErrUnknownSource,
			"Supervisor", "Status", fmt.Sprintf("source %q not configured", sourceID))
	}

	st := &SourceStatus{SourceID: sourceID, Running: live}
	if live {
		st.State = recv.State()
	}
	if entry, err := s.deps.Status.Get(ctx, sourceID); err == nil {
		st.Record = entry.Status
	}
	return st, nil
}

// StatusAll reports every configured source.
func (s *Supervisor) StatusAll(ctx context.Context) ([]*SourceStatus, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]*SourceStatus, 0, len(ids))
	for _, id := range ids {
		st, err := s.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// SystemHealth is a point-in-time snapshot of the whole instance,
// shaped for an external status surface.
type SystemHealth struct {
	Instance    uuid.UUID       `json:"instance"`
	Timestamp   time.Time       `json:"timestamp"`
	SinkHealthy bool            `json:"sink_healthy"`
	Running     int             `json:"running"`
	Configured  int             `json:"configured"`
	Sources     []*SourceStatus `json:"sources"`
}

// healthChecker is implemented by sinks that can report connectivity.
type healthChecker interface {
	Healthy() bool
}

// Health assembles the system snapshot: per-source status plus sink
// connectivity. Sinks without a health probe count as healthy.
func (s *Supervisor) Health(ctx context.Context) (*SystemHealth, error) {
	sources, err := s.StatusAll(ctx)
	if err != nil {
		return nil, err
	}

	running := 0
	for _, src := range sources {
		if src.Running {
			running++
		}
	}

	sinkHealthy := true
	if hc, ok := s.deps.Sink.(healthChecker); ok {
		sinkHealthy = hc.Healthy()
	}

	return &SystemHealth{
		Instance:    s.owner,
		Timestamp:   time.Now().UTC(),
		SinkHealthy: sinkHealthy,
		Running:     running,
		Configured:  len(sources),
		Sources:     sources,
	}, nil
}

// reconcile sweeps the fleet: receivers that died are reaped and their
// claims released, then unclaimed or stale sources are started.
func (s *Supervisor) reconcile(ctx context.Context) {
	s.mu.Lock()
	dead := make([]string, 0)
	for id, recv := range s.running {
		select {
		case <-recv.Done():
			dead = append(dead, id)
		default:
			if recv.State() == component.StateFaulted {
				dead = append(dead, id)
			}
		}
	}
	for _, id := range dead {
		delete(s.running, id)
	}
	idle := make([]string, 0)
	for id := range s.sources {
		if _, live := s.running[id]; !live {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dead {
		s.logger.Warn("receiver died, claim released", "source", id)
		s.releaseClaim(ctx, id)
	}

	for _, id := range idle {
		err := s.StartSource(ctx, id)
		switch {
		case err == nil:
			s.logger.Info("source recovered by reconcile", "source", id)
		case errors.Is(err, errors.ErrSourceRunning):
			// Held elsewhere; normal in multi-instance deployments.
		default:
			s.logger.Warn("reconcile start failed", "source", id, "error", err)
		}
	}
}
