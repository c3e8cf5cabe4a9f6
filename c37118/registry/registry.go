// Package registry holds the most recently accepted configuration frame
// per source id. Data frames are only interpretable against the matching
// configuration, so every receiver consults this registry on dispatch.
//
// Concurrency model: many receivers read concurrently; writes for a given
// source id only ever come from the single receiver owning that source, so
// same-key writes are naturally serialized and a plain RWMutex suffices.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/janiolos/SmartPhasorToolBox/c37118"
	"github.com/janiolos/SmartPhasorToolBox/errors"
)

// Entry is one registered configuration with its bookkeeping.
type Entry struct {
	Config   *c37118.ConfigFrame
	CfgCount uint16
	Received time.Time
}

// Registry maps source id codes to their latest accepted configuration.
// The zero value is not usable; call New.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint16]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[uint16]*Entry)}
}

// Put replaces or inserts the configuration for sourceID. Derived state
// (the change counter snapshot) is reset from the new frame.
func (r *Registry) Put(sourceID uint16, cfg *c37118.ConfigFrame) error {
	if cfg == nil || len(cfg.Stations) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("configuration for source %d has no stations", sourceID),
			"registry", "Put", "configuration validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sourceID] = &Entry{
		Config:   cfg,
		CfgCount: cfg.CfgCount(),
		Received: time.Now(),
	}
	return nil
}

// Get returns the entry for sourceID, or ErrUnknownSource when no
// configuration has been seen yet.
func (r *Registry) Get(sourceID uint16) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: source %d", errors.ErrUnknownSource, sourceID)
	}
	return e, nil
}

// Config returns the configuration frame for sourceID, or nil when absent.
// Receivers pass the result directly to c37118.DecodeData, which maps nil
// to ErrUnknownSource.
func (r *Registry) Config(sourceID uint16) *c37118.ConfigFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[sourceID]; ok {
		return e.Config
	}
	return nil
}

// Counter returns the change counter snapshot taken when the source's
// configuration was registered. Returns false when the source is unknown.
func (r *Registry) Counter(sourceID uint16) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sourceID]
	if !ok {
		return 0, false
	}
	return e.CfgCount, true
}

// Remove drops the entry for sourceID. Receivers deliberately do not call
// this on link loss: configuration persists across reconnects.
func (r *Registry) Remove(sourceID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sourceID)
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the registered source ids in unspecified order.
func (r *Registry) IDs() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint16, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
