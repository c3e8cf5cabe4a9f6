package status

import (
	"context"
	"sync"

	"github.com/janiolos/SmartPhasorToolBox/errors"
	"github.com/janiolos/SmartPhasorToolBox/natsclient"
)

// Entry pairs a status record with the store revision it was read at.
// The revision feeds the CAS operations.
type Entry struct {
	Status   *ReceiverStatus
	Revision uint64
}

// Store persists receiver status records keyed by source ID.
type Store interface {
	// Get returns the record for a source, or errors.ErrKeyNotFound.
	Get(ctx context.Context, sourceID string) (*Entry, error)
	// Put writes unconditionally (last writer wins).
	Put(ctx context.Context, s *ReceiverStatus) (uint64, error)
	// Create writes only if no record exists, else errors.ErrKeyExists.
	Create(ctx context.Context, s *ReceiverStatus) (uint64, error)
	// Update writes only if the stored revision still matches,
	// else errors.ErrRevisionMismatch.
	Update(ctx context.Context, s *ReceiverStatus, revision uint64) (uint64, error)
	// Delete removes a record.
	Delete(ctx context.Context, sourceID string) error
	// List returns all records.
	List(ctx context.Context) ([]*Entry, error)
}

// KVStore backs the status store with a NATS JetStream KV bucket.
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore wraps a natsclient KV store as a status Store.
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, sourceID string) (*Entry, error) {
	entry, err := s.kv.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	st, err := Unmarshal(entry.Value)
	if err != nil {
		return nil, err
	}
	return &Entry{Status: st, Revision: entry.Revision}, nil
}

// Put implements Store.
func (s *KVStore) Put(ctx context.Context, st *ReceiverStatus) (uint64, error) {
	data, err := st.Marshal()
	if err != nil {
		return 0, err
	}
	return s.kv.Put(ctx, st.SourceID, data)
}

// Create implements Store.
func (s *KVStore) Create(ctx context.Context, st *ReceiverStatus) (uint64, error) {
	data, err := st.Marshal()
	if err != nil {
		return 0, err
	}
	return s.kv.Create(ctx, st.SourceID, data)
}

// Update implements Store.
func (s *KVStore) Update(ctx context.Context, st *ReceiverStatus, revision uint64) (uint64, error) {
	data, err := st.Marshal()
	if err != nil {
		return 0, err
	}
	return s.kv.Update(ctx, st.SourceID, data, revision)
}

// Delete implements Store.
func (s *KVStore) Delete(ctx context.Context, sourceID string) error {
	return s.kv.Delete(ctx, sourceID)
}

// List implements Store.
func (s *KVStore) List(ctx context.Context) ([]*Entry, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, errors.ErrKeyNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// MemoryStore is an in-memory Store with the same revision semantics as
// the KV-backed store. Used in tests and for single-process deployments
// without NATS.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	nextRev uint64
}

type memEntry struct {
	data     []byte
	revision uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sourceID string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[sourceID]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	st, err := Unmarshal(e.data)
	if err != nil {
		return nil, err
	}
	return &Entry{Status: st, Revision: e.revision}, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, st *ReceiverStatus) (uint64, error) {
	data, err := st.Marshal()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRev++
	s.entries[st.SourceID] = memEntry{data: data, revision: s.nextRev}
	return s.nextRev, nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, st *ReceiverStatus) (uint64, error) {
	data, err := st.Marshal()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[st.SourceID]; ok {
		return 0, errors.ErrKeyExists
	}
	s.nextRev++
	s.entries[st.SourceID] = memEntry{data: data, revision: s.nextRev}
	return s.nextRev, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, st *ReceiverStatus, revision uint64) (uint64, error) {
	data, err := st.Marshal()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[st.SourceID]
	if !ok {
		return 0, errors.ErrKeyNotFound
	}
	if e.revision != revision {
		return 0, errors.ErrRevisionMismatch
	}
	s.nextRev++
	s.entries[st.SourceID] = memEntry{data: data, revision: s.nextRev}
	return s.nextRev, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sourceID]; !ok {
		return errors.ErrKeyNotFound
	}
	delete(s.entries, sourceID)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		st, err := Unmarshal(e.data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &Entry{Status: st, Revision: e.revision})
	}
	return entries, nil
}
