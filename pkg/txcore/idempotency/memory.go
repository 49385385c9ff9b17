package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a map behind a single mutex.
// It is suitable for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	options
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		options: buildOptions(opts),
	}
}

var _ Store = (*MemoryStore)(nil)

// live returns the record for key, deleting it if expired. Caller holds mu.
func (s *MemoryStore) live(key string, now time.Time) *Record {
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if rec.Expired(now) {
		delete(s.records, key)
		return nil
	}
	return rec
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.live(key, s.now())
	if rec == nil {
		return nil, nil
	}
	return rec.clone(), nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, statusCode int, body []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := &Record{
		Key:        key,
		StatusCode: statusCode,
		Body:       append([]byte(nil), body...),
		State:      StateCompleted,
		CreatedAt:  now,
		ExpiresAt:  now.Add(effectiveTTL(ttl, s.defaultTTL)),
	}
	if prev := s.live(key, now); prev != nil {
		rec.Fingerprint = prev.Fingerprint
	}
	s.records[key] = rec
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing := s.live(key, now); existing != nil {
		return existing.clone(), false, nil
	}
	s.records[key] = &Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(effectiveTTL(ttl, s.defaultTTL)),
	}
	return nil, true, nil
}

// SweepExpired implements Store.
func (s *MemoryStore) SweepExpired(_ context.Context, batch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, rec := range s.records {
		if batch > 0 && removed >= batch {
			break
		}
		if rec.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
