package cookiesession

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sweepBatch is the number of entries removed per write lock during a sweep.
const sweepBatch = 256

// MemoryStore keeps sessions in process memory. Expired entries are invisible as soon as
// they expire and are removed by a background sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	now      func() time.Time
	logger   zerolog.Logger
	sweeper  *sweeper
}

type memoryEntry struct {
	ownerID   int64
	attrs     map[string]json.RawMessage
	expiresAt time.Time // zero means no expiration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryConfig holds configuration for the memory store.
type MemoryConfig struct {
	SweepInterval time.Duration // Defaults to 24h. Negative disables the background sweep.
	Now           func() time.Time
	Logger        *zerolog.Logger
}

// NewMemoryStore creates a MemoryStore that sweeps expired sessions once a day.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryConfig{})
}

// NewMemoryStoreWithConfig creates a new MemoryStore with custom configuration.
func NewMemoryStoreWithConfig(cfg MemoryConfig) *MemoryStore {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		now:      cfg.Now,
		logger:   loggerOrDefault(cfg.Logger),
	}
	s.sweeper = startSweeper(cfg.SweepInterval, s.Cleanup, s.logger)
	return s
}

// live returns the entry for key if it exists and has not expired. Callers hold s.mu.
func (s *MemoryStore) live(key string) (*memoryEntry, bool) {
	e, ok := s.sessions[key]
	if !ok || e.expired(s.now()) {
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Create(ctx context.Context, key string, ownerID int64, attrs map[string]any) error {
	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = &memoryEntry{ownerID: ownerID, attrs: encoded}
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return nil, nil
	}

	attrs, err := decodeAttributes(e.attrs)
	if err != nil {
		return nil, err
	}
	return &Record{Key: key, OwnerID: e.ownerID, Attributes: attrs}, nil
}

func (s *MemoryStore) SetExpiration(ctx context.Context, key string, ownerID int64, ttl time.Duration) error {
	if ttl < 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return ErrSessionNotFound
	}
	if ttl == 0 {
		delete(s.sessions, key)
		return nil
	}
	e.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) Expiration(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(key)
	if !ok {
		return 0, ErrSessionNotFound
	}
	if e.expiresAt.IsZero() {
		return NoExpiration, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// DeleteAllForOwner scans every session; the store is process local so there is no index
// to keep consistent.
func (s *MemoryStore) DeleteAllForOwner(ctx context.Context, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.sessions {
		if e.ownerID == ownerID {
			delete(s.sessions, key)
		}
	}
	return nil
}

func (s *MemoryStore) SetAttribute(ctx context.Context, key, name string, value any) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return ErrSessionNotFound
	}
	e.attrs[name] = raw
	return nil
}

func (s *MemoryStore) DeleteAttribute(ctx context.Context, key, name string) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return ErrSessionNotFound
	}
	delete(e.attrs, name)
	return nil
}

// Cleanup removes expired sessions. Keys are collected under the read lock and removed in
// batches so request handling is never blocked for a full scan.
func (s *MemoryStore) Cleanup(ctx context.Context) error {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for key, e := range s.sessions {
		if e.expired(now) {
			expired = append(expired, key)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for start := 0; start < len(expired); start += sweepBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+sweepBatch, len(expired))

		s.mu.Lock()
		for _, key := range expired[start:end] {
			// The entry may have been extended since the scan.
			if e, ok := s.sessions[key]; ok && e.expired(now) {
				delete(s.sessions, key)
				removed++
			}
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("swept expired sessions")
	}
	return nil
}

// Len returns the number of entries held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.sweeper.Stop()
	return nil
}
