package cookiesession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxCASRetries bounds compare-and-swap loops under contention.
const maxCASRetries = 16

// MemcachedStore implements the Store interface using Memcached.
//
// A session is one item holding a JSON envelope. Each owner has an index item listing its
// session keys, maintained with compare-and-swap. Memcached has no multi-key
// transactions, so the index is a best-effort cross-reference: it may briefly list a
// session that is already gone, never the other way round.
type MemcachedStore struct {
	client          *memcache.Client
	prefix          string
	maxSessionBytes int
	now             func() time.Time
}

// MemcachedConfig holds configuration for the Memcached store.
type MemcachedConfig struct {
	Servers         []string
	Prefix          string // Key namespace. Defaults to "cs:".
	MaxSessionBytes int
	Timeout         time.Duration // Timeout for Memcached operations. Defaults to 0 (no timeout) if not set.
	Now             func() time.Time
}

type memcachedEnvelope struct {
	OwnerID    int64                      `json:"owner_id"`
	Attributes map[string]json.RawMessage `json:"attributes"`
	CreatedAt  int64                      `json:"created_at"`
	ExpiresAt  int64                      `json:"expires_at,omitempty"` // unix milliseconds, 0 when untracked
}

type memcachedIndex struct {
	Sessions  map[string]int64 `json:"sessions"` // storage key -> issued at, unix milliseconds
	ExpiresAt int64            `json:"expires_at,omitempty"`
}

// NewMemcachedStore creates a new MemcachedStore.
func NewMemcachedStore(servers ...string) *MemcachedStore {
	return NewMemcachedStoreWithConfig(MemcachedConfig{
		Servers: servers,
		// Keep requests from hanging when Memcached is down.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedStoreWithConfig creates a new MemcachedStore with custom configuration.
func NewMemcachedStoreWithConfig(cfg MemcachedConfig) *MemcachedStore {
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout

	if cfg.Prefix == "" {
		cfg.Prefix = "cs:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &MemcachedStore{
		client:          client,
		prefix:          cfg.Prefix,
		maxSessionBytes: cfg.MaxSessionBytes,
		now:             cfg.Now,
	}
}

func (s *MemcachedStore) sessionKey(key string) string {
	return s.prefix + "session:" + key
}

func (s *MemcachedStore) ownerKey(ownerID int64) string {
	return s.prefix + "owner:" + strconv.FormatInt(ownerID, 10)
}

func (s *MemcachedStore) expired(unixMilli int64) bool {
	return unixMilli != 0 && s.now().UnixMilli() >= unixMilli
}

// expiration converts an absolute expiry into a Memcached expiration value.
func (s *MemcachedStore) expiration(unixMilli int64) int32 {
	if unixMilli == 0 {
		return 0
	}
	if s.expired(unixMilli) {
		// Negative values make Memcached treat the item as already expired.
		return -1
	}
	return calculateMemcachedExpiration(s.now(), time.UnixMilli(unixMilli), 0)
}

// encode marshals v into a pooled buffer. The buffer must be released with PutBuffer
// after the item has been written.
func (s *MemcachedStore) encode(v any) (*bytes.Buffer, error) {
	buf, err := marshalPooled(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	if s.maxSessionBytes > 0 && buf.Len() > s.maxSessionBytes {
		PutBuffer(buf)
		return nil, ErrSessionTooLarge
	}
	return buf, nil
}

func (s *MemcachedStore) Create(ctx context.Context, key string, ownerID int64, attrs map[string]any) error {
	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}

	now := s.now()
	buf, err := s.encode(memcachedEnvelope{
		OwnerID:    ownerID,
		Attributes: encoded,
		CreatedAt:  now.UnixMilli(),
	})
	if err != nil {
		return err
	}

	err = s.client.Set(&memcache.Item{Key: s.sessionKey(key), Value: buf.Bytes()})
	PutBuffer(buf)
	if err != nil {
		return memcachedWriteErr(err)
	}

	err = s.updateIndex(ownerID, func(idx *memcachedIndex) {
		idx.Sessions[key] = now.UnixMilli()
		if s.expired(idx.ExpiresAt) {
			idx.ExpiresAt = 0
		}
	})
	if err != nil {
		// Without an index entry the session could outlive a forced logout.
		_ = s.client.Delete(s.sessionKey(key))
		return err
	}
	return nil
}

func (s *MemcachedStore) Fetch(ctx context.Context, key string) (*Record, error) {
	env, err := s.getEnvelope(key)
	if err != nil || env == nil {
		return nil, err
	}

	attrs, err := decodeAttributes(env.Attributes)
	if err != nil {
		return nil, err
	}
	return &Record{Key: key, OwnerID: env.OwnerID, Attributes: attrs}, nil
}

// getEnvelope returns the live envelope stored for key, or nil.
func (s *MemcachedStore) getEnvelope(key string) (*memcachedEnvelope, error) {
	item, err := s.client.Get(s.sessionKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, readErr(err)
	}

	if s.maxSessionBytes > 0 && len(item.Value) > s.maxSessionBytes {
		return nil, ErrSessionTooLarge
	}

	var env memcachedEnvelope
	if err := unmarshalPooled(item.Value, &env); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	if s.expired(env.ExpiresAt) {
		return nil, nil
	}
	if env.Attributes == nil {
		env.Attributes = make(map[string]json.RawMessage)
	}
	return &env, nil
}

func (s *MemcachedStore) SetExpiration(ctx context.Context, key string, ownerID int64, ttl time.Duration) error {
	if ttl < 0 {
		return nil
	}
	if ttl == 0 {
		return s.deleteSession(key, ownerID)
	}

	now := s.now()
	expiresAt := now.Add(ttl).UnixMilli()

	err := s.updateSession(key, func(env *memcachedEnvelope) error {
		env.ExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		return err
	}

	cutoff := now.Add(-ttl).UnixMilli()
	return s.updateIndex(ownerID, func(idx *memcachedIndex) {
		idx.Sessions[key] = now.UnixMilli()
		for k, issued := range idx.Sessions {
			if issued < cutoff {
				delete(idx.Sessions, k)
			}
		}
		idx.ExpiresAt = expiresAt
	})
}

func (s *MemcachedStore) Expiration(ctx context.Context, key string) (time.Duration, error) {
	env, err := s.getEnvelope(key)
	if err != nil {
		return 0, err
	}
	if env == nil {
		return 0, ErrSessionNotFound
	}
	if env.ExpiresAt == 0 {
		return NoExpiration, nil
	}
	return time.UnixMilli(env.ExpiresAt).Sub(s.now()), nil
}

func (s *MemcachedStore) Delete(ctx context.Context, key string) error {
	env, err := s.getEnvelope(key)
	if err != nil {
		return err
	}
	if env == nil {
		// Expired envelopes may still occupy the slot.
		if err := s.client.Delete(s.sessionKey(key)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return memcachedWriteErr(err)
		}
		return nil
	}
	return s.deleteSession(key, env.OwnerID)
}

func (s *MemcachedStore) deleteSession(key string, ownerID int64) error {
	err := s.client.Delete(s.sessionKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return memcachedWriteErr(err)
	}

	return s.updateIndex(ownerID, func(idx *memcachedIndex) {
		delete(idx.Sessions, key)
	})
}

// DeleteAllForOwner removes every session listed in the owner index, then the index.
func (s *MemcachedStore) DeleteAllForOwner(ctx context.Context, ownerID int64) error {
	item, err := s.client.Get(s.ownerKey(ownerID))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return readErr(err)
	}

	var idx memcachedIndex
	if err := unmarshalPooled(item.Value, &idx); err != nil {
		return fmt.Errorf("failed to decode owner index: %w", err)
	}

	for key := range idx.Sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.client.Delete(s.sessionKey(key)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return memcachedWriteErr(err)
		}
	}

	if err := s.client.Delete(s.ownerKey(ownerID)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return memcachedWriteErr(err)
	}
	return nil
}

func (s *MemcachedStore) SetAttribute(ctx context.Context, key, name string, value any) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}

	return s.updateSession(key, func(env *memcachedEnvelope) error {
		env.Attributes[name] = raw
		return nil
	})
}

func (s *MemcachedStore) DeleteAttribute(ctx context.Context, key, name string) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}

	return s.updateSession(key, func(env *memcachedEnvelope) error {
		delete(env.Attributes, name)
		return nil
	})
}

// updateSession applies fn to a live session with compare-and-swap.
func (s *MemcachedStore) updateSession(key string, fn func(env *memcachedEnvelope) error) error {
	for range maxCASRetries {
		item, err := s.client.Get(s.sessionKey(key))
		if errors.Is(err, memcache.ErrCacheMiss) {
			return ErrSessionNotFound
		}
		if err != nil {
			return readErr(err)
		}

		var env memcachedEnvelope
		if err := unmarshalPooled(item.Value, &env); err != nil {
			return fmt.Errorf("failed to decode session data: %w", err)
		}
		if s.expired(env.ExpiresAt) {
			return ErrSessionNotFound
		}
		if env.Attributes == nil {
			env.Attributes = make(map[string]json.RawMessage)
		}

		if err := fn(&env); err != nil {
			return err
		}

		buf, err := s.encode(env)
		if err != nil {
			return err
		}
		item.Value = buf.Bytes()
		item.Expiration = s.expiration(env.ExpiresAt)

		err = s.client.CompareAndSwap(item)
		PutBuffer(buf)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, memcache.ErrCASConflict):
			continue
		case errors.Is(err, memcache.ErrNotStored):
			return ErrSessionNotFound
		default:
			return memcachedWriteErr(err)
		}
	}
	return fmt.Errorf("%w: too much contention on session", ErrStoreWriteFailed)
}

// updateIndex applies fn to the owner index, creating it when missing. The index is
// removed once it lists no session.
func (s *MemcachedStore) updateIndex(ownerID int64, fn func(idx *memcachedIndex)) error {
	key := s.ownerKey(ownerID)

	for range maxCASRetries {
		item, err := s.client.Get(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			idx := memcachedIndex{Sessions: make(map[string]int64)}
			fn(&idx)
			if len(idx.Sessions) == 0 {
				return nil
			}
			data, err := json.Marshal(idx)
			if err != nil {
				return fmt.Errorf("failed to encode owner index: %w", err)
			}
			err = s.client.Add(&memcache.Item{Key: key, Value: data, Expiration: s.expiration(idx.ExpiresAt)})
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			if err != nil {
				return memcachedWriteErr(err)
			}
			return nil
		}
		if err != nil {
			return readErr(err)
		}

		var idx memcachedIndex
		if err := unmarshalPooled(item.Value, &idx); err != nil {
			return fmt.Errorf("failed to decode owner index: %w", err)
		}
		if idx.Sessions == nil {
			idx.Sessions = make(map[string]int64)
		}
		fn(&idx)

		if len(idx.Sessions) == 0 {
			err = s.client.Delete(key)
			if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
				return memcachedWriteErr(err)
			}
			return nil
		}

		item.Value, err = json.Marshal(idx)
		if err != nil {
			return fmt.Errorf("failed to encode owner index: %w", err)
		}
		item.Expiration = s.expiration(idx.ExpiresAt)

		err = s.client.CompareAndSwap(item)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, memcache.ErrCASConflict), errors.Is(err, memcache.ErrNotStored):
			continue
		default:
			return memcachedWriteErr(err)
		}
	}
	return fmt.Errorf("%w: too much contention on owner index", ErrStoreWriteFailed)
}

// Cleanup is a no-op for Memcached as it handles expiration automatically.
func (s *MemcachedStore) Cleanup(ctx context.Context) error {
	return nil
}

// Close is a no-op for Memcached client.
func (s *MemcachedStore) Close() error {
	return nil
}

func memcachedWriteErr(err error) error {
	var timeout *memcache.ConnectTimeoutError
	if errors.Is(err, memcache.ErrNoServers) || errors.As(err, &timeout) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return writeErr(err)
}

// calculateMemcachedExpiration calculates the expiration value for Memcached.
// Memcached treats values > 30 days (60*60*24*30 seconds) as absolute Unix timestamps.
// Values <= 30 days are treated as a delta from the current time.
func calculateMemcachedExpiration(now time.Time, expiresAt time.Time, ttl time.Duration) int32 {
	const maxDelta = 30 * 24 * 60 * 60 // 30 days in seconds

	var duration time.Duration
	if !expiresAt.IsZero() {
		duration = expiresAt.Sub(now)
	} else {
		duration = ttl
	}

	// Large deltas would be read as timestamps in 1970 and expire at once.
	if duration > maxDelta*time.Second {
		if !expiresAt.IsZero() {
			return int32(expiresAt.Unix())
		}
		return int32(now.Add(ttl).Unix())
	}

	if duration <= 0 {
		return 0
	}
	// Round up so the item never disappears before the envelope says it expires.
	secs := int32(duration / time.Second)
	if duration%time.Second != 0 {
		secs++
	}
	return secs
}
