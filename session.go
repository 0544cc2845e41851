package cookiesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"
)

// Session is the request scoped view of one stored session.
//
// An anonymous Session has no storage key; Init turns it into a persisted one. Attribute
// writes go to the store first and are mirrored locally only once the store accepted
// them, so reads within the request never run ahead of what is persisted.
// A Session is safe for concurrent use by the goroutines serving one request.
type Session struct {
	mu      sync.Mutex
	manager *Manager
	w       http.ResponseWriter
	r       *http.Request

	key     string
	ownerID int64
	attrs   map[string]any
}

// Exists reports whether the session is backed by a stored record.
func (s *Session) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key != ""
}

// Key returns the storage key, or "" for an anonymous session.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// OwnerID returns the id of the principal the session belongs to.
func (s *Session) OwnerID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID, s.key != ""
}

// Init persists a new session for ownerID and issues its cookie. It does nothing when the
// session already exists, so a second login within one request keeps the first key.
func (s *Session) Init(ctx context.Context, ownerID int64, attrs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != "" {
		return nil
	}

	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}
	local, err := decodeAttributes(encoded)
	if err != nil {
		return err
	}

	m := s.manager
	id, err := m.generateID()
	if err != nil {
		return fmt.Errorf("failed to generate session id: %w", err)
	}
	key := m.deriveKey(id, m.secret)

	if err := m.store.Create(ctx, key, ownerID, attrs); err != nil {
		return err
	}
	if err := m.store.SetExpiration(ctx, key, ownerID, m.storeTTL()); err != nil {
		// Never leave a record behind that no cookie points to.
		_ = m.store.Delete(ctx, key)
		return err
	}

	s.key = key
	s.ownerID = ownerID
	s.attrs = local
	m.setCookie(s.w, s.r, id)
	return nil
}

// Get returns the attribute stored under name. Values have gone through JSON: numbers are
// float64, objects map[string]any and arrays []any.
func (s *Session) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[name]
	return v, ok
}

// String returns a string attribute.
func (s *Session) String(name string) (string, bool) {
	v, ok := s.Get(name)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Bool reports whether name holds the boolean true.
func (s *Session) Bool(name string) bool {
	v, _ := s.Get(name)
	b, _ := v.(bool)
	return b
}

// Int64 returns a numeric attribute that holds a whole number.
func (s *Session) Int64(name string) (int64, bool) {
	v, ok := s.Get(name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Decode unmarshals the attribute stored under name into dst. found is false when the
// attribute is not set.
func (s *Session) Decode(name string, dst any) (found bool, err error) {
	v, ok := s.Get(name)
	if !ok {
		return false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return true, fmt.Errorf("failed to decode attribute %q: %w", name, err)
	}
	return true, nil
}

// Attributes returns a copy of every attribute.
func (s *Session) Attributes() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAttributes(s.attrs)
}

// Set stores value under name.
func (s *Session) Set(ctx context.Context, name string, value any) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	local, err := decodeValue(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == "" {
		return ErrSessionNotFound
	}
	if err := s.manager.store.SetAttribute(ctx, s.key, name, value); err != nil {
		s.failed(name, err)
		return err
	}
	s.attrs[name] = local
	return nil
}

// Delete removes the attribute stored under name.
func (s *Session) Delete(ctx context.Context, name string) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == "" {
		return ErrSessionNotFound
	}
	if err := s.manager.store.DeleteAttribute(ctx, s.key, name); err != nil {
		s.failed(name, err)
		return err
	}
	delete(s.attrs, name)
	return nil
}

// failed brings the local copy in line with what a failed mutation leaves behind.
// Callers hold s.mu.
func (s *Session) failed(name string, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		s.reset()
	case errors.Is(err, ErrStoreWriteFailed), errors.Is(err, ErrStoreUnavailable):
		// The stored value is unknown; Reload reads it back.
		delete(s.attrs, name)
	}
}

// Reload replaces the local state with the stored record.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == "" {
		return ErrSessionNotFound
	}
	rec, err := s.manager.store.Fetch(ctx, s.key)
	if err != nil {
		return err
	}
	if rec == nil {
		s.reset()
		return ErrSessionNotFound
	}
	s.ownerID = rec.OwnerID
	s.attrs = cloneAttributes(rec.Attributes)
	return nil
}

// Regenerate moves the session to a new identifier and deletes the old record. Use it
// when the privilege level changes to defeat session fixation.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == "" {
		return ErrSessionNotFound
	}

	m := s.manager
	id, err := m.generateID()
	if err != nil {
		return fmt.Errorf("failed to generate session id: %w", err)
	}
	key := m.deriveKey(id, m.secret)

	if err := m.store.Create(ctx, key, s.ownerID, s.attrs); err != nil {
		return err
	}
	if err := m.store.SetExpiration(ctx, key, s.ownerID, m.storeTTL()); err != nil {
		_ = m.store.Delete(ctx, key)
		return err
	}

	if err := m.store.Delete(ctx, s.key); err != nil {
		// The old identifier would stay valid. Fail closed and log the client out.
		_ = m.store.Delete(ctx, key)
		m.clearCookie(s.w, s.r)
		s.reset()
		return err
	}

	s.key = key
	m.setCookie(s.w, s.r, id)
	return nil
}

// Destroy expires the cookie and deletes the stored record. The cookie is cleared and the
// local state wiped even when the store fails.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.manager.clearCookie(s.w, s.r)

	key := s.key
	s.reset()
	if key == "" {
		return nil
	}
	return s.manager.store.Delete(ctx, key)
}

// Expiration returns the time left before the stored session expires, or NoExpiration.
func (s *Session) Expiration(ctx context.Context) (time.Duration, error) {
	key := s.Key()
	if key == "" {
		return 0, ErrSessionNotFound
	}
	return s.manager.store.Expiration(ctx, key)
}

func (s *Session) reset() {
	s.key = ""
	s.ownerID = 0
	clear(s.attrs)
}

// load fills an anonymous session from a fetched record.
func (s *Session) load(rec *Record) {
	s.key = rec.Key
	s.ownerID = rec.OwnerID
	s.attrs = cloneAttributes(rec.Attributes)
}
