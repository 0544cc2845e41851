package cookiesession

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// NoExpiration is reported by Store.Expiration for sessions without a tracked TTL.
const NoExpiration time.Duration = -1

// Record is a persisted session as returned by Store.Fetch.
type Record struct {
	Key        string
	OwnerID    int64
	Attributes map[string]any
}

// Store defines the interface for session persistence.
//
// Keys are storage keys produced by DeriveKey. A ttl below zero leaves expiration
// untracked, zero expires the session immediately.
type Store interface {
	// Create persists a new session for ownerID.
	Create(ctx context.Context, key string, ownerID int64, attrs map[string]any) error
	// Fetch returns the session stored under key, or nil when it does not exist or has expired.
	Fetch(ctx context.Context, key string) (*Record, error)
	// SetExpiration makes the session expire ttl from now.
	SetExpiration(ctx context.Context, key string, ownerID int64, ttl time.Duration) error
	// Expiration returns the time left before the session expires, or NoExpiration.
	Expiration(ctx context.Context, key string) (time.Duration, error)
	// Delete removes one session. Deleting a missing session is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteAllForOwner removes every session that belongs to ownerID.
	DeleteAllForOwner(ctx context.Context, ownerID int64) error
	// SetAttribute stores one attribute of an existing session.
	SetAttribute(ctx context.Context, key, name string, value any) error
	// DeleteAttribute removes one attribute of an existing session.
	DeleteAttribute(ctx context.Context, key, name string) error
	// Cleanup removes expired sessions from the store.
	Cleanup(ctx context.Context) error
	// Close closes the store.
	Close() error
}

const ownerField = "owner_id"

// reservedAttributes are names used for fixed fields or bookkeeping.
var reservedAttributes = map[string]bool{
	ownerField:   true,
	"expires_at": true,
}

func checkAttributeName(name string) error {
	if name == "" || reservedAttributes[name] {
		return fmt.Errorf("%w: %q", ErrReservedAttribute, name)
	}
	return nil
}

func encodeValue(value any) (json.RawMessage, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return b, nil
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode attribute: %w", err)
	}
	return v, nil
}

// encodeAttributes validates and encodes the attributes passed to Create.
func encodeAttributes(attrs map[string]any) (map[string]json.RawMessage, error) {
	encoded := make(map[string]json.RawMessage, len(attrs))
	for name, value := range attrs {
		if err := checkAttributeName(name); err != nil {
			return nil, err
		}
		raw, err := encodeValue(value)
		if err != nil {
			return nil, err
		}
		encoded[name] = raw
	}
	return encoded, nil
}

func decodeAttributes(encoded map[string]json.RawMessage) (map[string]any, error) {
	attrs := make(map[string]any, len(encoded))
	for name, raw := range encoded {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		attrs[name] = v
	}
	return attrs, nil
}

func cloneAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return make(map[string]any)
	}
	return maps.Clone(attrs)
}
