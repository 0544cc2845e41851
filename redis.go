package cookiesession

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const setAttributeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`

const deleteAttributeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HDEL", KEYS[1], ARGV[1])
return 1
`

var (
	setAttributeLua    = redis.NewScript(setAttributeScript)
	deleteAttributeLua = redis.NewScript(deleteAttributeScript)
)

// RedisStore implements the Store interface using Redis.
//
// Each session is a hash holding the owner id and one JSON encoded field per attribute.
// Every owner has a sorted set of its session keys scored by the last time the session
// was issued or refreshed; it is used for bulk invalidation only. Writes that touch both
// are sent as one MULTI/EXEC batch.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Prefix string // Key namespace. Defaults to "cs:".
	Now    func() time.Time
}

// NewRedisStore creates a RedisStore on top of an existing client. Close closes the client.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "cs:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		now:    cfg.Now,
	}
}

// NewRedisStoreFromURL connects to the server described by a redis:// URL and checks that
// it answers.
func NewRedisStoreFromURL(ctx context.Context, url string, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return NewRedisStore(client, cfg), nil
}

func (s *RedisStore) sessionKey(key string) string {
	return s.prefix + "session:" + key
}

func (s *RedisStore) ownerKey(ownerID int64) string {
	return s.prefix + "owner:" + strconv.FormatInt(ownerID, 10)
}

func (s *RedisStore) Create(ctx context.Context, key string, ownerID int64, attrs map[string]any) error {
	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return err
	}

	fields := make([]any, 0, 2+2*len(encoded))
	fields = append(fields, ownerField, ownerID)
	for name, raw := range encoded {
		fields = append(fields, name, string(raw))
	}

	sessionKey := s.sessionKey(key)
	ownerKey := s.ownerKey(ownerID)
	now := s.now()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey, fields...)
		pipe.ZAdd(ctx, ownerKey, redis.Z{Score: float64(now.UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return redisWriteErr(err)
	}
	return nil
}

func (s *RedisStore) Fetch(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.HGetAll(ctx, s.sessionKey(key)).Result()
	if err != nil {
		return nil, readErr(err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	owner, ok := data[ownerField]
	if !ok {
		return nil, nil
	}
	ownerID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session owner: %w", err)
	}
	delete(data, ownerField)

	attrs := make(map[string]any, len(data))
	for name, raw := range data {
		v, err := decodeValue([]byte(raw))
		if err != nil {
			return nil, err
		}
		attrs[name] = v
	}

	return &Record{Key: key, OwnerID: ownerID, Attributes: attrs}, nil
}

// SetExpiration refreshes the session TTL and its entry in the owner index, pruning index
// entries that have not been refreshed within ttl.
func (s *RedisStore) SetExpiration(ctx context.Context, key string, ownerID int64, ttl time.Duration) error {
	if ttl < 0 {
		return nil
	}

	sessionKey := s.sessionKey(key)
	ownerKey := s.ownerKey(ownerID)

	if ttl == 0 {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, sessionKey)
			pipe.ZRem(ctx, ownerKey, key)
			return nil
		})
		if err != nil {
			return redisWriteErr(err)
		}
		return nil
	}

	now := s.now()
	cutoff := now.Add(-ttl).UnixMilli()

	var extended *redis.BoolCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		extended = pipe.PExpire(ctx, sessionKey, ttl)
		pipe.ZAdd(ctx, ownerKey, redis.Z{Score: float64(now.UnixMilli()), Member: key})
		pipe.PExpire(ctx, ownerKey, ttl)
		pipe.ZRemRangeByScore(ctx, ownerKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		return nil
	})
	if err != nil {
		return redisWriteErr(err)
	}

	if !extended.Val() {
		// The session is gone; do not leave it in the index.
		if err := s.client.ZRem(ctx, ownerKey, key).Err(); err != nil {
			return redisWriteErr(err)
		}
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) Expiration(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.sessionKey(key)).Result()
	if err != nil {
		return 0, readErr(err)
	}
	// PTTL reports -2 for a missing key and -1 for a key without TTL.
	switch {
	case ttl == -2:
		return 0, ErrSessionNotFound
	case ttl < 0:
		return NoExpiration, nil
	}
	return ttl, nil
}

// Delete removes exactly one session and its index entry.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	sessionKey := s.sessionKey(key)

	owner, err := s.client.HGet(ctx, sessionKey, ownerField).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return readErr(err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey)
		pipe.ZRem(ctx, s.ownerKey(owner), key)
		return nil
	})
	if err != nil {
		return redisWriteErr(err)
	}
	return nil
}

// DeleteAllForOwner reads the owner index and removes every listed session together with
// the index in one batch. A session created between the read and the batch survives; it
// is caught by the next call or expires on its own.
func (s *RedisStore) DeleteAllForOwner(ctx context.Context, ownerID int64) error {
	ownerKey := s.ownerKey(ownerID)

	keys, err := s.client.ZRange(ctx, ownerKey, 0, -1).Result()
	if err != nil {
		return readErr(err)
	}

	sessionKeys := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		sessionKeys = append(sessionKeys, s.sessionKey(key))
	}
	sessionKeys = append(sessionKeys, ownerKey)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKeys...)
		return nil
	})
	if err != nil {
		return redisWriteErr(err)
	}
	return nil
}

func (s *RedisStore) SetAttribute(ctx context.Context, key, name string, value any) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}

	ok, err := setAttributeLua.Run(ctx, s.client, []string{s.sessionKey(key)}, name, string(raw)).Int()
	if err != nil {
		return redisWriteErr(err)
	}
	if ok == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) DeleteAttribute(ctx context.Context, key, name string) error {
	if err := checkAttributeName(name); err != nil {
		return err
	}

	ok, err := deleteAttributeLua.Run(ctx, s.client, []string{s.sessionKey(key)}, name).Int()
	if err != nil {
		return redisWriteErr(err)
	}
	if ok == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Cleanup is a no-op for Redis as it handles expiration automatically.
func (s *RedisStore) Cleanup(ctx context.Context) error {
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisWriteErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return writeErr(err)
}
