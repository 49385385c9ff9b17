package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces idempotency keys.
const DefaultRedisPrefix = "txcore:idem:"

// reserveScript creates the in-flight hash only when the key is absent.
// KEYS[1] = record key
// ARGV[1] = fingerprint, ARGV[2] = state, ARGV[3] = created_at (unix ns),
// ARGV[4] = expires_at (unix ns), ARGV[5] = ttl (ms)
// Returns nil when reserved, otherwise the existing fields as HGETALL.
var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return redis.call("HGETALL", KEYS[1])
end
redis.call("HSET", KEYS[1],
    "status_code", 0,
    "fingerprint", ARGV[1],
    "state", ARGV[2],
    "created_at", ARGV[3],
    "expires_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return false
`)

// setScript stores a completed response, keeping any live fingerprint.
// KEYS[1] = record key
// ARGV[1] = status_code, ARGV[2] = body, ARGV[3] = state,
// ARGV[4] = created_at, ARGV[5] = expires_at, ARGV[6] = ttl (ms)
var setScript = redis.NewScript(`
local fp = redis.call("HGET", KEYS[1], "fingerprint")
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1],
    "status_code", ARGV[1],
    "body", ARGV[2],
    "fingerprint", fp or "",
    "state", ARGV[3],
    "created_at", ARGV[4],
    "expires_at", ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
return 1
`)

// RedisStore keeps records as Redis hashes with native expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisPrefix, options: buildOptions(opts)}
}

// OpenRedisStore connects to addr.
func OpenRedisStore(ctx context.Context, addr, password string, db int, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

// WithPrefix sets the key namespace. It returns s for chaining.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

func recordFromHash(key string, fields map[string]string) (*Record, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	status, err := strconv.Atoi(fields["status_code"])
	if err != nil {
		return nil, fmt.Errorf("decode status_code: %w", err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode expires_at: %w", err)
	}
	rec := &Record{
		Key:         key,
		StatusCode:  status,
		Fingerprint: fields["fingerprint"],
		State:       State(fields["state"]),
		CreatedAt:   time.Unix(0, created).UTC(),
		ExpiresAt:   time.Unix(0, expires).UTC(),
	}
	if body, ok := fields["body"]; ok {
		rec.Body = []byte(body)
	}
	return rec, nil
}

// pairsToMap converts an HGETALL reply delivered through EVAL.
func pairsToMap(v any) map[string]string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, _ := items[i].(string)
		val, _ := items[i+1].(string)
		out[k] = val
	}
	return out
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	rec, err := recordFromHash(key, fields)
	if err != nil || rec == nil {
		return rec, err
	}
	if rec.Expired(s.now()) {
		if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
			return nil, fmt.Errorf("delete expired record: %w", err)
		}
		return nil, nil
	}
	return rec, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	ttl = effectiveTTL(ttl, s.defaultTTL)
	now := s.now()
	err := setScript.Run(ctx, s.client, []string{s.redisKey(key)},
		statusCode, body, string(StateCompleted),
		now.UnixNano(), now.Add(ttl).UnixNano(), ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return n > 0, nil
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	ttl = effectiveTTL(ttl, s.defaultTTL)
	now := s.now()
	res, err := reserveScript.Run(ctx, s.client, []string{s.redisKey(key)},
		fingerprint, string(StateInFlight), now.UnixNano(), now.Add(ttl).UnixNano(), ttl.Milliseconds(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reserve: %w", err)
	}
	existing, err := recordFromHash(key, pairsToMap(res))
	if err != nil {
		return nil, false, fmt.Errorf("reserve: %w", err)
	}
	return existing, false, nil
}

// SweepExpired implements Store. Redis expires keys natively, so there is
// nothing to sweep.
func (s *RedisStore) SweepExpired(context.Context, int) (int, error) {
	return 0, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
