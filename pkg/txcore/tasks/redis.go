package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces task queues.
const DefaultRedisPrefix = "txcore:tasks:"

// submitScript stores a descriptor under a unique name and indexes it by
// schedule time.
// KEYS[1] = schedule zset, KEYS[2] = descriptor hash
// ARGV[1] = name, ARGV[2] = descriptor JSON, ARGV[3] = score (unix ms)
// Returns 0 when the name is taken.
var submitScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[2], ARGV[1], ARGV[2]) == 0 then
    return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// RedisQueue keeps tasks in a sorted set scored by schedule time and a
// hash of descriptors. A dispatcher polls Due and calls Complete.
type RedisQueue struct {
	client redis.UniversalClient
	name   string
	prefix string
	now    func() time.Time
}

var _ TaskQueue = (*RedisQueue)(nil)

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client redis.UniversalClient, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name, prefix: DefaultRedisPrefix, now: time.Now}
}

// OpenRedisQueue connects to addr.
func OpenRedisQueue(ctx context.Context, addr, name string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisQueue(client, name), nil
}

// WithPrefix replaces the key prefix.
func (q *RedisQueue) WithPrefix(prefix string) *RedisQueue {
	q.prefix = prefix
	return q
}

func (q *RedisQueue) scheduleKey() string { return q.prefix + q.name }
func (q *RedisQueue) dataKey() string     { return q.prefix + q.name + ":data" }

// Submit implements TaskQueue.
func (q *RedisQueue) Submit(ctx context.Context, d Descriptor) (TaskHandle, error) {
	if d.Name == "" {
		d.Name = uuid.NewString()
	}
	at := q.now().UTC()
	if d.ScheduleTime != nil {
		at = *d.ScheduleTime
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return TaskHandle{}, fmt.Errorf("marshal task: %w", err)
	}
	ok, err := submitScript.Run(ctx, q.client,
		[]string{q.scheduleKey(), q.dataKey()},
		d.Name, raw, strconv.FormatInt(at.UnixMilli(), 10),
	).Int()
	if err != nil {
		return TaskHandle{}, fmt.Errorf("redis submit: %w", err)
	}
	if ok == 0 {
		return TaskHandle{}, fmt.Errorf("%w: %s", ErrTaskExists, d.Name)
	}
	return TaskHandle{Name: d.Name, Queue: q.name, ScheduleTime: at}, nil
}

// Due returns up to limit tasks scheduled at or before now.
func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]Descriptor, error) {
	names, err := q.client.ZRangeByScore(ctx, q.scheduleKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis due: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.dataKey(), names...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load tasks: %w", err)
	}
	out := make([]Descriptor, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var d Descriptor
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", names[i], err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Complete removes a task from both keys.
func (q *RedisQueue) Complete(ctx context.Context, name string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.scheduleKey(), name)
		p.HDel(ctx, q.dataKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis complete %s: %w", name, err)
	}
	return nil
}

// Close closes the client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
