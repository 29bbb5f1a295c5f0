package audit

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Sequence hands out audit record IDs. IDs are unique and increase
// monotonically for the lifetime of the sequence.
type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

// AtomicSequence is an in-process Sequence.
type AtomicSequence struct {
	n atomic.Int64
}

// NewAtomicSequence returns a sequence whose first ID is start+1.
func NewAtomicSequence(start int64) *AtomicSequence {
	s := &AtomicSequence{}
	s.n.Store(start)
	return s
}

func (s *AtomicSequence) Next(context.Context) (int64, error) {
	return s.n.Add(1), nil
}

// raiseScript moves the counter up to ARGV[1] without ever lowering it.
// KEYS[1] = counter key
var raiseScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
    redis.call("SET", KEYS[1], floor)
    return floor
end
return cur
`)

// RedisSequence shares one counter between replicas.
type RedisSequence struct {
	client *redis.Client
	key    string
}

func NewRedisSequence(client *redis.Client, key string) *RedisSequence {
	if key == "" {
		key = "benchdepot:audit:seq"
	}
	return &RedisSequence{client: client, key: key}
}

// NewRedisSequenceFromURL parses a redis:// URL.
func NewRedisSequenceFromURL(url, key string) (*RedisSequence, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisSequence(redis.NewClient(opts), key), nil
}

// Seed makes sure the next ID is greater than floor.
func (s *RedisSequence) Seed(ctx context.Context, floor int64) error {
	if err := raiseScript.Run(ctx, s.client, []string{s.key}, floor).Err(); err != nil {
		return fmt.Errorf("seed audit sequence: %w", err)
	}
	return nil
}

func (s *RedisSequence) Next(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", s.key, err)
	}
	return id, nil
}

func (s *RedisSequence) Close() error {
	return s.client.Close()
}
