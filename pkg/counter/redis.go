package counter

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

var peekScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return {0, -1}
end
local ttl = redis.call("PTTL", KEYS[1])
return {tonumber(current), ttl}
`)

// RedisStore shares counters across instances. Any Redis error degrades that
// single call to the embedded in-process store instead of failing the request.
type RedisStore struct {
	Client   *redis.Client
	Prefix   string
	Fallback *MemoryStore
	// OnDegrade is invoked each time a call falls back to in-process counts.
	OnDegrade func()
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{
		Client:   client,
		Prefix:   "adm:",
		Fallback: NewMemory(),
	}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	return s.run(ctx, incrScript, key, window)
}

func (s *RedisStore) Peek(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	return s.run(ctx, peekScript, key, window)
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, key string, window time.Duration) (int, time.Time, error) {
	if window <= 0 {
		window = time.Minute
	}
	if s.Client == nil {
		return s.degrade(ctx, script, key, window, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := script.Run(ctx, s.Client, []string{s.Prefix + key}, int(window.Milliseconds())).Result()
	if err != nil {
		return s.degrade(ctx, script, key, window, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return s.degrade(ctx, script, key, window, nil)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return int(count), time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond), nil
}

func (s *RedisStore) degrade(ctx context.Context, script *redis.Script, key string, window time.Duration, cause error) (int, time.Time, error) {
	if cause != nil {
		log.Printf("counter: redis unavailable, using in-process counts for %q: %v", key, cause)
	}
	if s.OnDegrade != nil {
		s.OnDegrade()
	}
	if s.Fallback == nil {
		return 0, time.Now().UTC().Add(window), nil
	}
	if script == peekScript {
		return s.Fallback.Peek(ctx, key, window)
	}
	return s.Fallback.Incr(ctx, key, window)
}
