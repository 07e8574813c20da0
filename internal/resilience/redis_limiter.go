package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments one window/counter key pair per descriptor and
// returns the window start and count for each.
const fixedWindowScript = `
local results = {}
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])

for i = 1, #KEYS, 2 do
    local window_key = KEYS[i]
    local counter_key = KEYS[i + 1]

    local window_start = redis.call('GET', window_key)
    if not window_start or (now - tonumber(window_start)) >= window_size then
        redis.call('SET', window_key, tostring(now))
        redis.call('SET', counter_key, 1)
        redis.call('EXPIRE', window_key, window_size)
        redis.call('EXPIRE', counter_key, window_size)
        table.insert(results, tostring(now))
        table.insert(results, 1)
    else
        local counter = redis.call('INCR', counter_key)
        if redis.call('TTL', counter_key) == -1 then
            redis.call('EXPIRE', counter_key, window_size)
        end
        table.insert(results, window_start)
        table.insert(results, counter)
    end
end

return results
`

// RedisLimiter implements DistributedLimiter with a fixed window counter per
// descriptor kept in Redis.
type RedisLimiter struct {
	client    redis.UniversalClient
	script    *redis.Script
	namespace string
	clock     clockwork.Clock
}

// NewRedisLimiter creates a limiter on client. Keys are prefixed with namespace.
func NewRedisLimiter(client redis.UniversalClient, namespace string, opts ...Option) *RedisLimiter {
	o := buildOptions(opts)
	return &RedisLimiter{
		client:    client,
		script:    redis.NewScript(fixedWindowScript),
		namespace: namespace,
		clock:     o.clock,
	}
}

// CheckAllow atomically checks and increments limits for multiple descriptors.
// All descriptors of one call share the first descriptor's window size.
func (r *RedisLimiter) CheckAllow(ctx context.Context, descriptors []Descriptor) ([]LimitResult, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}

	now := r.clock.Now().Unix()
	windowSize := int64(descriptors[0].Window / time.Second)
	if windowSize < 1 {
		windowSize = 1
	}

	keys := make([]string, 0, len(descriptors)*2)
	for _, desc := range descriptors {
		base := r.baseKey(desc)
		keys = append(keys, base+":window", base+":count")
	}

	val, err := r.script.Run(ctx, r.client, keys, now, windowSize).Result()
	if err != nil {
		return nil, fmt.Errorf("run limit script: %w", err)
	}

	raw, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from redis script: %T", val)
	}
	if len(raw) != len(descriptors)*2 {
		return nil, fmt.Errorf("unexpected result length: got %d, want %d", len(raw), len(descriptors)*2)
	}

	results := make([]LimitResult, len(descriptors))
	for i, desc := range descriptors {
		windowStart := toInt64(raw[i*2])
		current := toInt64(raw[i*2+1])

		results[i] = LimitResult{
			Allowed:   current <= desc.Limit,
			Current:   current,
			Remaining: max(desc.Limit-current, 0),
			ResetAt:   windowStart + windowSize,
		}
	}
	return results, nil
}

// baseKey keeps the window and counter keys in one hash slot so the script
// works against a cluster.
func (r *RedisLimiter) baseKey(desc Descriptor) string {
	tag := fmt.Sprintf("{%s:%s}", desc.Key, desc.Value)
	if r.namespace != "" {
		tag = r.namespace + ":" + tag
	}
	return tag + ":" + string(desc.Type)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		parsed, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		return parsed
	}
}
