package throttle

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder is a MetricsRecorder that accumulates counters and timing
// sums in Redis hashes, so decision metrics survive the process and can be
// aggregated across replicas. Limiter state itself never leaves the
// process; only metrics do.
//
// Layout under the configured prefix:
//
//	{prefix}counters          series -> running counter
//	{prefix}timings:count     series -> number of observations
//	{prefix}timings:sum       series -> sum of observed values
//
// Writes are best-effort: errors are dropped, matching the engine's
// no-retries, no-buffering metrics contract.
type RedisRecorder struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RecorderOption configures NewRedisRecorder.
type RecorderOption func(*RedisRecorder)

// WithPrefix sets the Redis key prefix (default "throttle:").
func WithPrefix(prefix string) RecorderOption {
	return func(r *RedisRecorder) { r.prefix = prefix }
}

// WithTimeout sets the per-write context timeout (default 5s).
func WithTimeout(timeout time.Duration) RecorderOption {
	return func(r *RedisRecorder) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewRedisRecorder constructs a RedisRecorder and verifies connectivity.
func NewRedisRecorder(client *redis.Client, opts ...RecorderOption) (*RedisRecorder, error) {
	r := &RedisRecorder{
		client:  client,
		prefix:  "throttle:",
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// Add increments the counter for the tagged series.
func (r *RedisRecorder) Add(name string, value float64, tags map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.client.HIncrByFloat(ctx, r.prefix+"counters", seriesField(name, tags), value)
}

// Observe records one observation for the tagged series.
func (r *RedisRecorder) Observe(name string, value float64, tags map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	field := seriesField(name, tags)
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, r.prefix+"timings:count", field, 1)
	pipe.HIncrByFloat(ctx, r.prefix+"timings:sum", field, value)
	pipe.Exec(ctx)
}

// seriesField flattens a metric name and tags into a stable hash field,
// with tags in sorted order so equal tag sets collapse to one series.
func seriesField(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}
