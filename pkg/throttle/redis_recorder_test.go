package throttle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSeriesField(t *testing.T) {
	if got := seriesField("throttle.check", nil); got != "throttle.check" {
		t.Errorf("untagged series: got %q", got)
	}

	tags := map[string]string{"allowed": "true", "a": "b"}
	want := "throttle.check,a=b,allowed=true"
	if got := seriesField("throttle.check", tags); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRedisRecorder_Integration(t *testing.T) {
	opts := &redis.Options{Addr: "localhost:6379"}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	defer client.Close()

	prefix := fmt.Sprintf("throttle_test_%d:", time.Now().UnixNano())
	recorder, err := NewRedisRecorder(client, WithPrefix(prefix), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewRedisRecorder failed: %v", err)
	}
	defer client.Del(ctx, prefix+"counters", prefix+"timings:count", prefix+"timings:sum")

	recorder.Add("throttle.check", 1, map[string]string{"allowed": "true"})
	recorder.Add("throttle.check", 1, map[string]string{"allowed": "true"})
	recorder.Observe("throttle.check.latency", 0.25, nil)

	val, err := client.HGet(ctx, prefix+"counters", "throttle.check,allowed=true").Float64()
	if err != nil {
		t.Fatalf("HGet counter failed: %v", err)
	}
	if val != 2 {
		t.Errorf("expected counter 2, got %v", val)
	}

	count, err := client.HGet(ctx, prefix+"timings:count", "throttle.check.latency").Int64()
	if err != nil {
		t.Fatalf("HGet timing count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 observation, got %d", count)
	}
}

func TestRedisRecorder_WiredIntoLimiter(t *testing.T) {
	opts := &redis.Options{Addr: "localhost:6379"}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	defer client.Close()

	prefix := fmt.Sprintf("throttle_test_%d:", time.Now().UnixNano())
	recorder, err := NewRedisRecorder(client, WithPrefix(prefix))
	if err != nil {
		t.Fatalf("NewRedisRecorder failed: %v", err)
	}
	defer client.Del(ctx, prefix+"counters", prefix+"timings:count", prefix+"timings:sum")

	l, err := NewLimiter[string]([]WindowSpec{{Duration: time.Minute, MaxAttempts: 2}},
		WithRecorder[string](recorder))
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	l.CheckLimitAt("u", time.Unix(0, 0))

	val, err := client.HGet(ctx, prefix+"counters", "throttle.check,allowed=true").Float64()
	if err != nil {
		t.Fatalf("HGet failed: %v", err)
	}
	if val != 1 {
		t.Errorf("expected counter 1, got %v", val)
	}
}
