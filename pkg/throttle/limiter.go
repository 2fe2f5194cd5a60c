package throttle

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxBackoff caps the failure penalty. The exponential overflows quickly
// for large failure counts; a saturated finite value keeps the interval
// usable in Retry-After arithmetic.
const maxBackoff = 7 * 24 * time.Hour

// attemptInfo is one window's accounting for one key.
type attemptInfo struct {
	windowStart int64 // unix seconds, epoch-aligned
	attempts    int
}

// keyState is the per-key record held in the cache. The i-th attemptInfo
// corresponds to the i-th configured window in ascending-duration order.
// Consecutive failures are a single per-key value: window rollover must
// never clear them.
type keyState struct {
	windows     []attemptInfo
	failures    int
	lastTouched time.Time
}

// Limiter is a per-key, multi-window fixed-window rate limiter with
// exponential backoff on consecutive failures.
//
// All methods are safe for concurrent use; operations on one instance
// execute in a total order under a single mutex. Per-key state is bounded
// by an LRU cache, so a key evicted under memory pressure starts fresh on
// its next check.
type Limiter[K comparable] struct {
	mu        sync.Mutex
	windows   []WindowSpec
	cache     *BoundedMap[K, *keyState]
	lastSweep time.Time

	multiplier float64
	callback   func(K, Decision)
	recorder   MetricsRecorder
	nowFn      func() time.Time
	log        logrus.FieldLogger
}

// NewLimiter constructs a Limiter over the given windows, sorted ascending
// by duration. The shortest window is the primary window: its counters
// appear in every Decision and its duration scales the failure backoff.
//
// Honored options: WithMaxKeys, WithBackoffMultiplier, WithMetricsCallback,
// WithRecorder, WithTimeSource, WithLogger.
func NewLimiter[K comparable](windows []WindowSpec, opts ...Option[K]) (*Limiter[K], error) {
	s := defaultSettings[K]()
	for _, opt := range opts {
		opt(&s)
	}

	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: at least one window is required", ErrInvalidConfiguration)
	}
	sorted := make([]WindowSpec, len(windows))
	copy(sorted, windows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Duration < sorted[j].Duration
	})
	for _, w := range sorted {
		if w.Duration < time.Second || w.Duration%time.Second != 0 {
			return nil, fmt.Errorf("%w: window duration %v must be a whole number of seconds >= 1s", ErrInvalidConfiguration, w.Duration)
		}
		if w.MaxAttempts <= 0 {
			return nil, fmt.Errorf("%w: window max attempts must be positive, got %d", ErrInvalidConfiguration, w.MaxAttempts)
		}
	}
	if !(s.multiplier > 1) {
		return nil, fmt.Errorf("%w: backoff multiplier must be > 1, got %v", ErrInvalidConfiguration, s.multiplier)
	}

	cache, err := NewBoundedMap[K, *keyState](s.maxKeys)
	if err != nil {
		return nil, err
	}

	return &Limiter[K]{
		windows:    sorted,
		cache:      cache,
		multiplier: s.multiplier,
		callback:   s.callback,
		recorder:   s.recorder,
		nowFn:      s.now,
		log:        s.logger,
	}, nil
}

// CheckLimit evaluates key against every window at the current time.
// It never consumes budget; pair it with RecordAttempt, or use a Pacer's
// ScheduleRequest when the two must not interleave with other callers.
func (l *Limiter[K]) CheckLimit(key K) Decision {
	return l.CheckLimitAt(key, l.nowFn())
}

// CheckLimitAt is CheckLimit at an explicit instant.
func (l *Limiter[K]) CheckLimitAt(key K, now time.Time) Decision {
	start := time.Now()

	l.mu.Lock()
	l.sweepStale(now)
	st := l.loadState(key, now)
	dec := l.decide(st)
	l.mu.Unlock()

	l.recorder.Add(metricCheck, 1, map[string]string{"allowed": strconv.FormatBool(dec.Allowed)})
	l.recorder.Observe(metricCheckLatency, time.Since(start).Seconds(), nil)
	l.notify(key, dec)
	return dec
}

// RecordAttempt consumes one attempt against every window for key at the
// current time. One attempt spends budget in all layered windows.
func (l *Limiter[K]) RecordAttempt(key K) {
	l.RecordAttemptAt(key, l.nowFn())
}

// RecordAttemptAt is RecordAttempt at an explicit instant.
func (l *Limiter[K]) RecordAttemptAt(key K, now time.Time) {
	l.mu.Lock()
	st := l.loadState(key, now)
	for i := range st.windows {
		st.windows[i].attempts++
	}
	l.mu.Unlock()

	l.recorder.Add(metricAttempt, 1, nil)
}

// checkAndRecord evaluates key and, when allowed, consumes one attempt in
// every window without releasing the lock between the decision and the
// increment. This is the atomic check-and-consume path the Pacer uses: no
// other caller of this limiter, pacer-composed or direct, can interleave
// between the two steps.
func (l *Limiter[K]) checkAndRecord(key K, now time.Time) Decision {
	start := time.Now()

	l.mu.Lock()
	l.sweepStale(now)
	st := l.loadState(key, now)
	dec := l.decide(st)
	if dec.Allowed {
		for i := range st.windows {
			st.windows[i].attempts++
		}
	}
	l.mu.Unlock()

	l.recorder.Add(metricCheck, 1, map[string]string{"allowed": strconv.FormatBool(dec.Allowed)})
	l.recorder.Observe(metricCheckLatency, time.Since(start).Seconds(), nil)
	if dec.Allowed {
		l.recorder.Add(metricAttempt, 1, nil)
	}
	l.notify(key, dec)
	return dec
}

// RecordFailure bumps key's consecutive-failure counter. A no-op when the
// key has no state.
func (l *Limiter[K]) RecordFailure(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.cache.Get(key); ok {
		st.failures++
	}
}

// RecordSuccess clears key's consecutive-failure counter. A no-op when the
// key has no state.
func (l *Limiter[K]) RecordSuccess(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.cache.Get(key); ok {
		st.failures = 0
	}
}

// Reset removes key's state entirely: window counters and failures.
func (l *Limiter[K]) Reset(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(key)
}

// Len returns how many keys currently hold state. Useful for monitoring
// cache occupancy against the configured bound.
func (l *Limiter[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len()
}

// windowStart aligns now to the epoch floor of the window duration.
func windowStart(now time.Time, d time.Duration) int64 {
	sec := int64(d / time.Second)
	return now.Unix() / sec * sec
}

// loadState returns key's state at now, synthesizing it on first contact
// and regenerating any window whose epoch-aligned start has moved.
// Failures survive regeneration. Caller holds l.mu.
func (l *Limiter[K]) loadState(key K, now time.Time) *keyState {
	st, ok := l.cache.Get(key)
	if !ok {
		st = &keyState{windows: make([]attemptInfo, len(l.windows))}
		for i, w := range l.windows {
			st.windows[i].windowStart = windowStart(now, w.Duration)
		}
		l.cache.Insert(key, st)
	} else {
		for i, w := range l.windows {
			start := windowStart(now, w.Duration)
			if st.windows[i].windowStart != start {
				st.windows[i] = attemptInfo{windowStart: start}
			}
		}
	}
	st.lastTouched = now
	return st
}

// decide applies the blocking rules to a freshly regenerated state.
// Caller holds l.mu.
func (l *Limiter[K]) decide(st *keyState) Decision {
	primary := l.windows[0]
	dec := Decision{
		CurrentAttempts:   st.windows[0].attempts,
		RemainingAttempts: primary.MaxAttempts - st.windows[0].attempts,
	}
	if dec.RemainingAttempts < 0 {
		dec.RemainingAttempts = 0
	}

	// Failure backoff outranks plain window exhaustion, but only engages
	// once the primary window is saturated.
	if st.failures > 0 && st.windows[0].attempts >= primary.MaxAttempts {
		dec.NextAllowedAttempt = rolloverTime(st.windows[0].windowStart, primary.Duration)
		dec.BackoffInterval = l.backoffInterval(st.failures)
		return dec
	}

	for i, w := range l.windows {
		if st.windows[i].attempts >= w.MaxAttempts {
			dec.NextAllowedAttempt = rolloverTime(st.windows[i].windowStart, w.Duration)
			if st.failures > 0 {
				dec.BackoffInterval = l.backoffInterval(st.failures)
			}
			return dec
		}
	}

	dec.Allowed = true
	return dec
}

func rolloverTime(start int64, d time.Duration) time.Time {
	return time.Unix(start+int64(d/time.Second), 0).UTC()
}

// backoffInterval computes multiplier^failures times the primary duration,
// saturated at maxBackoff rather than overflowing to infinity.
func (l *Limiter[K]) backoffInterval(failures int) time.Duration {
	seconds := math.Pow(l.multiplier, float64(failures)) * l.windows[0].Duration.Seconds()
	if math.IsInf(seconds, 1) || seconds > maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// sweepStale drops entries untouched for longer than the longest window.
// The sweep is amortized: at most one full pass per longest-window
// interval, so stale entries eventually disappear without an O(N) walk on
// every check. Caller holds l.mu.
func (l *Limiter[K]) sweepStale(now time.Time) {
	maxDur := l.windows[len(l.windows)-1].Duration
	if now.Sub(l.lastSweep) < maxDur {
		return
	}
	l.lastSweep = now

	cutoff := now.Add(-maxDur)
	evicted := 0
	l.cache.Retain(func(_ K, st *keyState) bool {
		if st.lastTouched.Before(cutoff) {
			evicted++
			return false
		}
		return true
	})
	if evicted > 0 {
		l.recorder.Add(metricEviction, float64(evicted), nil)
	}
}

// notify delivers the decision to the configured callback. Callback faults
// must not affect the decision already returned to the caller, so panics
// are swallowed and logged.
func (l *Limiter[K]) notify(key K, dec Decision) {
	if l.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Warn("throttle: metrics callback panicked")
		}
	}()
	l.callback(key, dec)
}
