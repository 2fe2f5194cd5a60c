package throttle

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// pacerState tracks one key's scheduling history.
type pacerState struct {
	lastScheduled time.Time // zero until the first schedule
	count         int
}

// Pacer spaces scheduled request times to a target rate, per key.
//
// The pacer never sleeps: ScheduleRequest only reports the scheduled time
// and the delay until it, and the caller sleeps. In strict mode (the
// default) each schedule lands exactly one spacing after the previous one,
// so a caller running faster than the target rate builds a deterministic
// queue that shows up as growing delays. WithCatchUp snaps schedules
// forward to the current time instead, trading determinism for bounded
// drift.
//
// A composed rate limiter acts as a hard cap: ScheduleRequest performs the
// limiter's check and, when allowed, its attempt record as one operation
// under the limiter's own lock, so the pair cannot interleave with any
// other caller of that limiter, not even one recording attempts directly.
type Pacer[K comparable] struct {
	mu      sync.Mutex
	spacing time.Duration
	catchUp bool
	limiter *Limiter[K]
	states  *BoundedMap[K, *pacerState]
	nowFn   func() time.Time
}

// NewPacer constructs a Pacer targeting targetRate requests per second.
// The minimum spacing between scheduled times is 1/targetRate.
//
// Honored options: WithRateLimiter, WithCatchUp, WithMaxKeys,
// WithTimeSource.
func NewPacer[K comparable](targetRate float64, opts ...Option[K]) (*Pacer[K], error) {
	s := defaultSettings[K]()
	for _, opt := range opts {
		opt(&s)
	}

	if !(targetRate > 0) || math.IsInf(targetRate, 1) {
		return nil, fmt.Errorf("%w: target rate must be a positive finite number, got %v", ErrInvalidConfiguration, targetRate)
	}
	states, err := NewBoundedMap[K, *pacerState](s.maxKeys)
	if err != nil {
		return nil, err
	}

	return &Pacer[K]{
		spacing: time.Duration(float64(time.Second) / targetRate),
		catchUp: s.catchUp,
		limiter: s.limiter,
		states:  states,
		nowFn:   s.now,
	}, nil
}

// ScheduleRequest computes the next permitted scheduled time for key at
// the current time.
func (p *Pacer[K]) ScheduleRequest(key K) Schedule {
	return p.ScheduleRequestAt(key, p.nowFn())
}

// ScheduleRequestAt is ScheduleRequest at an explicit instant.
//
// When a composed limiter denies the check, the schedule comes back with
// Allowed false, the current time, and zero delay; no pacer state is
// consumed. When it allows, the attempt is recorded in the same critical
// section, so pacer-admitted requests spend limiter budget with no window
// for another caller to slip between the check and the record.
func (p *Pacer[K]) ScheduleRequestAt(key K, now time.Time) Schedule {
	p.mu.Lock()
	defer p.mu.Unlock()

	sched := Schedule{Allowed: true, ScheduledTime: now}
	if p.limiter != nil {
		dec := p.limiter.checkAndRecord(key, now)
		sched.Limit = &dec
		if !dec.Allowed {
			sched.Allowed = false
			return sched
		}
	}

	st, ok := p.states.Get(key)
	if !ok {
		st = &pacerState{}
		p.states.Insert(key, st)
	}

	switch {
	case st.lastScheduled.IsZero():
		sched.ScheduledTime = now
	case p.catchUp:
		sched.ScheduledTime = st.lastScheduled.Add(p.spacing)
		if sched.ScheduledTime.Before(now) {
			sched.ScheduledTime = now
		}
	default:
		sched.ScheduledTime = st.lastScheduled.Add(p.spacing)
	}

	st.lastScheduled = sched.ScheduledTime
	st.count++

	if d := sched.ScheduledTime.Sub(now); d > 0 {
		sched.Delay = d
	}
	return sched
}

// Reset forgets key's scheduling history. A schedule already handed out
// stays consumed; callers that cancel an outer sleep use Reset to release
// the reserved capacity.
func (p *Pacer[K]) Reset(key K) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states.Remove(key)
}

// ResetAll forgets every key's scheduling history.
func (p *Pacer[K]) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states.Retain(func(K, *pacerState) bool { return false })
}

// RequestCount reports how many schedules key has been handed out since
// its state was created.
func (p *Pacer[K]) RequestCount(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states.Get(key); ok {
		return st.count
	}
	return 0
}

// Len returns how many keys currently hold pacing state.
func (p *Pacer[K]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states.Len()
}
