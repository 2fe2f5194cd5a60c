package throttle

import "time"

// Client is a thin façade over an optional Limiter and an optional Pacer,
// presenting a single acquire/record surface for outbound request flows.
//
// The intended loop: Acquire, sleep Delay, perform the external operation,
// then report RecordSuccess or RecordFailure. On a denied acquire,
// RetryAfter tells the caller how long to hold off.
type Client[K comparable] struct {
	limiter *Limiter[K]
	pacer   *Pacer[K]
	nowFn   func() time.Time
}

// NewClient constructs a Client from the composed components. With neither
// a limiter nor a pacer every acquire proceeds immediately.
//
// Honored options: WithRateLimiter, WithPacer, WithTimeSource.
func NewClient[K comparable](opts ...Option[K]) *Client[K] {
	s := defaultSettings[K]()
	for _, opt := range opts {
		opt(&s)
	}
	return &Client[K]{
		limiter: s.limiter,
		pacer:   s.pacer,
		nowFn:   s.now,
	}
}

// Acquire decides whether a request for key may proceed at the current
// time, consuming limiter budget and pacer capacity when it may. When the
// pacer composes a different limiter, the client's own limiter records its
// attempt before the pacer's limiter is consulted, so that attempt stays
// spent even if the pacer's limiter then denies.
func (c *Client[K]) Acquire(key K) AcquireResult {
	return c.AcquireAt(key, c.nowFn())
}

// AcquireAt is Acquire at an explicit instant.
//
// When the limiter denies, RetryAfter is the backoff interval if one is in
// force, otherwise the time until the blocking window rolls over. When the
// pacer also composes the same limiter, the check-and-record runs once,
// inside the pacer.
func (c *Client[K]) AcquireAt(key K, now time.Time) AcquireResult {
	res := AcquireResult{CanProceed: true}

	// Skip the direct limiter path when the pacer already composes the
	// same limiter; otherwise budget would be spent twice per acquire.
	direct := c.limiter != nil && (c.pacer == nil || c.pacer.limiter != c.limiter)
	if direct {
		dec := c.limiter.CheckLimitAt(key, now)
		res.Limit = &dec
		if !dec.Allowed {
			return denied(res, dec, now)
		}
		c.limiter.RecordAttemptAt(key, now)
	}

	if c.pacer != nil {
		sched := c.pacer.ScheduleRequestAt(key, now)
		res.Pace = &sched
		if res.Limit == nil {
			res.Limit = sched.Limit
		}
		if !sched.Allowed {
			return denied(res, *sched.Limit, now)
		}
		res.Delay = sched.Delay
	}

	return res
}

// RecordSuccess reports a successful operation for key, clearing its
// failure backoff.
func (c *Client[K]) RecordSuccess(key K) {
	for _, l := range c.limiters() {
		l.RecordSuccess(key)
	}
}

// RecordFailure reports a failed operation for key, escalating its
// failure backoff.
func (c *Client[K]) RecordFailure(key K) {
	for _, l := range c.limiters() {
		l.RecordFailure(key)
	}
}

// Reset clears key's state in every composed component.
func (c *Client[K]) Reset(key K) {
	for _, l := range c.limiters() {
		l.Reset(key)
	}
	if c.pacer != nil {
		c.pacer.Reset(key)
	}
}

// limiters returns the distinct limiters reachable from this client.
func (c *Client[K]) limiters() []*Limiter[K] {
	var out []*Limiter[K]
	if c.limiter != nil {
		out = append(out, c.limiter)
	}
	if c.pacer != nil && c.pacer.limiter != nil && c.pacer.limiter != c.limiter {
		out = append(out, c.pacer.limiter)
	}
	return out
}

// denied marks the in-flight result as blocked, deriving the retry hint
// from the denying decision. Sub-decisions already gathered on the result
// are kept.
func denied(res AcquireResult, dec Decision, now time.Time) AcquireResult {
	res.CanProceed = false
	res.Delay = 0
	if dec.BackoffInterval > 0 {
		res.RetryAfter = dec.BackoffInterval
	} else if after := dec.NextAllowedAttempt.Sub(now); after > 0 {
		res.RetryAfter = after
	}
	return res
}
