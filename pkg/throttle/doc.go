// Package throttle provides multi-window rate limiting with exponential
// failure backoff and a co-operating request pacer.
//
// The primary entry points are Limiter, Pacer, and the Client façade over
// both:
//
//	dec := limiter.CheckLimit(key)
//
// The returned Decision contains whether the request is allowed, the
// attempt counts in the primary window, and timing hints for callers that
// want to set rate-limit headers (for example, Retry-After).
//
// # Overview
//
// The limiter implements layered fixed windows:
//
//   - Each key is counted against every configured window at once (for
//     example, 3 per minute AND 10 per hour).
//   - Window boundaries are aligned to epoch floors of the duration, so a
//     60s window rolls over exactly on the minute and counters reset.
//   - A single per-key consecutive-failure counter drives an exponential
//     backoff penalty once the shortest window is saturated.
//
// Unlike token buckets, fixed windows enforce strict per-period quotas,
// which is what credential-stuffing protection and API quota contracts
// usually want. The cost is the usual boundary effect: a burst late in one
// window and early in the next can briefly double the observed rate.
//
// # Core Types
//
// WindowSpec defines the policy:
//
//   - Duration: the window length (whole seconds, at least one second)
//   - MaxAttempts: attempts admitted per window
//
// A Limiter holds one or more WindowSpecs sorted ascending by duration.
// The shortest is the primary window: Decisions report its counters and
// the failure backoff scales with its duration.
//
// The key is any comparable type; Limiter, Pacer, and Client are generic
// over it. Use whatever identifies a principal in your system: a user ID,
// an IP string, a composite struct.
//
// # Checking vs Recording
//
// CheckLimit never consumes budget; RecordAttempt consumes one attempt in
// every window. The split lets callers decide the cost of an operation
// after seeing the decision, but two concurrent callers can both see
// "allowed" at one remaining attempt and both record, overshooting the cap
// by the number of racers. When that matters, go through the Pacer:
// ScheduleRequest runs the check and the record under one serialization.
//
// RecordFailure and RecordSuccess maintain the consecutive-failure
// counter. Failures survive window rollover; only RecordSuccess, Reset,
// or eviction clear them.
//
// # Pacing
//
// A Pacer spaces scheduled request times to a target rate. It never
// sleeps: each ScheduleRequest returns a Schedule with the computed time
// and the delay until it, and the caller sleeps. Strict mode queues
// deterministically behind the last scheduled time; catch-up mode snaps
// forward to the current time when the caller is behind schedule. A
// composed Limiter acts as a hard cap on top of the pacing.
//
// # Concurrency
//
// Every component serializes its public operations under a single mutex,
// so concurrent callers observe a total order per instance. Per-key state
// never escapes the engine; metrics callbacks receive a copy of the
// Decision, after the decision has been materialized.
//
// # Time
//
// No decision on the ...At paths depends on the clock: every time-dependent
// operation has a form taking an explicit instant, and the plain forms
// read an injectable time source (WithTimeSource) that defaults to
// time.Now. The wall clock is read only to measure check latency for the
// MetricsRecorder. Tests drive synthetic time; production code leaves the
// default.
//
// # Memory
//
// Per-key state lives in an LRU-bounded cache (WithMaxKeys, default
// 10000). A key evicted under pressure starts fresh on next contact, and
// entries untouched for longer than the longest window are swept out in
// amortized passes. The engine holds no state outside this cache: there is
// no persistence and no cross-process coordination.
//
// # Metrics
//
// Two seams exist. WithMetricsCallback delivers every (key, Decision)
// pair to a user sink; a panic in the sink is swallowed and logged, never
// surfacing to the caller. WithRecorder injects a MetricsRecorder for
// counter and timing series; NoOpMetricsRecorder is the default and
// RedisRecorder ships as a production implementation.
//
// # Configuration
//
// Constructors use the Functional Options pattern:
//
//	limiter, err := throttle.NewLimiter[string](
//		[]throttle.WindowSpec{
//			{Duration: time.Minute, MaxAttempts: 5},
//			{Duration: time.Hour, MaxAttempts: 30},
//		},
//		throttle.WithBackoffMultiplier[string](3),
//		throttle.WithMaxKeys[string](50000),
//	)
//
// Construction is the only place errors come from: empty windows,
// non-positive attempts, sub-second durations, a multiplier at or below 1,
// a non-positive target rate, or a cache bound below 1 all fail with
// ErrInvalidConfiguration. After that, blocked is a decision, not an
// error, and recording against an unknown key is a silent no-op.
//
// # Usage
//
// For a runnable example, see ExampleClient in example_test.go, and
// cmd/example-server for an HTTP login flow wired end to end.
package throttle
