package throttle

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxKeys bounds per-key state when WithMaxKeys is not given.
const DefaultMaxKeys = 10000

// DefaultBackoffMultiplier is the base of the failure backoff when
// WithBackoffMultiplier is not given.
const DefaultBackoffMultiplier = 2.0

type settings[K comparable] struct {
	maxKeys    int
	multiplier float64
	callback   func(K, Decision)
	recorder   MetricsRecorder
	now        func() time.Time
	logger     logrus.FieldLogger
	catchUp    bool
	limiter    *Limiter[K]
	pacer      *Pacer[K]
}

func defaultSettings[K comparable]() settings[K] {
	return settings[K]{
		maxKeys:    DefaultMaxKeys,
		multiplier: DefaultBackoffMultiplier,
		recorder:   &NoOpMetricsRecorder{},
		now:        time.Now,
		logger:     logrus.StandardLogger(),
	}
}

// Option configures NewLimiter, NewPacer, and NewClient. Each constructor
// documents which options it honors; the rest are ignored.
type Option[K comparable] func(*settings[K])

// WithMaxKeys caps how many keys the component tracks before evicting the
// least recently used one.
func WithMaxKeys[K comparable](n int) Option[K] {
	return func(s *settings[K]) { s.maxKeys = n }
}

// WithBackoffMultiplier sets the base of the exponential failure backoff.
// Must be greater than 1.
func WithBackoffMultiplier[K comparable](b float64) Option[K] {
	return func(s *settings[K]) { s.multiplier = b }
}

// WithMetricsCallback registers a sink invoked with (key, decision) after
// every limit check. The callback runs outside the limiter's lock; a panic
// inside it is swallowed and logged.
func WithMetricsCallback[K comparable](fn func(key K, dec Decision)) Option[K] {
	return func(s *settings[K]) { s.callback = fn }
}

// WithRecorder injects a custom metrics backend.
func WithRecorder[K comparable](r MetricsRecorder) Option[K] {
	return func(s *settings[K]) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithTimeSource replaces the wall clock. Tests inject synthetic time here;
// the explicit ...At operations bypass the time source entirely.
func WithTimeSource[K comparable](now func() time.Time) Option[K] {
	return func(s *settings[K]) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger replaces the package logger.
func WithLogger[K comparable](l logrus.FieldLogger) Option[K] {
	return func(s *settings[K]) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCatchUp puts a Pacer in catch-up mode: scheduled times snap forward
// to the current time when the caller is behind schedule, instead of
// queueing deterministically behind the last scheduled time.
func WithCatchUp[K comparable]() Option[K] {
	return func(s *settings[K]) { s.catchUp = true }
}

// WithRateLimiter composes a rate limiter into a Pacer or Client. Pacer
// schedules consume limiter budget; denied checks short-circuit pacing.
func WithRateLimiter[K comparable](l *Limiter[K]) Option[K] {
	return func(s *settings[K]) { s.limiter = l }
}

// WithPacer composes a request pacer into a Client.
func WithPacer[K comparable](p *Pacer[K]) Option[K] {
	return func(s *settings[K]) { s.pacer = p }
}
