package throttle

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func mustPacer(t *testing.T, rate float64, opts ...Option[string]) *Pacer[string] {
	t.Helper()
	p, err := NewPacer[string](rate, opts...)
	if err != nil {
		t.Fatalf("NewPacer failed: %v", err)
	}
	return p
}

func TestPacer_StrictSpacing(t *testing.T) {
	p := mustPacer(t, 10)
	at := time.Unix(1000, 0)

	for i := 0; i < 4; i++ {
		sched := p.ScheduleRequestAt("k", at)
		wantDelay := time.Duration(i) * 100 * time.Millisecond
		if !sched.Allowed {
			t.Fatalf("call %d: pacing alone never denies", i)
		}
		if sched.Delay != wantDelay {
			t.Errorf("call %d: expected delay %v, got %v", i, wantDelay, sched.Delay)
		}
		if want := at.Add(wantDelay); !sched.ScheduledTime.Equal(want) {
			t.Errorf("call %d: expected scheduled time %v, got %v", i, want, sched.ScheduledTime)
		}
	}
}

func TestPacer_CatchUp(t *testing.T) {
	p := mustPacer(t, 5, WithCatchUp[string]())

	first := p.ScheduleRequestAt("k", time.Unix(1000, 0))
	if first.Delay != 0 {
		t.Fatalf("first schedule should be immediate, got delay %v", first.Delay)
	}

	// Elapsed wall time already satisfies the spacing.
	second := p.ScheduleRequestAt("k", time.Unix(1001, 0))
	if !second.ScheduledTime.Equal(time.Unix(1001, 0)) || second.Delay != 0 {
		t.Errorf("expected immediate schedule at t=1001, got %v delay %v", second.ScheduledTime, second.Delay)
	}
}

func TestPacer_CatchUpStillSpacesBursts(t *testing.T) {
	p := mustPacer(t, 1, WithCatchUp[string]())
	at := time.Unix(1000, 0)

	p.ScheduleRequestAt("k", at)
	sched := p.ScheduleRequestAt("k", at)
	if want := at.Add(time.Second); !sched.ScheduledTime.Equal(want) {
		t.Errorf("expected burst spaced to %v, got %v", want, sched.ScheduledTime)
	}
}

func TestPacer_StrictModeDrifts(t *testing.T) {
	// Under sustained overload the strict queue grows without a ceiling;
	// the caller sees it as ever-larger delays.
	p := mustPacer(t, 2)
	at := time.Unix(1000, 0)

	var last Schedule
	for i := 0; i < 10; i++ {
		last = p.ScheduleRequestAt("k", at)
	}
	if want := at.Add(4500 * time.Millisecond); !last.ScheduledTime.Equal(want) {
		t.Errorf("expected 10th schedule at %v, got %v", want, last.ScheduledTime)
	}
	if last.Delay != 4500*time.Millisecond {
		t.Errorf("expected delay 4.5s, got %v", last.Delay)
	}
}

func TestPacer_ComposedLimiter(t *testing.T) {
	l := mustLimiter(t, []WindowSpec{{Duration: time.Minute, MaxAttempts: 2}})
	p := mustPacer(t, 10, WithRateLimiter[string](l))
	at := time.Unix(0, 0)

	for i := 0; i < 2; i++ {
		sched := p.ScheduleRequestAt("k", at)
		if !sched.Allowed {
			t.Fatalf("call %d: expected allow", i)
		}
		if sched.Limit == nil || !sched.Limit.Allowed {
			t.Fatalf("call %d: expected embedded allow decision", i)
		}
	}

	sched := p.ScheduleRequestAt("k", at)
	if sched.Allowed {
		t.Fatal("expected limiter to cap the third schedule")
	}
	if sched.Delay != 0 || !sched.ScheduledTime.Equal(at) {
		t.Errorf("denied schedule should carry now and zero delay, got %+v", sched)
	}
	if sched.Limit == nil || sched.Limit.Allowed {
		t.Error("expected embedded deny decision")
	}

	// Denied schedules consume no pacer state.
	if got := p.RequestCount("k"); got != 2 {
		t.Errorf("expected request count 2, got %d", got)
	}
}

func TestPacer_ComposedLimiterCheckAndConsumeIsAtomic(t *testing.T) {
	l := mustLimiter(t, []WindowSpec{{Duration: time.Minute, MaxAttempts: 50}})
	p := mustPacer(t, 100000, WithRateLimiter[string](l))
	at := time.Unix(0, 0)

	// Schedules race direct RecordAttempt calls on the shared limiter.
	// The pacer's check and record share one critical section, so no
	// admission can land on budget another caller already spent.
	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	wg.Add(130)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			if p.ScheduleRequestAt("k", at).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < 30; i++ {
		go func() {
			defer wg.Done()
			l.RecordAttemptAt("k", at)
		}()
	}
	wg.Wait()

	if allowed > 50 {
		t.Errorf("admitted %d schedules against a cap of 50", allowed)
	}
	// Every admission and every direct record spent exactly one attempt.
	if got := l.CheckLimitAt("k", at).CurrentAttempts; got != allowed+30 {
		t.Errorf("expected %d attempts on record, got %d", allowed+30, got)
	}
}

func TestPacer_ResetReleasesSpacing(t *testing.T) {
	p := mustPacer(t, 1)
	at := time.Unix(1000, 0)

	p.ScheduleRequestAt("k", at)
	p.ScheduleRequestAt("k", at)
	p.Reset("k")

	sched := p.ScheduleRequestAt("k", at)
	if sched.Delay != 0 {
		t.Errorf("reset key should schedule immediately, got delay %v", sched.Delay)
	}
	if got := p.RequestCount("k"); got != 1 {
		t.Errorf("reset should clear the request count, got %d", got)
	}
}

func TestPacer_ResetAll(t *testing.T) {
	p := mustPacer(t, 1)
	at := time.Unix(1000, 0)

	p.ScheduleRequestAt("k1", at)
	p.ScheduleRequestAt("k2", at)
	p.ResetAll()

	if p.Len() != 0 {
		t.Errorf("expected no tracked keys after ResetAll, got %d", p.Len())
	}
	if got := p.RequestCount("k1"); got != 0 {
		t.Errorf("expected count 0 after ResetAll, got %d", got)
	}
}

func TestPacer_RequestCountUnknownKey(t *testing.T) {
	p := mustPacer(t, 1)
	if got := p.RequestCount("ghost"); got != 0 {
		t.Errorf("expected 0 for unknown key, got %d", got)
	}
}

func TestPacer_KeysAreIndependent(t *testing.T) {
	p := mustPacer(t, 1)
	at := time.Unix(1000, 0)

	p.ScheduleRequestAt("k1", at)
	p.ScheduleRequestAt("k1", at)

	sched := p.ScheduleRequestAt("k2", at)
	if sched.Delay != 0 {
		t.Errorf("k1 queue leaked into k2: delay %v", sched.Delay)
	}
}

func TestPacer_ConfigValidation(t *testing.T) {
	for _, rate := range []float64{0, -1, math.Inf(1), math.NaN()} {
		_, err := NewPacer[string](rate)
		if !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("rate %v: expected ErrInvalidConfiguration, got %v", rate, err)
		}
	}
}

func TestPacer_TimeSource(t *testing.T) {
	clk := newFakeClock(time.Unix(1000, 0))
	p := mustPacer(t, 1, WithTimeSource[string](clk.Now))

	p.ScheduleRequest("k")
	clk.Advance(time.Second)

	sched := p.ScheduleRequest("k")
	if sched.Delay != 0 {
		t.Errorf("spacing satisfied by elapsed time, expected zero delay, got %v", sched.Delay)
	}
}

func BenchmarkPacer_ScheduleRequest(b *testing.B) {
	p, err := NewPacer[string](1000, WithCatchUp[string]())
	if err != nil {
		b.Fatal(err)
	}
	at := time.Unix(1000, 0)

	for i := 0; i < b.N; i++ {
		p.ScheduleRequestAt("k", at)
	}
}
