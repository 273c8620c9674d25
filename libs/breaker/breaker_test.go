package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	outcomes    []Outcome
}

func (o *recordingObserver) BreakerStateChanged(name string, from State, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
}

func (o *recordingObserver) BreakerCallEnded(_ string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) transitionCount(s string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.transitions {
		if t == s {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")

func failing(context.Context) error    { return errBoom }
func succeeding(context.Context) error { return nil }

func testConfig() Config {
	return Config{
		VolumeThreshold:   10,
		ErrorThresholdPct: 0.5,
		ResetTimeout:      50 * time.Millisecond,
		CallTimeout:       time.Second,
	}
}

func TestOpensAtErrorThreshold(t *testing.T) {
	b := New("provider-x", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := b.Do(ctx, succeeding); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	for i := 0; i < 6; i++ {
		if err := b.Do(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open after 6/10 failures, got %s", got)
	}

	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if oe.Name != "provider-x" {
		t.Fatalf("OpenError carries wrong name: %q", oe.Name)
	}
	if invoked {
		t.Fatal("open breaker must not invoke the wrapped function")
	}
}

func TestStaysClosedBelowVolumeThreshold(t *testing.T) {
	b := New("quiet", testConfig(), nil)
	ctx := context.Background()

	// 100% failure rate but below the call volume floor.
	for i := 0; i < 9; i++ {
		_ = b.Do(ctx, failing)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected closed below volume threshold, got %s", got)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New("flaky", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Do(ctx, failing)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(60 * time.Millisecond)
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("trial call should pass through: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("successful trial should close the breaker, got %s", got)
	}
	if counts := b.Counts(); counts.Calls != 0 || counts.Failures != 0 {
		t.Fatalf("counters should reset on close, got %+v", counts)
	}
}

func TestHalfOpenIgnoredErrorReleasesTrialSlot(t *testing.T) {
	b := New("flaky", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Do(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)

	// A non-counting trial says nothing about the dependency; it must
	// hand its half-open slot back instead of consuming the budget.
	if err := b.Do(ctx, func(context.Context) error { return Ignore(errBoom) }); !errors.Is(err, errBoom) {
		t.Fatalf("ignored trial should pass through: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("ignored trial must not move the state, got %s", got)
	}

	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if err != nil || !invoked {
		t.Fatalf("next trial should execute (invoked=%v): %v", invoked, err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("successful trial should close the breaker, got %s", got)
	}
}

func TestHalfOpenCancelledTrialReleasesTrialSlot(t *testing.T) {
	b := New("flaky", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Do(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)

	if err := b.Do(ctx, func(context.Context) error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled trial should pass through: %v", err)
	}
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("next trial should execute: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected closed after recovery, got %s", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("flaky", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Do(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)

	if err := b.Do(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("trial call should execute and fail: %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("failed trial should reopen, got %s", got)
	}

	// The fresh openedAt matters: the next call inside the new window
	// must be rejected again.
	var oe *OpenError
	if err := b.Do(ctx, succeeding); !errors.As(err, &oe) {
		t.Fatalf("expected rejection after reopen, got %v", err)
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	b := New("slow", cfg, nil)

	err := b.Do(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	counts := b.Counts()
	if counts.Timeouts != 1 || counts.Failures != 1 {
		t.Fatalf("timeout should count as failure and timeout, got %+v", counts)
	}
}

func TestIgnoredErrorsDoNotCount(t *testing.T) {
	b := New("validated", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		err := b.Do(ctx, func(context.Context) error {
			return Ignore(errors.New("bad input"))
		})
		if err == nil {
			t.Fatal("ignored errors must still propagate")
		}
	}
	if counts := b.Counts(); counts.Calls != 0 || counts.Failures != 0 {
		t.Fatalf("ignored errors must not move counters, got %+v", counts)
	}
	if b.State() != StateClosed {
		t.Fatalf("breaker opened on ignored errors: %s", b.State())
	}
}

func TestFallbackOnOpen(t *testing.T) {
	b := New("fallback", testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Do(ctx, failing)
	}

	fallbackRan := false
	err := b.DoWithFallback(ctx, failing, func(_ context.Context, cause error) error {
		var oe *OpenError
		if !errors.As(cause, &oe) {
			t.Fatalf("fallback cause should be OpenError, got %v", cause)
		}
		fallbackRan = true
		return nil
	})
	if err != nil {
		t.Fatalf("fallback outcome should be returned: %v", err)
	}
	if !fallbackRan {
		t.Fatal("fallback did not run")
	}
}

func TestFallbackNotUsedForOrdinaryFailures(t *testing.T) {
	b := New("fallback", testConfig(), nil)

	err := b.DoWithFallback(context.Background(), failing, func(context.Context, error) error {
		t.Fatal("fallback must only consume open-state rejections")
		return nil
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestSingleOpenTransitionUnderConcurrency(t *testing.T) {
	obs := &recordingObserver{}
	b := New("contended", testConfig(), obs)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(ctx, failing)
		}()
	}
	wg.Wait()

	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if n := obs.transitionCount("contended:closed->open"); n != 1 {
		t.Fatalf("expected exactly one closed->open transition, got %d (%v)", n, obs.transitions)
	}
}

func TestWindowRotationResetsCounters(t *testing.T) {
	cfg := testConfig()
	cfg.WindowInterval = 30 * time.Millisecond
	b := New("windowed", cfg, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}
	time.Sleep(40 * time.Millisecond)
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts := b.Counts()
	if counts.Calls != 1 || counts.Failures != 0 {
		t.Fatalf("stale window counters survived rotation: %+v", counts)
	}
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	var wg sync.WaitGroup
	results := make([]*Breaker, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("provider-x")
		}(i)
	}
	wg.Wait()

	for i, b := range results {
		if b != results[0] {
			t.Fatalf("Get %d returned a different instance", i)
		}
	}
	if other := r.Get("provider-y"); other == results[0] {
		t.Fatal("distinct names must get distinct breakers")
	}
	if names := r.Names(); len(names) != 2 {
		t.Fatalf("expected 2 registered names, got %v", names)
	}
}
