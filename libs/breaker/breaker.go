// Package breaker implements a per-dependency circuit breaker with
// lock-free state and counters. One Breaker guards one outbound call
// type (an SMTP relay, a provider webhook, the broker itself); workers
// on every partition share the same instance through a Registry.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// State is the breaker's position in the CLOSED -> OPEN -> HALF_OPEN cycle.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome labels how a guarded call ended, for the observer hook.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeRejected Outcome = "rejected"
)

// Observer receives state transitions and call outcomes. Implementations
// must not block; the breaker calls them on the hot path.
type Observer interface {
	BreakerStateChanged(name string, from State, to State)
	BreakerCallEnded(name string, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) BreakerStateChanged(string, State, State) {}
func (nopObserver) BreakerCallEnded(string, Outcome)         {}

// OpenError is returned when a call is rejected because the breaker is
// open (or half-open with no trial budget left).
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// ErrCallTimeout marks a guarded call that exceeded CallTimeout. The
// underlying operation may still complete; its result is discarded.
var ErrCallTimeout = errors.New("breaker: call timed out")

type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string { return e.err.Error() }
func (e *ignoredError) Unwrap() error { return e.err }

// Ignore marks err as non-counting: it propagates to the caller but does
// not move the breaker's statistics. Use it for caller-input errors that
// say nothing about the dependency's health.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

// Config tunes a single breaker. Zero values fall back to defaults.
type Config struct {
	// VolumeThreshold is the minimum number of calls in the current
	// window before the error rate is evaluated.
	VolumeThreshold int64
	// ErrorThresholdPct opens the breaker when failures/calls meets or
	// exceeds it (0.5 = 50%).
	ErrorThresholdPct float64
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial.
	ResetTimeout time.Duration
	// CallTimeout bounds each guarded call; exceeding it counts as a
	// failure regardless of the call's eventual result.
	CallTimeout time.Duration
	// WindowInterval rotates the closed-state rolling counters.
	WindowInterval time.Duration
	// HalfOpenMaxCalls caps trial calls per half-open episode.
	HalfOpenMaxCalls int64
}

func (c Config) withDefaults() Config {
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 10
	}
	if c.ErrorThresholdPct <= 0 {
		c.ErrorThresholdPct = 0.5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.WindowInterval <= 0 {
		c.WindowInterval = time.Minute
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Counts is a snapshot of the rolling window.
type Counts struct {
	Calls     int64
	Failures  int64
	Successes int64
	Timeouts  int64
}

// Breaker guards one named dependency. All mutable state is atomic; it
// is safe for concurrent use by every partition worker.
type Breaker struct {
	name     string
	cfg      Config
	observer Observer

	state         atomic.Int32
	calls         atomic.Int64
	failures      atomic.Int64
	successes     atomic.Int64
	timeouts      atomic.Int64
	openedAt      atomic.Int64 // unix nanos of the OPEN transition
	windowStart   atomic.Int64
	halfOpenCalls atomic.Int64 // trials started in the current half-open episode
}

// New creates a breaker for the named dependency. Breakers are
// process-lifetime objects; create them once at startup (or through a
// Registry) and share them.
func New(name string, cfg Config, observer Observer) *Breaker {
	if observer == nil {
		observer = nopObserver{}
	}
	b := &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		observer: observer,
	}
	b.windowStart.Store(time.Now().UnixNano())
	return b
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Counts returns a snapshot of the rolling window counters.
func (b *Breaker) Counts() Counts {
	return Counts{
		Calls:     b.calls.Load(),
		Failures:  b.failures.Load(),
		Successes: b.successes.Load(),
		Timeouts:  b.timeouts.Load(),
	}
}

// Do executes fn under the breaker. In OPEN state the call is rejected
// with *OpenError without invoking fn. Each execution is bounded by
// CallTimeout.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	st, err := b.acquire()
	if err != nil {
		b.observer.BreakerCallEnded(b.name, OutcomeRejected)
		return err
	}
	callErr := b.run(ctx, fn)
	b.record(st, callErr)
	return callErr
}

// DoWithFallback is Do, except open-state rejections invoke fallback
// with the rejection as cause instead of returning it.
func (b *Breaker) DoWithFallback(ctx context.Context, fn func(context.Context) error, fallback func(context.Context, error) error) error {
	err := b.Do(ctx, fn)
	var oe *OpenError
	if fallback != nil && errors.As(err, &oe) {
		return fallback(ctx, err)
	}
	return err
}

// acquire decides whether a call may proceed, performing the
// OPEN -> HALF_OPEN transition when ResetTimeout has elapsed.
func (b *Breaker) acquire() (State, error) {
	for {
		switch st := State(b.state.Load()); st {
		case StateClosed:
			b.rotateWindow()
			return StateClosed, nil
		case StateOpen:
			if time.Now().UnixNano()-b.openedAt.Load() < int64(b.cfg.ResetTimeout) {
				return StateOpen, &OpenError{Name: b.name}
			}
			if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				b.observer.BreakerStateChanged(b.name, StateOpen, StateHalfOpen)
			}
			// Re-read the state; another caller may have won the swap.
		case StateHalfOpen:
			if b.halfOpenCalls.Add(1) > b.cfg.HalfOpenMaxCalls {
				b.halfOpenCalls.Add(-1)
				return StateHalfOpen, &OpenError{Name: b.name}
			}
			return StateHalfOpen, nil
		}
	}
}

// run executes fn bounded by CallTimeout. On timeout the call's
// goroutine is abandoned and its eventual result discarded.
func (b *Breaker) run(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrCallTimeout, b.cfg.CallTimeout)
	}
}

func (b *Breaker) record(st State, err error) {
	if err != nil {
		var ig *ignoredError
		if errors.As(err, &ig) || errors.Is(err, context.Canceled) {
			// Not a dependency signal. A half-open trial must still hand
			// its slot back, or the trial budget is consumed forever and
			// the breaker can never leave HALF_OPEN.
			if st == StateHalfOpen {
				b.releaseHalfOpenSlot()
			}
			return
		}
	}

	switch st {
	case StateClosed:
		calls := b.calls.Add(1)
		if err == nil {
			b.successes.Add(1)
			b.observer.BreakerCallEnded(b.name, OutcomeSuccess)
			return
		}
		outcome := OutcomeFailure
		if errors.Is(err, ErrCallTimeout) {
			b.timeouts.Add(1)
			outcome = OutcomeTimeout
		}
		failures := b.failures.Add(1)
		if calls >= b.cfg.VolumeThreshold && float64(failures)/float64(calls) >= b.cfg.ErrorThresholdPct {
			b.trip(StateClosed)
		}
		b.observer.BreakerCallEnded(b.name, outcome)
	case StateHalfOpen:
		if err == nil {
			if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
				b.resetCounters()
				b.observer.BreakerStateChanged(b.name, StateHalfOpen, StateClosed)
			}
			b.observer.BreakerCallEnded(b.name, OutcomeSuccess)
			return
		}
		outcome := OutcomeFailure
		if errors.Is(err, ErrCallTimeout) {
			outcome = OutcomeTimeout
		}
		b.trip(StateHalfOpen)
		b.observer.BreakerCallEnded(b.name, outcome)
	default:
		// The state moved underneath an in-flight call; only report.
		if err == nil {
			b.observer.BreakerCallEnded(b.name, OutcomeSuccess)
		} else {
			b.observer.BreakerCallEnded(b.name, OutcomeFailure)
		}
	}
}

// trip moves the breaker to OPEN from the given state. openedAt is
// written before the swap so a concurrent acquire never sees OPEN with
// a stale timestamp.
func (b *Breaker) trip(from State) {
	b.openedAt.Store(time.Now().UnixNano())
	b.halfOpenCalls.Store(0)
	if b.state.CompareAndSwap(int32(from), int32(StateOpen)) {
		b.observer.BreakerStateChanged(b.name, from, StateOpen)
	}
}

// releaseHalfOpenSlot decrements the trial counter without letting it
// go negative: trip may have zeroed it while this call was in flight.
func (b *Breaker) releaseHalfOpenSlot() {
	for {
		n := b.halfOpenCalls.Load()
		if n <= 0 {
			return
		}
		if b.halfOpenCalls.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (b *Breaker) rotateWindow() {
	now := time.Now().UnixNano()
	start := b.windowStart.Load()
	if now-start < int64(b.cfg.WindowInterval) {
		return
	}
	if b.windowStart.CompareAndSwap(start, now) {
		b.resetCounters()
	}
}

func (b *Breaker) resetCounters() {
	b.calls.Store(0)
	b.failures.Store(0)
	b.successes.Store(0)
	b.timeouts.Store(0)
}
