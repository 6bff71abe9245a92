// Package circuit implements a per-dependency circuit breaker. Each bot in
// the fleet gets a breaker around its outbound API calls so a dying token or
// a broken upstream stops consuming workers.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrCircuitOpen rejects calls while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes rejects calls beyond the half-open probe budget.
	ErrTooManyProbes = errors.New("circuit breaker is probing, call rejected")
	// ErrCallTimeout marks calls cut off by the per-call timeout.
	ErrCallTimeout = errors.New("call exceeded request timeout")
)

type Config struct {
	Name string

	// FailureThreshold opens the breaker after this many consecutive
	// failures.
	FailureThreshold int
	// MaxFailuresInWindow opens the breaker when this many failures land
	// inside TimeWindow, consecutive or not.
	MaxFailuresInWindow int
	TimeWindow          time.Duration

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold closes a half-open breaker after this many probe
	// successes.
	SuccessThreshold int
	// MaxProbes caps concurrent half-open calls.
	MaxProbes int

	// RequestTimeout bounds each call; exceeding it counts as a failure.
	RequestTimeout time.Duration

	// IsFailure classifies errors. Errors it rejects pass through without
	// touching the failure counters. Nil counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is invoked after each transition, outside the breaker
	// lock.
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.MaxFailuresInWindow <= 0 {
		c.MaxFailuresInWindow = 10
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = time.Minute
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = time.Minute
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = 1
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowFailures      int       `json:"window_failures"`
	TotalCalls          int64     `json:"total_calls"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
	Timeouts            int64     `json:"timeouts"`
	Rejected            int64     `json:"rejected"`
	SuccessRate         float64   `json:"success_rate"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LastTransition      time.Time `json:"last_transition,omitzero"`
}

type Breaker struct {
	cfg Config
	now func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	failureTimes        []time.Time
	probeSuccesses      int
	probesInflight      int
	openedAt            time.Time
	lastFailure         time.Time
	lastTransition      time.Time
	totalCalls          int64
	totalSuccesses      int64
	totalFailures       int64
	timeouts            int64
	rejected            int64
}

func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
}

func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Call runs fn under the breaker. It rejects immediately when the breaker is
// open, bounds fn with the per-call timeout, and records the outcome against
// the thresholds.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := b.execute(ctx, fn)
	if err == nil {
		b.recordSuccess()
		return nil
	}
	// A canceled parent says nothing about the dependency's health.
	if errors.Is(err, context.Canceled) {
		b.recordNeutral()
		return err
	}
	if b.cfg.IsFailure != nil && !b.cfg.IsFailure(err) && !errors.Is(err, ErrCallTimeout) {
		b.recordNeutral()
		return err
	}
	b.recordFailure(errors.Is(err, ErrCallTimeout))
	return err
}

func (b *Breaker) execute(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.Wrapf(ErrCallTimeout, "%s", b.cfg.Name)
		}
		return ctx.Err()
	}
}

// admit decides whether the call may proceed and moves an expired open
// breaker into half-open.
func (b *Breaker) admit() error {
	b.mu.Lock()
	notify := func() {}

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			b.rejected++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		notify = b.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probesInflight >= b.cfg.MaxProbes {
			b.rejected++
			b.mu.Unlock()
			notify()
			return ErrTooManyProbes
		}
		b.probesInflight++
	}

	b.totalCalls++
	b.mu.Unlock()
	notify()
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	notify := func() {}
	b.totalSuccesses++
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.probesInflight--
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.SuccessThreshold {
			notify = b.transitionLocked(StateClosed)
		}
	}
	b.mu.Unlock()
	notify()
}

func (b *Breaker) recordFailure(timedOut bool) {
	b.mu.Lock()
	notify := func() {}
	now := b.now()
	b.totalFailures++
	if timedOut {
		b.timeouts++
	}
	b.consecutiveFailures++
	b.lastFailure = now
	b.failureTimes = append(b.failureTimes, now)
	b.pruneWindowLocked(now)

	switch b.state {
	case StateHalfOpen:
		b.probesInflight--
		notify = b.transitionLocked(StateOpen)
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold ||
			len(b.failureTimes) >= b.cfg.MaxFailuresInWindow {
			notify = b.transitionLocked(StateOpen)
		}
	}
	b.mu.Unlock()
	notify()
}

// recordNeutral releases the half-open slot without moving any counter.
func (b *Breaker) recordNeutral() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probesInflight--
	}
	b.mu.Unlock()
}

func (b *Breaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.TimeWindow)
	i := 0
	for i < len(b.failureTimes) && b.failureTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failureTimes = append(b.failureTimes[:0], b.failureTimes[i:]...)
	}
}

// transitionLocked switches state and returns the callback to run after the
// lock is released.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	b.lastTransition = b.now()

	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.probeSuccesses = 0
		b.probesInflight = 0
	case StateHalfOpen:
		b.probeSuccesses = 0
		b.probesInflight = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.failureTimes = b.failureTimes[:0]
		b.probeSuccesses = 0
		b.probesInflight = 0
	}

	cb := b.cfg.OnStateChange
	if cb == nil {
		return func() {}
	}
	name := b.cfg.Name
	return func() { cb(name, from, to) }
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen trips the breaker by hand. Used by the ops API.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	notify := b.transitionLocked(StateOpen)
	b.mu.Unlock()
	notify()
}

// ForceClose resets the breaker by hand. Used by the ops API.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	notify := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	notify()
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneWindowLocked(b.now())
	completed := b.totalSuccesses + b.totalFailures
	rate := 0.0
	if completed > 0 {
		rate = float64(b.totalSuccesses) / float64(completed)
	}
	return Stats{
		Name:                b.cfg.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		WindowFailures:      len(b.failureTimes),
		TotalCalls:          b.totalCalls,
		TotalSuccesses:      b.totalSuccesses,
		TotalFailures:       b.totalFailures,
		Timeouts:            b.timeouts,
		Rejected:            b.rejected,
		SuccessRate:         rate,
		LastFailure:         b.lastFailure,
		LastTransition:      b.lastTransition,
	}
}
