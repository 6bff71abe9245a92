package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localLimits is the in-process approximation used when the kv backend
// cannot run the atomic scripts. State is per process, which is exactly the
// scope a single-instance deployment needs.
type localLimits struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	buckets  map[string]*rate.Limiter
	counters map[string]*fixedCounter
}

type fixedCounter struct {
	epoch int64
	count int
}

func newLocalLimits() *localLimits {
	return &localLimits{
		windows:  make(map[string][]time.Time),
		buckets:  make(map[string]*rate.Limiter),
		counters: make(map[string]*fixedCounter),
	}
}

func (l *localLimits) check(rule Rule, identifier string, weight int, now time.Time) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch rule.Algorithm {
	case SlidingWindow:
		return l.slidingWindow(rule, identifier, weight, now)
	case TokenBucket:
		return l.tokenBucket(rule, identifier, weight, now)
	default:
		return l.fixedWindow(rule, identifier, weight, now)
	}
}

func (l *localLimits) slidingWindow(rule Rule, identifier string, weight int, now time.Time) *Result {
	key := counterKey("sw", rule, identifier)
	cutoff := now.Add(-rule.Window)

	times := l.windows[key]
	live := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	allowed := len(live)+weight <= rule.capacity()
	if allowed {
		for i := 0; i < weight; i++ {
			live = append(live, now)
		}
	}
	l.windows[key] = live

	resetTime := now.Add(rule.Window)
	if len(live) > 0 {
		resetTime = live[0].Add(rule.Window)
	}
	res := &Result{
		Allowed:      allowed,
		Rule:         rule.Name,
		CurrentCount: len(live),
		Limit:        rule.MaxRequests,
		Remaining:    max(0, rule.capacity()-len(live)),
		ResetTime:    resetTime,
	}
	if !allowed {
		res.RetryAfter = resetTime.Sub(now)
	}
	return res
}

func (l *localLimits) tokenBucket(rule Rule, identifier string, weight int, now time.Time) *Result {
	key := counterKey("tb", rule, identifier)
	limiter, ok := l.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(rule.MaxRequests)/rule.Window.Seconds()), rule.capacity())
		l.buckets[key] = limiter
	}

	allowed := limiter.AllowN(now, weight)
	tokens := limiter.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}

	refillPerSec := float64(rule.MaxRequests) / rule.Window.Seconds()
	res := &Result{
		Allowed:      allowed,
		Rule:         rule.Name,
		CurrentCount: rule.capacity() - int(tokens),
		Limit:        rule.MaxRequests,
		Remaining:    int(tokens),
		ResetTime:    now.Add(time.Duration((float64(rule.capacity()) - tokens) / refillPerSec * float64(time.Second))),
	}
	if !allowed {
		res.RetryAfter = time.Duration((float64(weight) - tokens) / refillPerSec * float64(time.Second))
	}
	return res
}

func (l *localLimits) fixedWindow(rule Rule, identifier string, weight int, now time.Time) *Result {
	key := counterKey("fw", rule, identifier)
	epoch := now.UnixMilli() / rule.Window.Milliseconds()

	counter, ok := l.counters[key]
	if !ok || counter.epoch != epoch {
		counter = &fixedCounter{epoch: epoch}
		l.counters[key] = counter
	}
	counter.count += weight

	resetTime := time.UnixMilli((epoch + 1) * rule.Window.Milliseconds())
	res := &Result{
		Allowed:      counter.count <= rule.capacity(),
		Rule:         rule.Name,
		CurrentCount: counter.count,
		Limit:        rule.MaxRequests,
		Remaining:    max(0, rule.capacity()-counter.count),
		ResetTime:    resetTime,
	}
	if !res.Allowed {
		res.RetryAfter = resetTime.Sub(now)
	}
	return res
}
