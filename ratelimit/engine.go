package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/kv"
)

const (
	whitelistSetKey    = "ratelimit:whitelist"
	whitelistKeyPrefix = "ratelimit:whitelist:"
)

// Engine evaluates the registered rules for each admission query. When the
// kv backend cannot run the atomic scripts (local backend, or redis gone
// mid-flight) the affected checks run against the in-process approximation
// instead; ingress never stalls on the limiter.
type Engine struct {
	kv    kv.Store
	local *localLimits
	now   func() time.Time

	// scriptless latches once the backend reports it cannot script, so the
	// engine stops paying a failed round trip per check.
	scriptless atomic.Bool

	mu    sync.RWMutex
	rules map[string]Rule
}

func NewEngine(store kv.Store, rules ...Rule) (*Engine, error) {
	e := &Engine{
		kv:    store,
		local: newLocalLimits(),
		now:   time.Now,
		rules: make(map[string]Rule),
	}
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) AddRule(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules[r.Name] = r
	e.mu.Unlock()
	return nil
}

func (e *Engine) RemoveRule(name string) {
	e.mu.Lock()
	delete(e.rules, name)
	e.mu.Unlock()
}

// Rules returns the registered rules sorted by name.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Whitelist exempts an identifier from every rule. ttl <= 0 makes the
// exemption permanent.
func (e *Engine) Whitelist(ctx context.Context, identifier string, ttl time.Duration) error {
	if ttl <= 0 {
		return e.kv.SAdd(ctx, whitelistSetKey, identifier)
	}
	return e.kv.Set(ctx, whitelistKeyPrefix+identifier, "1", ttl)
}

// Unwhitelist removes both the permanent and the timed exemption.
func (e *Engine) Unwhitelist(ctx context.Context, identifier string) error {
	if err := e.kv.SRem(ctx, whitelistSetKey, identifier); err != nil {
		return err
	}
	return e.kv.Del(ctx, whitelistKeyPrefix+identifier)
}

func (e *Engine) isWhitelisted(ctx context.Context, identifier string) bool {
	if ok, err := e.kv.SIsMember(ctx, whitelistSetKey, identifier); err == nil && ok {
		return true
	}
	if ok, err := e.kv.Exists(ctx, whitelistKeyPrefix+identifier); err == nil && ok {
		return true
	}
	return false
}

// Check runs the admission query. The first denying rule wins; among
// allowing rules the tightest remaining budget is reported. A query matching
// no rule is allowed.
func (e *Engine) Check(ctx context.Context, identifier, action, group string, weight int) (*Result, error) {
	if weight <= 0 {
		weight = 1
	}
	now := e.now()

	if e.isWhitelisted(ctx, identifier) {
		return &Result{Allowed: true, Rule: "whitelisted", ResetTime: now}, nil
	}

	var matched []Rule
	e.mu.RLock()
	for _, r := range e.rules {
		if r.Enabled && r.matches(action, group) {
			matched = append(matched, r)
		}
	}
	e.mu.RUnlock()
	if len(matched) == 0 {
		return &Result{Allowed: true, ResetTime: now}, nil
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	var tightest *Result
	for _, rule := range matched {
		res := e.checkRule(ctx, rule, identifier, weight, now)
		if !res.Allowed {
			if rule.Punishment > 0 && res.PunishmentEndsAt.IsZero() {
				e.punish(ctx, rule, identifier, now)
				res.PunishmentEndsAt = now.Add(rule.Punishment)
				if res.RetryAfter < rule.Punishment {
					res.RetryAfter = rule.Punishment
				}
			}
			return res, nil
		}
		if tightest == nil || res.Remaining < tightest.Remaining {
			tightest = res
		}
	}
	return tightest, nil
}

// checkRule applies one rule. The punishment short-circuit denies without
// touching any counter while the lockout is in force.
func (e *Engine) checkRule(ctx context.Context, rule Rule, identifier string, weight int, now time.Time) *Result {
	if endsAt, punished := e.punishmentEnd(ctx, rule, identifier); punished && endsAt.After(now) {
		return &Result{
			Allowed:          false,
			Rule:             rule.Name,
			Limit:            rule.MaxRequests,
			ResetTime:        endsAt,
			RetryAfter:       endsAt.Sub(now),
			PunishmentEndsAt: endsAt,
		}
	}

	if !e.scriptless.Load() {
		res, err := e.checkScripted(ctx, rule, identifier, weight, now)
		if err == nil {
			return res
		}
		if errors.Is(err, kv.ErrScriptsUnsupported) {
			e.scriptless.Store(true)
			slog.Info("ratelimit: kv backend cannot script, using in-process counters")
		} else {
			slog.Warn("ratelimit: scripted check failed, falling back to in-process counters",
				slog.String("rule", rule.Name), slog.Any("err", err))
		}
	}
	return e.local.check(rule, identifier, weight, now)
}

func (e *Engine) checkScripted(ctx context.Context, rule Rule, identifier string, weight int, now time.Time) (*Result, error) {
	switch rule.Algorithm {
	case SlidingWindow:
		return e.slidingWindow(ctx, rule, identifier, weight, now)
	case TokenBucket:
		return e.tokenBucket(ctx, rule, identifier, weight, now)
	default:
		return e.fixedWindow(ctx, rule, identifier, weight, now)
	}
}

func (e *Engine) punish(ctx context.Context, rule Rule, identifier string, now time.Time) {
	endsAt := now.Add(rule.Punishment)
	key := punishKey(rule, identifier)
	if err := e.kv.Set(ctx, key, strconv.FormatInt(endsAt.UnixMilli(), 10), rule.Punishment); err != nil {
		slog.Warn("ratelimit: failed to set punishment key",
			slog.String("rule", rule.Name), slog.Any("err", err))
	}
}

func (e *Engine) punishmentEnd(ctx context.Context, rule Rule, identifier string) (time.Time, bool) {
	val, ok, err := e.kv.Get(ctx, punishKey(rule, identifier))
	if err != nil || !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
