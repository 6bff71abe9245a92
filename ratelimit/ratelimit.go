// Package ratelimit implements rule-based admission control over inbound
// actions. Counters live in the shared kv when redis backs it, with an
// in-process approximation when it does not; punishment keys escalate
// repeated denials into hard lockouts.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type Algorithm string

const (
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
	FixedWindow   Algorithm = "fixed_window"
)

// Well-known action and group selectors.
const (
	ActionMessage = "message"
	ActionCommand = "command"

	GroupUser  = "user"
	GroupAdmin = "admin"
)

// Rule is one named admission policy. Empty selector slices match every
// action or group.
type Rule struct {
	Name        string
	Algorithm   Algorithm
	MaxRequests int
	Window      time.Duration
	ActionTypes []string
	UserGroups  []string
	// Burst is extra headroom on top of MaxRequests.
	Burst int
	// Punishment locks the identifier out for this long after a denial.
	// Zero disables punishment.
	Punishment time.Duration
	Enabled    bool
}

func (r Rule) validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	switch r.Algorithm {
	case SlidingWindow, TokenBucket, FixedWindow:
	default:
		return errors.Errorf("unknown algorithm %q", r.Algorithm)
	}
	if r.MaxRequests <= 0 {
		return errors.Errorf("rule %s: max requests must be positive", r.Name)
	}
	if r.Window <= 0 {
		return errors.Errorf("rule %s: window must be positive", r.Name)
	}
	return nil
}

// capacity is the effective admission ceiling.
func (r Rule) capacity() int {
	return r.MaxRequests + r.Burst
}

func (r Rule) matches(action, group string) bool {
	return matchesSelector(r.ActionTypes, action) && matchesSelector(r.UserGroups, group)
}

func matchesSelector(selector []string, value string) bool {
	if len(selector) == 0 {
		return true
	}
	for _, s := range selector {
		if s == value {
			return true
		}
	}
	return false
}

// Result is one admission verdict.
type Result struct {
	Allowed      bool
	Rule         string
	CurrentCount int
	Limit        int
	Remaining    int
	ResetTime    time.Time
	// RetryAfter is set on denial.
	RetryAfter time.Duration
	// PunishmentEndsAt is set when a punishment lockout is active.
	PunishmentEndsAt time.Time
}

// DefaultRules builds the standing rule set from the profile knobs. The
// message rule carries the punishment escalation; commands get a gentler
// token bucket; the flood rule is a per-identifier hard ceiling.
func DefaultRules(maxMessages int, window time.Duration, burst int, punishment time.Duration) []Rule {
	return []Rule{
		{
			Name:        "user_messages",
			Algorithm:   SlidingWindow,
			MaxRequests: maxMessages,
			Window:      window,
			ActionTypes: []string{ActionMessage},
			UserGroups:  []string{GroupUser},
			Burst:       burst,
			Punishment:  punishment,
			Enabled:     true,
		},
		{
			Name:        "user_commands",
			Algorithm:   TokenBucket,
			MaxRequests: 10,
			Window:      time.Minute,
			ActionTypes: []string{ActionCommand},
			UserGroups:  []string{GroupUser},
			Burst:       3,
			Enabled:     true,
		},
		{
			Name:        "identifier_flood",
			Algorithm:   FixedWindow,
			MaxRequests: 60,
			Window:      time.Minute,
			Enabled:     true,
		},
	}
}

func counterKey(prefix string, rule Rule, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", prefix, rule.Name, identifier)
}

func punishKey(rule Rule, identifier string) string {
	return fmt.Sprintf("ratelimit:punish:%s:%s", rule.Name, identifier)
}
