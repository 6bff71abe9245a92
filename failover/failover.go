// Package failover watches per-bot failure streaks and reroutes traffic when
// a bot crosses the threshold. Escalations are journaled so operators can
// reconstruct what moved where, and a recovery loop probes failed bots until
// they come back.
package failover

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/metrics"
)

// ErrNoFailoverTarget means every other bot is down too; the escalation is
// still journaled so the outage is visible.
var ErrNoFailoverTarget = errors.New("failover: no healthy target bot")

const (
	defaultThreshold        = 3
	defaultRecoveryInterval = 5 * time.Minute
	stormSuppression        = 60 * time.Second
	journalKey              = "failover:events"
	journalCap              = 1000
)

// Fleet is the slice of the fleet manager the failover logic needs.
type Fleet interface {
	Snapshot() []fleet.BotView
	Probe(ctx context.Context, id string) error
	MarkError(id, reason string)
}

// Event records one escalation and, once the bot comes back, its recovery.
type Event struct {
	ID           string            `json:"id"`
	FailedBot    string            `json:"failed_bot"`
	TargetBot    string            `json:"target_bot,omitempty"`
	Reason       string            `json:"reason"`
	Timestamp    time.Time         `json:"timestamp"`
	RecoveryTime *time.Time        `json:"recovery_time,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type Config struct {
	// Threshold is the consecutive-failure count that triggers an escalation.
	Threshold int
	// RecoveryInterval paces the recovery probe loop.
	RecoveryInterval time.Duration
	// AutoFailover gates escalation; when false failures are only counted.
	AutoFailover bool
}

type Manager struct {
	fleet   Fleet
	kv      kv.Store
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	mu              sync.Mutex
	failures        map[string]int
	suppressedUntil map[string]time.Time
	open            map[string]*Event
	events          []*Event // newest first, capped at journalCap

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewManager(fl Fleet, store kv.Store, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = defaultRecoveryInterval
	}
	return &Manager{
		fleet:           fl,
		kv:              store,
		metrics:         m,
		cfg:             cfg,
		now:             time.Now,
		failures:        make(map[string]int),
		suppressedUntil: make(map[string]time.Time),
		open:            make(map[string]*Event),
	}
}

// RecordSuccess clears the bot's failure streak.
func (m *Manager) RecordSuccess(botID string) {
	m.mu.Lock()
	delete(m.failures, botID)
	m.mu.Unlock()
}

// RecordFailure counts one failure against the bot and escalates once the
// streak reaches the threshold. The returned event is nil below the
// threshold, inside the storm-suppression window, or when auto failover is
// off. When no target exists the event is returned together with
// ErrNoFailoverTarget.
func (m *Manager) RecordFailure(ctx context.Context, botID, reason string) (*Event, error) {
	m.mu.Lock()
	m.failures[botID]++
	count := m.failures[botID]
	now := m.now()

	if count < m.cfg.Threshold || !m.cfg.AutoFailover {
		m.mu.Unlock()
		return nil, nil
	}
	if until, ok := m.suppressedUntil[botID]; ok && now.Before(until) {
		m.mu.Unlock()
		return nil, nil
	}
	if _, ok := m.open[botID]; ok {
		// Already escalated and not yet recovered; don't journal it again.
		m.suppressedUntil[botID] = now.Add(stormSuppression)
		m.mu.Unlock()
		return nil, nil
	}

	delete(m.failures, botID)
	m.suppressedUntil[botID] = now.Add(stormSuppression)
	m.mu.Unlock()

	return m.escalate(ctx, botID, reason, count)
}

func (m *Manager) escalate(ctx context.Context, botID, reason string, count int) (*Event, error) {
	m.fleet.MarkError(botID, reason)
	target, targetErr := m.selectTarget(botID)

	event := &Event{
		ID:        uuid.NewString(),
		FailedBot: botID,
		TargetBot: target,
		Reason:    reason,
		Timestamp: m.now(),
		Metadata: map[string]string{
			"failure_count": strconv.Itoa(count),
		},
	}

	m.mu.Lock()
	m.open[botID] = event
	m.events = append([]*Event{event}, m.events...)
	if len(m.events) > journalCap {
		m.events = m.events[:journalCap]
	}
	m.mu.Unlock()

	m.journal(ctx, event)
	if m.metrics != nil {
		m.metrics.FailoversTotal.WithLabelValues(botID).Inc()
	}

	if targetErr != nil {
		slog.Error("failover: escalated with no target",
			slog.String("bot", botID), slog.String("reason", reason))
		return event, targetErr
	}
	slog.Warn("failover: traffic rerouted",
		slog.String("from", botID), slog.String("to", target), slog.String("reason", reason))
	return event, nil
}

// selectTarget prefers the best healthy bot, then any available one.
func (m *Manager) selectTarget(exclude string) (string, error) {
	var healthy, available *fleet.BotView
	for _, v := range m.fleet.Snapshot() {
		if v.ID == exclude || !v.Available {
			continue
		}
		v := v
		if v.Status == fleet.StatusHealthy && (healthy == nil || v.LoadScore < healthy.LoadScore) {
			healthy = &v
		}
		if available == nil || v.LoadScore < available.LoadScore {
			available = &v
		}
	}
	if healthy != nil {
		return healthy.ID, nil
	}
	if available != nil {
		return available.ID, nil
	}
	return "", ErrNoFailoverTarget
}

// journal mirrors the event to the shared kv so every broker instance sees
// the same history.
func (m *Manager) journal(ctx context.Context, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := m.kv.LPush(ctx, journalKey, string(data)); err != nil {
		slog.Warn("failover: failed to journal event", slog.Any("err", err))
		return
	}
	if err := m.kv.LTrim(ctx, journalKey, 0, journalCap-1); err != nil {
		slog.Warn("failover: failed to trim journal", slog.Any("err", err))
	}
}

// ActiveEvents lists escalations whose bot has not recovered yet.
func (m *Manager) ActiveEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.open))
	for _, e := range m.events {
		if e.RecoveryTime == nil {
			out = append(out, *e)
		}
	}
	return out
}

// EventsForBot lists the bot's escalations, newest first.
func (m *Manager) EventsForBot(botID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.FailedBot == botID {
			out = append(out, *e)
		}
	}
	return out
}

// EventsBetween lists escalations with from <= Timestamp < to, newest first.
func (m *Manager) EventsBetween(from, to time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, *e)
		}
	}
	return out
}
