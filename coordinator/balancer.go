package coordinator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/queue"
)

const (
	affinityKeyPrefix = "lb:affinity:"
	affinityTTL       = time.Hour

	// recencyPenalty discourages assigning the same bot twice in quick
	// succession, spreading bursts across the fleet.
	recencyPenalty   = 50.0
	recencyThreshold = time.Second
)

// Balancer assigns a bot to each admitted message. Conversations stick to
// their bot while it stays available; new assignments pick the cheapest bot
// by an adjusted load score.
type Balancer struct {
	fleet *fleet.Manager
	kv    kv.Store
	now   func() time.Time

	mu       sync.Mutex
	lastPick map[string]time.Time
}

func NewBalancer(fl *fleet.Manager, store kv.Store) *Balancer {
	return &Balancer{
		fleet:    fl,
		kv:       store,
		now:      time.Now,
		lastPick: make(map[string]time.Time),
	}
}

// SelectBot picks the bot for the message: the chat's sticky bot when it is
// still available, otherwise the lowest adjusted score across the fleet.
func (b *Balancer) SelectBot(ctx context.Context, msg *queue.Message) (string, error) {
	views := b.fleet.AvailableBots()
	if len(views) == 0 {
		return "", fleet.ErrNoAvailableBot
	}

	affinityKey := affinityKeyPrefix + strconv.FormatInt(msg.ChatID, 10)
	if sticky, ok, err := b.kv.Get(ctx, affinityKey); err == nil && ok {
		for _, v := range views {
			if v.ID == sticky {
				b.record(sticky)
				return sticky, nil
			}
		}
		// The sticky bot dropped out; fall through to a fresh pick.
	}

	now := b.now()
	weight := b.messageWeight(msg)

	best := views[0].ID
	bestScore := b.adjustedScore(views[0], weight, now)
	for _, v := range views[1:] {
		if s := b.adjustedScore(v, weight, now); s < bestScore {
			best, bestScore = v.ID, s
		}
	}

	b.record(best)
	if err := b.kv.Set(ctx, affinityKey, best, affinityTTL); err != nil {
		slog.Warn("balancer: failed to store chat affinity",
			slog.Int64("chat", msg.ChatID), slog.Any("err", err))
	}
	return best, nil
}

// adjustedScore starts from the fleet load score, adds the message weight,
// penalizes bots picked within the last second and favors preferred bots
// (lower priority number).
func (b *Balancer) adjustedScore(v fleet.BotView, weight float64, now time.Time) float64 {
	score := float64(v.LoadScore) + weight*10

	b.mu.Lock()
	last, picked := b.lastPick[v.ID]
	b.mu.Unlock()
	if picked && now.Sub(last) < recencyThreshold {
		score += recencyPenalty
	}

	score -= float64(6-v.Priority) * 10
	return score
}

// messageWeight scales the cost of placing this message: urgent traffic
// counts double, group chatter counts half.
func (b *Balancer) messageWeight(msg *queue.Message) float64 {
	switch {
	case msg.Priority >= queue.PriorityHigh:
		return 2
	case msg.ChatType == "group" || msg.ChatType == "supergroup":
		return 0.5
	default:
		return 1
	}
}

func (b *Balancer) record(botID string) {
	b.mu.Lock()
	b.lastPick[botID] = b.now()
	b.mu.Unlock()
}
