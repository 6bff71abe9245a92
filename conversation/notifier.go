package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/ratelimit"
)

const defaultNotifyCooldown = time.Minute

// Notifier tells users their traffic was rate limited, at most once per
// cooldown per user and chat. Notices go out through the current best bot so
// a rate-limited primary does not have to deliver its own bad news.
type Notifier struct {
	service  *Service
	kv       kv.Store
	cooldown time.Duration
}

func NewNotifier(service *Service, store kv.Store, cooldown time.Duration) *Notifier {
	if cooldown <= 0 {
		cooldown = defaultNotifyCooldown
	}
	return &Notifier{service: service, kv: store, cooldown: cooldown}
}

// NotifyRateLimited implements the coordinator's notifier hook.
func (n *Notifier) NotifyRateLimited(ctx context.Context, userID, chatID int64, res *ratelimit.Result) {
	key := fmt.Sprintf("notify:rl:%d:%d", userID, chatID)
	fresh, err := n.kv.SetNX(ctx, key, "1", n.cooldown)
	if err != nil || !fresh {
		return
	}

	best, err := n.service.fleet.BestBot()
	if err != nil {
		if !errors.Is(err, fleet.ErrNoAvailableBot) {
			slog.Warn("notifier: no bot for rate-limit notice", slog.Any("err", err))
		}
		return
	}

	text := "⏳ You're sending messages too quickly. Please slow down."
	if res != nil && res.RetryAfter > 0 {
		text = fmt.Sprintf("⏳ You're sending messages too quickly. Try again in %s.",
			res.RetryAfter.Round(time.Second))
	}
	if err := n.service.sendText(ctx, best.ID, chatID, 0, text); err != nil {
		slog.Warn("notifier: failed to deliver rate-limit notice",
			slog.Int64("chat", chatID), slog.Any("err", err))
	}
}
