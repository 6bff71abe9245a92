package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/deskbridge/failover"
	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/metrics"
	"github.com/hrygo/deskbridge/queue"
	"github.com/hrygo/deskbridge/telegram"
)

const (
	dequeueTimeout     = 5 * time.Second
	staleSweepInterval = time.Minute
	staleAfter         = 5 * time.Minute
	minWorkers         = 2
)

// Processor handles one dequeued message. The conversation layer implements
// it; tests substitute fakes.
type Processor interface {
	Process(ctx context.Context, msg *queue.Message) error
}

// FailureReporter receives per-bot processing outcomes. The failover manager
// implements it.
type FailureReporter interface {
	RecordFailure(ctx context.Context, botID, reason string) (*failover.Event, error)
	RecordSuccess(botID string)
}

// Pool drains the queue with a fixed set of workers and sweeps stale
// in-flight messages back to pending.
type Pool struct {
	queue    queue.Queue
	proc     Processor
	fleet    *fleet.Manager
	reporter FailureReporter
	metrics  *metrics.Metrics
	workers  int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool sizes the pool at workers, or twice the fleet size when workers is
// zero, never below two.
func NewPool(q queue.Queue, proc Processor, fl *fleet.Manager, reporter FailureReporter, m *metrics.Metrics, workers int) *Pool {
	if workers <= 0 && fl != nil {
		workers = 2 * len(fl.Snapshot())
	}
	if workers < minWorkers {
		workers = minWorkers
	}
	return &Pool{
		queue:    q,
		proc:     proc,
		fleet:    fl,
		reporter: reporter,
		metrics:  m,
		workers:  workers,
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.sweep(gctx)
		return nil
	})

	go func() {
		_ = g.Wait()
		close(p.done)
	}()
	slog.Info("coordinator: worker pool started", slog.Int("workers", p.workers))
}

func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	slog.Info("coordinator: worker pool stopped")
}

func (p *Pool) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := p.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("coordinator: dequeue failed", slog.Any("err", err))
			continue
		}
		if msg == nil {
			continue
		}
		p.handle(ctx, msg)
	}
}

func (p *Pool) handle(ctx context.Context, msg *queue.Message) {
	start := time.Now()
	err := p.proc.Process(ctx, msg)
	p.observe(time.Since(start), err)

	if err == nil {
		if e := p.queue.MarkCompleted(ctx, msg.ID); e != nil {
			slog.Warn("coordinator: failed to complete message",
				slog.String("msg", msg.ID), slog.Any("err", e))
		}
		if p.reporter != nil && msg.AssignedBot != "" {
			p.reporter.RecordSuccess(msg.AssignedBot)
		}
		return
	}

	slog.Warn("coordinator: message processing failed",
		slog.String("msg", msg.ID),
		slog.Int("retry", msg.RetryCount),
		slog.Any("err", err))

	// Infrastructure failures and dead credentials both count against the
	// bot; client-side refusals (except 401) do not.
	if p.reporter != nil && msg.AssignedBot != "" &&
		(telegram.IsBreakerFailure(err) || telegram.IsUnauthorized(err)) {
		if _, fe := p.reporter.RecordFailure(ctx, msg.AssignedBot, err.Error()); fe != nil {
			slog.Error("coordinator: failover escalation failed", slog.Any("err", fe))
		}
	}

	// A deleted topic means the operator side needs rebuilding; bump the
	// priority so the retry jumps the line.
	if telegram.IsTopicDeleted(err) && msg.RetryCount+1 < queue.MaxRetries {
		if e := p.queue.MarkCompleted(ctx, msg.ID); e == nil {
			msg.RetryCount++
			msg.Priority = msg.Priority.Boost()
			if e := p.queue.Enqueue(ctx, msg); e == nil {
				return
			}
		}
	}

	if _, e := p.queue.MarkFailed(ctx, msg.ID); e != nil && !errors.Is(e, queue.ErrUnknownMessage) {
		slog.Warn("coordinator: failed to fail message",
			slog.String("msg", msg.ID), slog.Any("err", e))
	}
}

// sweep periodically recovers in-flight messages orphaned by crashed workers
// and refreshes the queue depth gauges.
func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if swept, err := p.queue.CleanupStale(ctx, staleAfter); err != nil {
			slog.Warn("coordinator: stale sweep failed", slog.Any("err", err))
		} else if swept > 0 {
			slog.Info("coordinator: recovered stale messages", slog.Int("count", swept))
		}

		if p.metrics != nil {
			if stats, err := p.queue.Stats(ctx); err == nil {
				p.metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
				p.metrics.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
				p.metrics.QueueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
			}
		}
	}
}

func (p *Pool) observe(d time.Duration, err error) {
	if p.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	p.metrics.ProcessingDuration.WithLabelValues(result).Observe(d.Seconds())
}
