package failover

import (
	"context"
	"log/slog"
	"time"
)

// Start launches the recovery probe loop.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sleep := m.cfg.RecoveryInterval
		for {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-m.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
			if err := m.checkRecoveries(ctx); err != nil {
				slog.Warn("failover: recovery sweep failed", slog.Any("err", err))
				sleep = 2 * m.cfg.RecoveryInterval
			} else {
				sleep = m.cfg.RecoveryInterval
			}
		}
	}()
}

func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

// checkRecoveries probes every bot with an open escalation and closes the
// event when the bot answers again.
func (m *Manager) checkRecoveries(ctx context.Context) error {
	m.mu.Lock()
	bots := make([]string, 0, len(m.open))
	for id := range m.open {
		bots = append(bots, id)
	}
	m.mu.Unlock()

	for _, id := range bots {
		if err := m.fleet.Probe(ctx, id); err != nil {
			continue
		}
		m.markRecovered(ctx, id)
	}
	return nil
}

// markRecovered stamps the open event, clears the streak and re-journals the
// completed record.
func (m *Manager) markRecovered(ctx context.Context, botID string) {
	m.mu.Lock()
	event, ok := m.open[botID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	event.RecoveryTime = &now
	delete(m.open, botID)
	delete(m.failures, botID)
	delete(m.suppressedUntil, botID)
	m.mu.Unlock()

	m.journal(ctx, event)
	slog.Info("failover: bot recovered",
		slog.String("bot", botID),
		slog.Duration("downtime", now.Sub(event.Timestamp)))
}
