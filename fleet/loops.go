package fleet

import (
	"context"
	"log/slog"
	"time"
)

// Start launches the health-probe, status-check and heartbeat loops.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.runLoop(ctx, "health-probe", m.cfg.ProbeInterval, m.probeAll)
	m.runLoop(ctx, "status-check", statusCheckInterval, m.statusCheck)
	m.runLoop(ctx, "heartbeat", heartbeatInterval, m.heartbeat)
	slog.Info("fleet: manager started", slog.Int("bots", len(m.Snapshot())))
}

// Stop halts the loops and waits for them to drain.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	slog.Info("fleet: manager stopped")
}

// runLoop runs fn on the interval, doubling the sleep after a failed
// iteration so a broken backend is not hammered.
func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sleep := interval
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
			if err := fn(ctx); err != nil {
				slog.Warn("fleet: loop iteration failed",
					slog.String("loop", name), slog.Any("err", err))
				sleep = 2 * interval
			} else {
				sleep = interval
			}
		}
	}()
}

// probeAll probes every enabled bot. Per-bot outcomes land in bot state, not
// in the loop's error.
func (m *Manager) probeAll(ctx context.Context) error {
	for _, v := range m.Snapshot() {
		if !v.Enabled {
			continue
		}
		_ = m.Probe(ctx, v.ID)
	}
	return nil
}

// statusCheck re-examines bots whose state may be stale: rate limits past
// their reset, healthy bots with old heartbeats, and failing bots whose
// probe backoff has elapsed.
func (m *Manager) statusCheck(ctx context.Context) error {
	now := m.now()

	m.mu.Lock()
	var due []string
	for _, id := range m.order {
		b := m.bots[id]
		if !b.cfg.Enabled {
			continue
		}
		switch b.status {
		case StatusRateLimited:
			if !now.Before(b.rateLimitResetAt) {
				due = append(due, id)
			}
		case StatusHealthy:
			if now.Sub(b.lastHeartbeat) > heartbeatStaleAfter {
				due = append(due, id)
			}
		case StatusError, StatusUnknown:
			if now.Sub(b.lastProbeAt) >= probeBackoff(b.consecutiveFailures) {
				due = append(due, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		_ = m.Probe(ctx, id)
	}
	return nil
}

// heartbeat refreshes liveness stamps, mirrors bot state to the shared kv
// and publishes the fleet gauges.
func (m *Manager) heartbeat(ctx context.Context) error {
	m.mu.Lock()
	now := m.now()
	views := make([]BotView, 0, len(m.order))
	for _, id := range m.order {
		b := m.bots[id]
		if b.cfg.Enabled {
			b.lastHeartbeat = now
		}
		views = append(views, m.viewLocked(b, now))
	}
	m.mu.Unlock()

	available := 0
	for _, v := range views {
		if v.Available {
			available++
		}
		if m.metrics != nil {
			m.metrics.BotLoadScore.WithLabelValues(v.ID).Set(float64(v.LoadScore))
		}
		if v.Enabled {
			m.mirror(ctx, v)
		}
	}
	if m.metrics != nil {
		m.metrics.FleetAvailable.Set(float64(available))
	}
	return nil
}
