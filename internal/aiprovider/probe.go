package aiprovider

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/quarrier/internal/model"
)

// Prober checks one provider out-of-band and reports whether it is
// reachable. The gateway core ships no concrete Prober; the caller
// supplies one appropriate to its provider adapters.
type Prober func(ctx context.Context, cfg model.AIProviderConfig) error

// ProbeAll probes every currently-registered provider concurrently and
// updates each one's health state: a successful probe restores a provider
// to healthy (the only path back from unhealthy short of a new successful
// call), a failed probe marks it unhealthy.
func (m *Manager) ProbeAll(ctx context.Context, probe Prober) error {
	configs, err := m.db.ListCurrentProviderConfigs(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			if err := probe(gctx, cfg); err != nil {
				m.markUnhealthy(cfg.ProviderID)
				m.logger.Warn("aiprovider: health probe failed", "provider_id", cfg.ProviderID, "error", err)
				return nil
			}
			m.recordSuccess(cfg.ProviderID)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) markUnhealthy(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ht, ok := m.health[providerID]
	if !ok {
		ht = &healthTracker{}
		m.health[providerID] = ht
	}
	ht.state = model.HealthUnhealthy
}

// HealthProbeLoop polls ProbeAll on a ticker until ctx is cancelled,
// logging (never propagating) a probe round's own error so one bad round
// never stops subsequent ones.
func (m *Manager) HealthProbeLoop(ctx context.Context, probe Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ProbeAll(ctx, probe); err != nil {
				m.logger.Error("aiprovider: health probe round failed", "error", err)
			}
		}
	}
}
