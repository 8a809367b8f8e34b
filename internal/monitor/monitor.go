package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/probe"
	"github.com/proxy-rotator/internal/types"
	log "github.com/sirupsen/logrus"
)

// Monitor drives the repeating probing cycle over the pool. Probing runs
// under a bounded worker cap so a slow subset of proxies never delays the
// rest beyond the per-probe timeout, and the whole loop stops promptly on
// context cancellation.
type Monitor struct {
	pool    *pool.Pool
	prober  *probe.Prober
	metrics *metrics.Collector

	interval time.Duration
	workers  int
}

func New(p *pool.Pool, prober *probe.Prober, cfg config.MonitorConfig, metricsCollector *metrics.Collector) *Monitor {
	return &Monitor{
		pool:     p,
		prober:   prober,
		metrics:  metricsCollector,
		interval: time.Duration(cfg.IntervalSeconds) * time.Second,
		workers:  cfg.Workers,
	}
}

// Run blocks until ctx is cancelled, probing the pool every interval.
// The first cycle runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.RunCycle(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle executes one probing pass: release expired quarantines, then
// probe every probeable record concurrently and apply each outcome
// independently. Cancelling mid-cycle abandons un-started probes; applied
// outcomes are each atomic, so no partial state is left behind.
func (m *Monitor) RunCycle(ctx context.Context) {
	start := time.Now()

	if released := m.pool.ReleaseExpired(); len(released) > 0 {
		log.Infof("Released %d proxies from quarantine for half-open retest", len(released))
	}

	snapshot := m.pool.Snapshot()
	due := make([]types.ProxyRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		if probeable(rec) {
			due = append(due, rec)
		}
	}

	if len(due) == 0 {
		return
	}

	log.WithFields(log.Fields{
		"due":     len(due),
		"total":   len(snapshot),
		"workers": m.workers,
	}).Debug("Starting probe cycle")

	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup

	for _, rec := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)

		go func(rec types.ProxyRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			probeStart := time.Now()
			out := m.prober.Probe(ctx, rec)

			if m.metrics != nil {
				m.metrics.RecordProbe(out.Success, time.Since(probeStart).Seconds())
			}

			log.WithFields(log.Fields{
				"address":    rec.Address,
				"success":    out.Success,
				"latency_ms": out.LatencyMs,
				"error_kind": out.Err,
			}).Debug("Probe result")

			if err := m.pool.ApplyOutcome(rec.Address, out); err != nil {
				if errors.Is(err, types.ErrUnknownProxy) {
					// Record was removed mid-cycle; drop the outcome.
					return
				}
				log.WithError(err).WithField("address", rec.Address).Warn("Failed to apply probe outcome")
			}
		}(rec)
	}

	wg.Wait()

	if m.metrics != nil {
		for status, count := range m.pool.CountByStatus() {
			m.metrics.SetPoolRecords(string(status), count)
		}
	}

	log.WithFields(log.Fields{
		"probed":   len(due),
		"duration": time.Since(start).String(),
	}).Info("Probe cycle complete")
}

// probeable excludes terminal records and quarantined records still inside
// their cooldown; those only rejoin probing after ReleaseExpired moves
// them to degraded.
func probeable(rec types.ProxyRecord) bool {
	switch rec.Status {
	case types.StatusDead, types.StatusQuarantined:
		return false
	default:
		return true
	}
}
