package session

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/selector"
	"github.com/proxy-rotator/internal/types"
	log "github.com/sirupsen/logrus"
)

// Fingerprint is the stable identity a session presents to target sites.
// The engine only stores it; the scraping layer decides what to do with it.
type Fingerprint struct {
	ID        string `json:"id"`
	UserAgent string `json:"user_agent"`
}

// Binding ties a caller-supplied session id to a proxy address and a
// fingerprint. The fingerprint survives rebinds; only the proxy changes.
type Binding struct {
	SessionID   string      `json:"session_id"`
	Address     string      `json:"address"`
	Fingerprint Fingerprint `json:"fingerprint"`
	BoundAt     time.Time   `json:"bound_at"`
	LastUsed    time.Time   `json:"last_used"`
	Rebinds     int         `json:"rebinds"`
}

// Binder maintains sticky proxy-to-session assignments and rebinds a
// session when its proxy stops being eligible.
type Binder struct {
	mu       sync.Mutex
	bindings map[string]*Binding

	pool    *pool.Pool
	sel     *selector.Selector
	metrics *metrics.Collector

	ttl        time.Duration
	userAgents []string
}

func New(p *pool.Pool, sel *selector.Selector, cfg config.SessionConfig, metricsCollector *metrics.Collector) *Binder {
	return &Binder{
		bindings:   make(map[string]*Binding),
		pool:       p,
		sel:        sel,
		metrics:    metricsCollector,
		ttl:        time.Duration(cfg.TTLSeconds) * time.Second,
		userAgents: cfg.UserAgents,
	}
}

// Bind returns the proxy bound to sessionID, reusing the existing binding
// while its record stays eligible and rebinding through the selector
// otherwise. The session identity is preserved across rebinds; only the
// proxy is swapped. Fails with ErrPoolExhausted when no eligible proxy
// exists.
func (b *Binder) Bind(sessionID string, policy selector.Policy) (types.ProxyRecord, Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	existing := b.bindings[sessionID]

	if existing != nil {
		if rec, err := b.pool.Get(existing.Address); err == nil && rec.Eligible() {
			existing.LastUsed = now
			return rec, *existing, nil
		}
	}

	// New session, or the bound proxy is quarantined/dead/removed.
	exclude := map[string]struct{}{}
	if existing != nil {
		exclude[existing.Address] = struct{}{}
	}

	rec, err := b.sel.Select(b.pool.Snapshot(), policy, exclude)
	if err != nil {
		return types.ProxyRecord{}, Binding{}, err
	}

	if existing != nil {
		log.WithFields(log.Fields{
			"session_id":  sessionID,
			"old_address": existing.Address,
			"new_address": rec.Address,
			"reason":      "bound_proxy_ineligible",
		}).Info("Session rebound")

		existing.Address = rec.Address
		existing.LastUsed = now
		existing.Rebinds++
		if b.metrics != nil {
			b.metrics.RecordRebind()
		}
		return rec, *existing, nil
	}

	binding := &Binding{
		SessionID: sessionID,
		Address:   rec.Address,
		Fingerprint: Fingerprint{
			ID:        uuid.NewString(),
			UserAgent: b.userAgents[rand.Intn(len(b.userAgents))],
		},
		BoundAt:  now,
		LastUsed: now,
	}
	b.bindings[sessionID] = binding

	if b.metrics != nil {
		b.metrics.SetActiveSessions(len(b.bindings))
	}
	return rec, *binding, nil
}

// Release removes a session's binding. Releasing an unknown session is a
// no-op.
func (b *Binder) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.bindings, sessionID)
	if b.metrics != nil {
		b.metrics.SetActiveSessions(len(b.bindings))
	}
}

// Len returns the number of live bindings.
func (b *Binder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings)
}

// RunJanitor reclaims idle bindings until ctx is cancelled. Expiry is a
// silent reclaim, not an error.
func (b *Binder) RunJanitor(ctx context.Context) {
	interval := b.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.expireIdle(time.Now())
		}
	}
}

func (b *Binder) expireIdle(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	expired := 0
	for id, binding := range b.bindings {
		if now.Sub(binding.LastUsed) > b.ttl {
			delete(b.bindings, id)
			expired++
		}
	}

	if expired > 0 {
		log.Debugf("Reclaimed %d idle session bindings", expired)
		if b.metrics != nil {
			b.metrics.SetActiveSessions(len(b.bindings))
		}
	}
}
