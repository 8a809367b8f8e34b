package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/types"
	log "github.com/sirupsen/logrus"
)

// Pool is the thread-safe registry of all proxy records. It owns every
// record exclusively: the registry lock only guards membership, while each
// record carries its own mutex, so outcome applications for different
// addresses proceed fully in parallel and never serialize selection behind
// network-speed work.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry

	qc      *QuarantineController
	metrics *metrics.Collector

	events chan types.Transition
}

type entry struct {
	mu  sync.Mutex
	rec types.ProxyRecord
}

func New(qc *QuarantineController, metricsCollector *metrics.Collector) *Pool {
	return &Pool{
		entries: make(map[string]*entry),
		qc:      qc,
		metrics: metricsCollector,
		events:  make(chan types.Transition, 256),
	}
}

// Register adds a new record to the pool. The record starts untested unless
// it carries restored state. Fails with ErrDuplicateAddress if the address
// is already present.
func (p *Pool) Register(rec types.ProxyRecord) error {
	if rec.Status == "" {
		rec.Status = types.StatusUntested
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[rec.Address]; exists {
		return types.ErrDuplicateAddress
	}
	p.entries[rec.Address] = &entry{rec: rec}

	log.WithFields(log.Fields{
		"address": rec.Address,
		"scheme":  rec.Scheme,
		"status":  rec.Status,
	}).Debug("Proxy registered")

	return nil
}

// Remove deletes a record from the pool. Re-adding the same address later
// creates a fresh record; this is the only way a dead address comes back.
func (p *Pool) Remove(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[address]; !exists {
		return types.ErrUnknownProxy
	}
	delete(p.entries, address)
	return nil
}

// Snapshot returns an immutable point-in-time copy of all records, sorted
// by address. Each record is copied under its own lock, so a snapshot never
// observes a record mid-mutation, and readers never block writers beyond
// one record copy.
func (p *Pool) Snapshot() []types.ProxyRecord {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	records := make([]types.ProxyRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.rec)
		e.mu.Unlock()
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})
	return records
}

// Get returns a copy of one record.
func (p *Pool) Get(address string) (types.ProxyRecord, error) {
	p.mu.RLock()
	e, exists := p.entries[address]
	p.mu.RUnlock()

	if !exists {
		return types.ProxyRecord{}, types.ErrUnknownProxy
	}

	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	return rec, nil
}

// ApplyOutcome is the single mutation entry point, used by both the health
// monitor and caller-reported usage outcomes. Calls for the same address
// serialize on the record's lock; calls for different addresses do not
// contend.
func (p *Pool) ApplyOutcome(address string, out types.Outcome) error {
	p.mu.RLock()
	e, exists := p.entries[address]
	p.mu.RUnlock()

	if !exists {
		return types.ErrUnknownProxy
	}

	e.mu.Lock()
	transitions := p.qc.Apply(&e.rec, out, time.Now())
	e.mu.Unlock()

	p.publish(transitions)
	return nil
}

// ReleaseExpired promotes every quarantined record whose cooldown has
// passed to degraded (half-open). The monitor calls this at the start of
// each cycle so half-open records get probed again.
func (p *Pool) ReleaseExpired() []types.Transition {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	now := time.Now()
	var released []types.Transition
	for _, e := range entries {
		e.mu.Lock()
		if tr, ok := p.qc.Release(&e.rec, now); ok {
			released = append(released, tr)
		}
		e.mu.Unlock()
	}

	p.publish(released)
	return released
}

// Restore seeds the pool from persisted state, keeping health history
// (EWMA latency, quarantine counts, terminal dead) across restarts.
// Addresses already registered are left untouched.
func (p *Pool) Restore(records []types.ProxyRecord) int {
	restored := 0
	for _, rec := range records {
		if rec.Address == "" {
			continue
		}
		if err := p.Register(rec); err == nil {
			restored++
		}
	}
	return restored
}

// Len returns the number of registered records.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// CountByStatus returns how many records hold each status.
func (p *Pool) CountByStatus() map[types.Status]int {
	counts := make(map[types.Status]int)
	for _, rec := range p.Snapshot() {
		counts[rec.Status]++
	}
	return counts
}

// Events exposes the transition stream for observability consumers. The
// channel is buffered; events are dropped, not blocked on, when no one
// drains it.
func (p *Pool) Events() <-chan types.Transition {
	return p.events
}

func (p *Pool) publish(transitions []types.Transition) {
	for _, tr := range transitions {
		log.WithFields(log.Fields{
			"address":         tr.Address,
			"previous_status": tr.From,
			"new_status":      tr.To,
			"reason":          tr.Reason,
		}).Info("Proxy status transition")

		if p.metrics != nil {
			p.metrics.RecordTransition(string(tr.From), string(tr.To))
		}

		select {
		case p.events <- tr:
		default:
		}
	}
}
