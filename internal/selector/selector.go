package selector

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/proxy-rotator/internal/types"
)

// Policy names a rotation strategy.
type Policy string

const (
	PolicyRoundRobin      Policy = "round_robin"
	PolicyLatencyWeighted Policy = "latency_weighted"
	// PolicySticky delegates to the session binder; without a session id
	// it falls back to the selector's default policy.
	PolicySticky Policy = "sticky"
)

// ParsePolicy validates a caller-supplied policy name. An empty name maps
// to the given default.
func ParsePolicy(s string, def Policy) (Policy, error) {
	switch Policy(s) {
	case "":
		return def, nil
	case PolicyRoundRobin, PolicyLatencyWeighted, PolicySticky:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown rotation policy %q", s)
	}
}

// defaultLatencyMs is the assumed latency for eligible records that have
// never completed a successful probe, so half-open records still get
// weighted traffic.
const defaultLatencyMs = 500.0

// Selector picks one proxy from a pool snapshot under a rotation policy.
// It never mutates records and never blocks on pool writes.
type Selector struct {
	rrIndex       atomic.Uint64
	defaultPolicy Policy
}

func New(defaultPolicy Policy) *Selector {
	return &Selector{defaultPolicy: defaultPolicy}
}

func (s *Selector) DefaultPolicy() Policy {
	return s.defaultPolicy
}

// Select returns one eligible record or ErrPoolExhausted. Eligible means
// healthy or degraded and not excluded; healthy records always win over
// degraded ones, so half-open proxies only see traffic when nothing
// healthy remains. Exhaustion is surfaced, never retried here.
func (s *Selector) Select(records []types.ProxyRecord, policy Policy, exclude map[string]struct{}) (types.ProxyRecord, error) {
	candidates := eligible(records, exclude)
	if len(candidates) == 0 {
		return types.ProxyRecord{}, types.ErrPoolExhausted
	}

	switch policy {
	case PolicyLatencyWeighted:
		return s.latencyWeighted(candidates), nil
	case PolicyRoundRobin:
		return s.roundRobin(candidates), nil
	default:
		// Sticky without a session id, or an unset policy, falls back.
		if s.defaultPolicy == PolicyLatencyWeighted {
			return s.latencyWeighted(candidates), nil
		}
		return s.roundRobin(candidates), nil
	}
}

// eligible filters to selectable records, preferring healthy over
// degraded. The result keeps the snapshot's stable address order.
func eligible(records []types.ProxyRecord, exclude map[string]struct{}) []types.ProxyRecord {
	healthy := make([]types.ProxyRecord, 0, len(records))
	degraded := make([]types.ProxyRecord, 0)

	for _, rec := range records {
		if _, skip := exclude[rec.Address]; skip {
			continue
		}
		switch rec.Status {
		case types.StatusHealthy:
			healthy = append(healthy, rec)
		case types.StatusDegraded:
			degraded = append(degraded, rec)
		}
	}

	if len(healthy) > 0 {
		return healthy
	}
	return degraded
}

// roundRobin cycles through the candidates in stable address order.
func (s *Selector) roundRobin(candidates []types.ProxyRecord) types.ProxyRecord {
	idx := (s.rrIndex.Add(1) - 1) % uint64(len(candidates))
	return candidates[idx]
}

// latencyWeighted draws a candidate with probability inversely
// proportional to its EWMA latency. Equal latencies tie-break uniformly at
// random; there is no hard sort, so slow-but-valid proxies still get
// traffic.
func (s *Selector) latencyWeighted(candidates []types.ProxyRecord) types.ProxyRecord {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, rec := range candidates {
		lat := rec.LatencyMs
		if lat <= 0 {
			lat = defaultLatencyMs
		}
		weights[i] = 1.0 / lat
		total += weights[i]
	}

	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
