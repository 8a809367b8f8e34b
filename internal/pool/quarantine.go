package pool

import (
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/types"
)

// QuarantineController is the failure-isolation state machine. It decides
// how a single outcome moves a record between untested, healthy, degraded,
// quarantined and dead. It holds no state of its own; the pool calls it
// under the record's lock.
type QuarantineController struct {
	failureThreshold int
	maxQuarantines   int
	cooldownBase     time.Duration
	cooldownMax      time.Duration
	ewmaAlpha        float64
}

func NewQuarantineController(cfg config.QuarantineConfig, ewmaAlpha float64) *QuarantineController {
	return &QuarantineController{
		failureThreshold: cfg.FailureThreshold,
		maxQuarantines:   cfg.MaxQuarantines,
		cooldownBase:     time.Duration(cfg.CooldownBaseMs) * time.Millisecond,
		cooldownMax:      time.Duration(cfg.CooldownMaxMs) * time.Millisecond,
		ewmaAlpha:        ewmaAlpha,
	}
}

// failureWeight makes auth and TLS failures trip quarantine faster than
// transient timeouts: a proxy that rejects our credentials or breaks the
// handshake is unlikely to recover on its own.
func failureWeight(kind types.ErrorKind) int {
	switch kind {
	case types.ErrorAuth, types.ErrorTLS:
		return 2
	default:
		return 1
	}
}

// Apply mutates rec according to one probe or usage outcome and returns the
// resulting transitions, oldest first. Dead is terminal: outcomes for dead
// records are dropped. Outcomes for records still inside their cooldown are
// dropped too; the only way out of quarantine is cooldown expiry.
func (q *QuarantineController) Apply(rec *types.ProxyRecord, out types.Outcome, now time.Time) []types.Transition {
	if rec.Status == types.StatusDead {
		return nil
	}

	var transitions []types.Transition

	if rec.Status == types.StatusQuarantined {
		tr, released := q.Release(rec, now)
		if !released {
			return nil
		}
		transitions = append(transitions, tr)
	}

	rec.LastCheckedAt = now

	if out.Success {
		rec.ConsecutiveSuccesses++
		rec.ConsecutiveFailures = 0
		if out.LatencyMs > 0 {
			if rec.LatencyMs == 0 {
				rec.LatencyMs = out.LatencyMs
			} else {
				rec.LatencyMs = q.ewmaAlpha*out.LatencyMs + (1-q.ewmaAlpha)*rec.LatencyMs
			}
		}

		switch rec.Status {
		case types.StatusUntested:
			transitions = append(transitions, move(rec, types.StatusHealthy, "first_success", now))
		case types.StatusDegraded:
			transitions = append(transitions, move(rec, types.StatusHealthy, "success", now))
		}
		return transitions
	}

	rec.ConsecutiveFailures += failureWeight(out.Err)
	rec.ConsecutiveSuccesses = 0

	reason := string(out.Err)
	if reason == "" {
		reason = string(types.ErrorUnexpected)
	}

	switch rec.Status {
	case types.StatusUntested, types.StatusHealthy:
		transitions = append(transitions, move(rec, types.StatusDegraded, reason, now))
	}

	if rec.Status == types.StatusDegraded && rec.ConsecutiveFailures >= q.failureThreshold {
		rec.QuarantineCount++
		rec.ConsecutiveFailures = 0
		if rec.QuarantineCount >= q.maxQuarantines {
			transitions = append(transitions, move(rec, types.StatusDead, "max_quarantines_reached", now))
		} else {
			rec.CooldownUntil = now.Add(q.cooldown(rec.QuarantineCount))
			transitions = append(transitions, move(rec, types.StatusQuarantined, "failure_threshold_reached", now))
		}
	}

	return transitions
}

// Release moves a quarantined record to degraded (half-open) once its
// cooldown has expired. It reports false while the cooldown is still
// running or the record is not quarantined.
func (q *QuarantineController) Release(rec *types.ProxyRecord, now time.Time) (types.Transition, bool) {
	if rec.Status != types.StatusQuarantined || now.Before(rec.CooldownUntil) {
		return types.Transition{}, false
	}
	return move(rec, types.StatusDegraded, "cooldown_expired", now), true
}

// cooldown computes the exponential backoff for the nth quarantine:
// base * 2^(n-1), capped at the configured ceiling.
func (q *QuarantineController) cooldown(n int) time.Duration {
	shift := n - 1
	if shift > 20 {
		return q.cooldownMax
	}
	d := q.cooldownBase << uint(shift)
	if d > q.cooldownMax || d <= 0 {
		return q.cooldownMax
	}
	return d
}

func move(rec *types.ProxyRecord, to types.Status, reason string, now time.Time) types.Transition {
	tr := types.Transition{
		Address: rec.Address,
		From:    rec.Status,
		To:      to,
		Reason:  reason,
		At:      now,
	}
	rec.Status = to
	return tr
}
