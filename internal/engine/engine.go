package engine

import (
	"fmt"
	"net/url"

	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/selector"
	"github.com/proxy-rotator/internal/session"
	"github.com/proxy-rotator/internal/types"
	log "github.com/sirupsen/logrus"
)

// ConnectionInfo is everything the consuming layer needs to route one
// outbound request through the selected proxy.
type ConnectionInfo struct {
	Address     string               `json:"address"`
	Scheme      types.Scheme         `json:"scheme"`
	Credentials types.Credentials    `json:"credentials,omitempty"`
	URL         string               `json:"url"`
	SessionID   string               `json:"session_id,omitempty"`
	Fingerprint *session.Fingerprint `json:"fingerprint,omitempty"`
}

// Engine is the caller-facing surface of the rotation subsystem: select a
// proxy for a request, and report back how using it went.
type Engine struct {
	pool    *pool.Pool
	sel     *selector.Selector
	binder  *session.Binder
	metrics *metrics.Collector
}

func New(p *pool.Pool, sel *selector.Selector, binder *session.Binder, metricsCollector *metrics.Collector) *Engine {
	return &Engine{
		pool:    p,
		sel:     sel,
		binder:  binder,
		metrics: metricsCollector,
	}
}

// SelectProxyForRequest picks a proxy under the named policy. A non-empty
// sessionID makes the assignment sticky: the same session keeps its proxy
// until it is quarantined or removed. Returns ErrPoolExhausted when
// nothing is eligible; the caller owns the fallback decision.
func (e *Engine) SelectProxyForRequest(policyName, sessionID string) (ConnectionInfo, error) {
	policy, err := selector.ParsePolicy(policyName, e.sel.DefaultPolicy())
	if err != nil {
		return ConnectionInfo{}, err
	}

	var (
		rec     types.ProxyRecord
		binding session.Binding
		sticky  bool
	)

	if sessionID != "" {
		rec, binding, err = e.binder.Bind(sessionID, policy)
		sticky = true
	} else {
		rec, err = e.sel.Select(e.pool.Snapshot(), policy, nil)
	}

	if e.metrics != nil {
		e.metrics.RecordSelection(string(policy), err == nil)
	}
	if err != nil {
		return ConnectionInfo{}, err
	}

	info := ConnectionInfo{
		Address:     rec.Address,
		Scheme:      rec.Scheme,
		Credentials: rec.Credentials,
		URL:         proxyURL(rec),
	}
	if sticky {
		info.SessionID = binding.SessionID
		info.Fingerprint = &binding.Fingerprint
	}
	return info, nil
}

// ReportOutcome feeds the real-world result of using a proxy into the same
// health state as synthetic probes. Unknown addresses are reported back to
// the caller so misuse is not confused with pool exhaustion.
func (e *Engine) ReportOutcome(address string, success bool, latencyMs float64, errorKind string) error {
	out := types.Outcome{
		Success:   success,
		LatencyMs: latencyMs,
	}
	if !success {
		out.Err = types.ErrorKind(errorKind)
		if out.Err == types.ErrorNone {
			out.Err = types.ErrorUnexpected
		}
	}

	if err := e.pool.ApplyOutcome(address, out); err != nil {
		log.WithFields(log.Fields{
			"address": address,
			"success": success,
		}).Warn("Outcome reported for unknown proxy, dropping")
		return fmt.Errorf("report outcome for %s: %w", address, err)
	}
	return nil
}

// ReleaseSession drops a session's sticky binding, e.g. when the caller's
// request is cancelled.
func (e *Engine) ReleaseSession(sessionID string) {
	e.binder.Release(sessionID)
}

// proxyURL renders the record as a proxy URL usable by standard
// transports. Tor circuits are addressed as SOCKS5 endpoints.
func proxyURL(rec types.ProxyRecord) string {
	scheme := string(rec.Scheme)
	if rec.Scheme == types.SchemeTor {
		scheme = "socks5"
	}

	u := &url.URL{Scheme: scheme, Host: rec.Address}
	if rec.Credentials.Username != "" {
		u.User = url.UserPassword(rec.Credentials.Username, rec.Credentials.Password)
	}
	return u.String()
}
