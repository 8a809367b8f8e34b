package types

import (
	"errors"
	"time"
)

// Status is the health state of a proxy record.
type Status string

const (
	StatusUntested    Status = "untested"
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusQuarantined Status = "quarantined"
	StatusDead        Status = "dead"
)

// Scheme identifies how outbound traffic is routed through a proxy.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS5 Scheme = "socks5"
	// SchemeTor is a SOCKS5 circuit through a local Tor daemon.
	SchemeTor Scheme = "tor"
)

// ErrorKind classifies a failed probe or usage report.
type ErrorKind string

const (
	ErrorNone       ErrorKind = ""
	ErrorTimeout    ErrorKind = "timeout"
	ErrorRefused    ErrorKind = "connection_refused"
	ErrorTLS        ErrorKind = "tls_failure"
	ErrorAuth       ErrorKind = "auth_failure"
	ErrorUnexpected ErrorKind = "unexpected"
)

// Credentials are opaque to the engine; they are only handed back to the
// caller alongside a selected proxy.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ProxyRecord holds the identity and health state of one candidate proxy.
// It is a passive value; all mutation goes through the pool.
type ProxyRecord struct {
	Address     string      `json:"address"` // host:port, immutable
	Scheme      Scheme      `json:"scheme"`
	Credentials Credentials `json:"credentials,omitempty"`

	Status Status `json:"status"`

	// LatencyMs is an exponentially weighted moving average of successful
	// probe/usage latencies. Failures never touch it.
	LatencyMs float64 `json:"latency_ms"`

	ConsecutiveFailures  int `json:"consecutive_failures"`
	ConsecutiveSuccesses int `json:"consecutive_successes"`

	CooldownUntil   time.Time `json:"cooldown_until,omitempty"`
	QuarantineCount int       `json:"quarantine_count"`
	LastCheckedAt   time.Time `json:"last_checked_at,omitempty"`
}

// Eligible reports whether the record may be handed out to a caller.
func (r *ProxyRecord) Eligible() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// Outcome is the result of a single probe or of one real request routed
// through a proxy, reported back by the consuming layer.
type Outcome struct {
	Success   bool
	LatencyMs float64
	Err       ErrorKind
}

// Transition is emitted on every status change for observability.
type Transition struct {
	Address string    `json:"address"`
	From    Status    `json:"previous_status"`
	To      Status    `json:"new_status"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"timestamp"`
}

var (
	// ErrDuplicateAddress is returned when registering an address that
	// already exists in the pool.
	ErrDuplicateAddress = errors.New("duplicate proxy address")

	// ErrUnknownProxy is returned when an outcome is reported for an
	// address that was never registered or has been removed.
	ErrUnknownProxy = errors.New("unknown proxy address")

	// ErrPoolExhausted is returned when no eligible proxy exists. It is
	// surfaced to the caller and never retried internally.
	ErrPoolExhausted = errors.New("proxy pool exhausted")
)
