package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/types"
	xproxy "golang.org/x/net/proxy"
)

// Prober performs a single reachability/latency check against one proxy.
// It is stateless and safe for concurrent use; every probe builds its own
// client so concurrent probes never share mutable transport state.
type Prober struct {
	cfg     config.MonitorConfig
	timeout time.Duration
}

func New(cfg config.MonitorConfig) *Prober {
	return &Prober{
		cfg:     cfg,
		timeout: time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
	}
}

// Probe checks one record and returns the outcome. Failures are classified,
// never returned as errors: a failing proxy is a state signal, not a fault
// of the monitor.
func (p *Prober) Probe(ctx context.Context, rec types.ProxyRecord) types.Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	if p.cfg.Mode == "connect-only" {
		return p.probeConnect(ctx, rec, start)
	}

	switch rec.Scheme {
	case types.SchemeSOCKS5, types.SchemeTor:
		return p.probeSOCKS5(ctx, rec, start)
	default:
		return p.probeHTTP(ctx, rec, start)
	}
}

// probeConnect only verifies that the proxy port accepts a TCP connection.
func (p *Prober) probeConnect(ctx context.Context, rec types.ProxyRecord, start time.Time) types.Outcome {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", rec.Address)
	if err != nil {
		return failure(err)
	}
	conn.Close()

	return success(start)
}

// probeHTTP routes a GET for the test URL through an HTTP(S) proxy.
func (p *Prober) probeHTTP(ctx context.Context, rec types.ProxyRecord, start time.Time) types.Outcome {
	proxyURL := &url.URL{Scheme: "http", Host: rec.Address}
	if rec.Scheme == types.SchemeHTTPS {
		proxyURL.Scheme = "https"
	}
	if rec.Credentials.Username != "" {
		proxyURL.User = url.UserPassword(rec.Credentials.Username, rec.Credentials.Password)
	}

	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: (&net.Dialer{
			Timeout: p.timeout,
		}).DialContext,
		ForceAttemptHTTP2:   false,
		TLSHandshakeTimeout: p.timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // Probing arbitrary upstreams
		},
	}

	return p.request(ctx, transport, start)
}

// probeSOCKS5 routes the test request through a SOCKS5 proxy. Tor circuits
// are SOCKS5 endpoints as far as the probe is concerned.
func (p *Prober) probeSOCKS5(ctx context.Context, rec types.ProxyRecord, start time.Time) types.Outcome {
	var auth *xproxy.Auth
	if rec.Credentials.Username != "" {
		auth = &xproxy.Auth{
			User:     rec.Credentials.Username,
			Password: rec.Credentials.Password,
		}
	}

	dialer, err := xproxy.SOCKS5("tcp", rec.Address, auth, xproxy.Direct)
	if err != nil {
		return failure(fmt.Errorf("socks5 dialer: %w", err))
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
		TLSHandshakeTimeout: p.timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	}

	return p.request(ctx, transport, start)
}

func (p *Prober) request(ctx context.Context, transport *http.Transport, start time.Time) types.Outcome {
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   p.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.TestURL, nil)
	if err != nil {
		return failure(fmt.Errorf("create request: %w", err))
	}

	resp, err := client.Do(req)
	if err != nil {
		return failure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired {
		return types.Outcome{Err: types.ErrorAuth}
	}

	// 2xx and 3xx count as reachable.
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return success(start)
	}

	return types.Outcome{Err: types.ErrorUnexpected}
}

func success(start time.Time) types.Outcome {
	return types.Outcome{
		Success:   true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func failure(err error) types.Outcome {
	return types.Outcome{Err: Classify(err)}
}
