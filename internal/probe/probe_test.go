package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/types"
)

func testConfig(mode, testURL string) config.MonitorConfig {
	return config.MonitorConfig{
		ProbeTimeoutMs: 2000,
		Mode:           mode,
		TestURL:        testURL,
	}
}

func TestProbeConnectOnly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := New(testConfig("connect-only", ""))
	rec := types.ProxyRecord{Address: ln.Addr().String(), Scheme: types.SchemeHTTP}

	out := p.Probe(context.Background(), rec)
	if !out.Success {
		t.Fatalf("probe failed against live listener: %v", out.Err)
	}
	if out.LatencyMs <= 0 {
		t.Errorf("latency = %v, want > 0", out.LatencyMs)
	}
}

func TestProbeConnectRefused(t *testing.T) {
	// Grab a free port, then close it so the connect is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := New(testConfig("connect-only", ""))
	rec := types.ProxyRecord{Address: addr, Scheme: types.SchemeHTTP}

	out := p.Probe(context.Background(), rec)
	if out.Success {
		t.Fatal("probe succeeded against closed port")
	}
	if out.Err != types.ErrorRefused {
		t.Errorf("error kind = %v, want connection_refused", out.Err)
	}
}

// proxyStub acts as a minimal HTTP forward proxy that answers every plain
// GET itself.
func proxyStub(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
}

func TestProbeFullHTTP(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		wantSuccess bool
		wantKind    types.ErrorKind
	}{
		{"204 is reachable", http.StatusNoContent, true, types.ErrorNone},
		{"302 is reachable", http.StatusFound, true, types.ErrorNone},
		{"407 is auth failure", http.StatusProxyAuthRequired, false, types.ErrorAuth},
		{"500 is unexpected", http.StatusInternalServerError, false, types.ErrorUnexpected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := proxyStub(tc.status)
			defer srv.Close()

			p := New(testConfig("full-http", "http://connectivity-check.invalid/generate_204"))
			rec := types.ProxyRecord{
				Address: srv.Listener.Addr().String(),
				Scheme:  types.SchemeHTTP,
			}

			out := p.Probe(context.Background(), rec)
			if out.Success != tc.wantSuccess {
				t.Fatalf("success = %v, want %v (err=%v)", out.Success, tc.wantSuccess, out.Err)
			}
			if !tc.wantSuccess && out.Err != tc.wantKind {
				t.Errorf("error kind = %v, want %v", out.Err, tc.wantKind)
			}
		})
	}
}

func TestProbeTimesOut(t *testing.T) {
	// A listener that accepts and then sits silent forces the HTTP probe
	// into its deadline.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	cfg := testConfig("full-http", "http://connectivity-check.invalid/generate_204")
	cfg.ProbeTimeoutMs = 200
	p := New(cfg)
	rec := types.ProxyRecord{Address: ln.Addr().String(), Scheme: types.SchemeHTTP}

	start := time.Now()
	out := p.Probe(context.Background(), rec)
	if out.Success {
		t.Fatal("probe succeeded against silent listener")
	}
	if out.Err != types.ErrorTimeout {
		t.Errorf("error kind = %v, want timeout", out.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("probe took %v, timeout not enforced", elapsed)
	}
}

func TestTorRunning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	if !TorRunning(addr, time.Second) {
		t.Error("TorRunning = false for live listener")
	}

	ln.Close()
	if TorRunning(addr, 200*time.Millisecond) {
		t.Error("TorRunning = true for closed port")
	}
}
