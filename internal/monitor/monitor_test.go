package monitor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/probe"
	"github.com/proxy-rotator/internal/types"
)

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	qc := pool.NewQuarantineController(config.QuarantineConfig{
		FailureThreshold: 3,
		MaxQuarantines:   5,
		CooldownBaseMs:   60000,
		CooldownMaxMs:    1800000,
	}, 0.3)
	return pool.New(qc, nil)
}

func testMonitor(p *pool.Pool, workers int) *Monitor {
	cfg := config.MonitorConfig{
		IntervalSeconds: 30,
		ProbeTimeoutMs:  1000,
		Workers:         workers,
		Mode:            "connect-only",
	}
	return New(p, probe.New(cfg), cfg, nil)
}

// liveListener returns the address of a TCP listener that accepts and
// immediately closes connections.
func liveListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

// deadAddress returns an address with nothing listening on it.
func deadAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestRunCycleUpdatesStatuses(t *testing.T) {
	p := testPool(t)
	live := liveListener(t)
	dead := deadAddress(t)

	if err := p.Register(types.ProxyRecord{Address: live, Scheme: types.SchemeHTTP}); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(types.ProxyRecord{Address: dead, Scheme: types.SchemeHTTP}); err != nil {
		t.Fatal(err)
	}

	m := testMonitor(p, 4)
	m.RunCycle(context.Background())

	liveRec, err := p.Get(live)
	if err != nil {
		t.Fatal(err)
	}
	if liveRec.Status != types.StatusHealthy {
		t.Errorf("live proxy status = %v, want healthy", liveRec.Status)
	}
	if liveRec.LatencyMs <= 0 {
		t.Errorf("live proxy latency = %v, want > 0", liveRec.LatencyMs)
	}

	deadRec, err := p.Get(dead)
	if err != nil {
		t.Fatal(err)
	}
	if deadRec.Status != types.StatusDegraded {
		t.Errorf("dead proxy status = %v, want degraded after first failure", deadRec.Status)
	}
	if deadRec.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", deadRec.ConsecutiveFailures)
	}
}

func TestRunCycleSkipsQuarantinedAndDead(t *testing.T) {
	p := testPool(t)
	future := time.Now().Add(time.Hour)

	if err := p.Register(types.ProxyRecord{
		Address:       "10.0.0.1:8080",
		Scheme:        types.SchemeHTTP,
		Status:        types.StatusQuarantined,
		CooldownUntil: future,
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(types.ProxyRecord{
		Address: "10.0.0.2:8080",
		Scheme:  types.SchemeHTTP,
		Status:  types.StatusDead,
	}); err != nil {
		t.Fatal(err)
	}

	m := testMonitor(p, 4)
	m.RunCycle(context.Background())

	// Neither record was probed, so neither accrued failures against these
	// unroutable addresses.
	for _, addr := range []string{"10.0.0.1:8080", "10.0.0.2:8080"} {
		rec, err := p.Get(addr)
		if err != nil {
			t.Fatal(err)
		}
		if rec.ConsecutiveFailures != 0 {
			t.Errorf("%s accrued %d failures, want 0", addr, rec.ConsecutiveFailures)
		}
	}
}

func TestRunCycleReleasesExpiredQuarantine(t *testing.T) {
	p := testPool(t)
	live := liveListener(t)

	if err := p.Register(types.ProxyRecord{
		Address:         live,
		Scheme:          types.SchemeHTTP,
		Status:          types.StatusQuarantined,
		QuarantineCount: 1,
		CooldownUntil:   time.Now().Add(-time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	m := testMonitor(p, 1)
	m.RunCycle(context.Background())

	// Cooldown expired, so the record was released to degraded and then
	// probed; the live listener recovers it to healthy.
	rec, err := p.Get(live)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusHealthy {
		t.Errorf("status = %v, want healthy after release and successful probe", rec.Status)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	p := testPool(t)
	m := testMonitor(p, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
