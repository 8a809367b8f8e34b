package pool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/types"
)

func waitCooldown(t *testing.T, rec types.ProxyRecord) {
	t.Helper()
	for !time.Now().After(rec.CooldownUntil) {
		time.Sleep(time.Millisecond)
	}
}

func testPool() *Pool {
	return New(testController(), nil)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	p := testPool()

	rec := types.ProxyRecord{Address: "10.0.0.1:8080", Scheme: types.SchemeHTTP}
	if err := p.Register(rec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := p.Register(rec); !errors.Is(err, types.ErrDuplicateAddress) {
		t.Errorf("second Register = %v, want ErrDuplicateAddress", err)
	}
	if p.Len() != 1 {
		t.Errorf("pool size = %d, want 1", p.Len())
	}
}

func TestRegisterDefaultsToUntested(t *testing.T) {
	p := testPool()

	if err := p.Register(types.ProxyRecord{Address: "10.0.0.1:8080", Scheme: types.SchemeHTTP}); err != nil {
		t.Fatal(err)
	}

	rec, err := p.Get("10.0.0.1:8080")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.StatusUntested {
		t.Errorf("status = %v, want untested", rec.Status)
	}
}

func TestApplyOutcomeUnknownAddress(t *testing.T) {
	p := testPool()

	err := p.ApplyOutcome("1.2.3.4:80", types.Outcome{Success: true})
	if !errors.Is(err, types.ErrUnknownProxy) {
		t.Errorf("ApplyOutcome = %v, want ErrUnknownProxy", err)
	}
}

func TestRemove(t *testing.T) {
	p := testPool()
	p.Register(types.ProxyRecord{Address: "10.0.0.1:8080", Scheme: types.SchemeHTTP})

	if err := p.Remove("10.0.0.1:8080"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := p.Remove("10.0.0.1:8080"); !errors.Is(err, types.ErrUnknownProxy) {
		t.Errorf("second Remove = %v, want ErrUnknownProxy", err)
	}

	// Removed address can be re-registered fresh.
	if err := p.Register(types.ProxyRecord{Address: "10.0.0.1:8080", Scheme: types.SchemeHTTP}); err != nil {
		t.Errorf("re-Register after Remove: %v", err)
	}
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	p := testPool()
	for _, addr := range []string{"10.0.0.3:80", "10.0.0.1:80", "10.0.0.2:80"} {
		p.Register(types.ProxyRecord{Address: addr, Scheme: types.SchemeHTTP})
	}

	snap := p.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Address >= snap[i].Address {
			t.Errorf("snapshot not sorted: %s >= %s", snap[i-1].Address, snap[i].Address)
		}
	}

	// Mutating the snapshot must not leak into the pool.
	snap[0].Status = types.StatusDead
	rec, _ := p.Get(snap[0].Address)
	if rec.Status == types.StatusDead {
		t.Error("snapshot mutation leaked into pool")
	}
}

func TestRestorePreservesState(t *testing.T) {
	p := testPool()

	restored := p.Restore([]types.ProxyRecord{
		{Address: "10.0.0.1:80", Scheme: types.SchemeHTTP, Status: types.StatusDead, QuarantineCount: 5},
		{Address: "10.0.0.2:80", Scheme: types.SchemeHTTP, Status: types.StatusHealthy, LatencyMs: 42},
		{Address: ""},
	})
	if restored != 2 {
		t.Errorf("restored = %d, want 2", restored)
	}

	dead, _ := p.Get("10.0.0.1:80")
	if dead.Status != types.StatusDead || dead.QuarantineCount != 5 {
		t.Errorf("dead record not preserved: %+v", dead)
	}
	healthy, _ := p.Get("10.0.0.2:80")
	if healthy.LatencyMs != 42 {
		t.Errorf("latency not preserved: %v", healthy.LatencyMs)
	}
}

func TestEventsPublishedOnTransition(t *testing.T) {
	p := testPool()
	p.Register(types.ProxyRecord{Address: "10.0.0.1:80", Scheme: types.SchemeHTTP})

	if err := p.ApplyOutcome("10.0.0.1:80", types.Outcome{Success: true, LatencyMs: 10}); err != nil {
		t.Fatal(err)
	}

	select {
	case tr := <-p.Events():
		if tr.From != types.StatusUntested || tr.To != types.StatusHealthy {
			t.Errorf("event = %v -> %v, want untested -> healthy", tr.From, tr.To)
		}
		if tr.Address != "10.0.0.1:80" || tr.At.IsZero() {
			t.Errorf("event missing address or timestamp: %+v", tr)
		}
	default:
		t.Fatal("no transition event published")
	}
}

func TestConcurrentOutcomesSameAddress(t *testing.T) {
	p := testPool()
	p.Register(types.ProxyRecord{Address: "10.0.0.1:80", Scheme: types.SchemeHTTP})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := types.Outcome{Success: i%2 == 0, LatencyMs: 50}
			if !out.Success {
				out.Err = types.ErrorTimeout
			}
			p.ApplyOutcome("10.0.0.1:80", out)
		}(i)
	}
	wg.Wait()

	rec, err := p.Get("10.0.0.1:80")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ConsecutiveFailures != 0 && rec.ConsecutiveSuccesses != 0 {
		t.Errorf("both counters non-zero after concurrent outcomes: failures=%d successes=%d",
			rec.ConsecutiveFailures, rec.ConsecutiveSuccesses)
	}
	switch rec.Status {
	case types.StatusHealthy, types.StatusDegraded, types.StatusQuarantined, types.StatusDead:
	default:
		t.Errorf("invalid status after concurrent outcomes: %v", rec.Status)
	}
}

func TestConcurrentOutcomesAcrossAddresses(t *testing.T) {
	p := testPool()
	addrs := []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80"}
	for _, addr := range addrs {
		p.Register(types.ProxyRecord{Address: addr, Scheme: types.SchemeHTTP})
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		for _, addr := range addrs {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				p.ApplyOutcome(addr, types.Outcome{Success: true, LatencyMs: 20})
			}(addr)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Snapshot()
		}()
	}
	wg.Wait()

	for _, addr := range addrs {
		rec, err := p.Get(addr)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != types.StatusHealthy {
			t.Errorf("%s status = %v, want healthy", addr, rec.Status)
		}
		if rec.ConsecutiveSuccesses != 100 {
			t.Errorf("%s consecutive_successes = %d, want 100", addr, rec.ConsecutiveSuccesses)
		}
	}
}

func TestReleaseExpired(t *testing.T) {
	qc := NewQuarantineController(config.QuarantineConfig{
		FailureThreshold: 3,
		MaxQuarantines:   5,
		CooldownBaseMs:   1, // expires effectively immediately
		CooldownMaxMs:    1,
	}, 0.5)
	p := New(qc, nil)
	p.Register(types.ProxyRecord{Address: "10.0.0.1:80", Scheme: types.SchemeHTTP, Status: types.StatusHealthy})

	for i := 0; i < 3; i++ {
		p.ApplyOutcome("10.0.0.1:80", types.Outcome{Err: types.ErrorTimeout})
	}
	rec, _ := p.Get("10.0.0.1:80")
	if rec.Status != types.StatusQuarantined {
		t.Fatalf("setup: status = %v, want quarantined", rec.Status)
	}

	waitCooldown(t, rec)

	released := p.ReleaseExpired()
	if len(released) != 1 {
		t.Fatalf("released %d records, want 1", len(released))
	}
	rec, _ = p.Get("10.0.0.1:80")
	if rec.Status != types.StatusDegraded {
		t.Errorf("status = %v, want degraded after release", rec.Status)
	}
}

func TestCountByStatus(t *testing.T) {
	p := testPool()
	p.Register(types.ProxyRecord{Address: "10.0.0.1:80", Scheme: types.SchemeHTTP, Status: types.StatusHealthy})
	p.Register(types.ProxyRecord{Address: "10.0.0.2:80", Scheme: types.SchemeHTTP, Status: types.StatusHealthy})
	p.Register(types.ProxyRecord{Address: "10.0.0.3:80", Scheme: types.SchemeHTTP, Status: types.StatusDead})

	counts := p.CountByStatus()
	if counts[types.StatusHealthy] != 2 || counts[types.StatusDead] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
