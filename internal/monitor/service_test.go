package monitor

import (
	"testing"
	"time"
)

func TestNormalizeSortBy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"", "cpu"},
		{"cpu", "cpu"},
		{" CPU ", "cpu"},
		{"memory", "memory"},
		{"Memory", "memory"},
		{"disk", "cpu"},
	}
	for _, c := range cases {
		if got := normalizeSortBy(c.in); got != c.want {
			t.Fatalf("normalizeSortBy(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSelectTopProcesses(t *testing.T) {
	t.Parallel()
	metrics := []processWithMetrics{
		{pid: 10, name: "sqlited", cpuPercent: 5, memoryBytes: 900},
		{pid: 11, name: "", cpuPercent: 40, memoryBytes: 100},
		{pid: 12, name: "assistant", cpuPercent: 25, memoryBytes: 500},
	}

	byCPU := selectTopProcesses(metrics, "cpu", 2)
	if len(byCPU) != 2 {
		t.Fatalf("byCPU len = %d", len(byCPU))
	}
	if byCPU[0].PID != 11 || byCPU[1].PID != 12 {
		t.Fatalf("byCPU order = [%d,%d]", byCPU[0].PID, byCPU[1].PID)
	}
	if byCPU[0].Name != "[11]" {
		t.Fatalf("blank process name not replaced: %q", byCPU[0].Name)
	}

	byMem := selectTopProcesses(metrics, "memory", 2)
	if byMem[0].PID != 10 || byMem[1].PID != 12 {
		t.Fatalf("byMem order = [%d,%d]", byMem[0].PID, byMem[1].PID)
	}

	if got := selectTopProcesses(nil, "cpu", 2); len(got) != 0 {
		t.Fatalf("empty metrics produced %d entries", len(got))
	}
}

func TestNetRatesWindowedAverage(t *testing.T) {
	t.Parallel()
	r := newNetRates(6 * time.Second)
	now := time.Now()

	// Outside the window; must not influence the rate.
	r.Observe(0, 0, now.Add(-10*time.Second))

	// +200 bytes each way over 2s => 100 B/s.
	r.Observe(1000, 500, now.Add(-2*time.Second))
	r.Observe(1200, 700, now)

	recv, sent := r.Rates(now)
	if recv < 99 || recv > 101 {
		t.Fatalf("recv rate = %v, want ~100", recv)
	}
	if sent < 99 || sent > 101 {
		t.Fatalf("sent rate = %v, want ~100", sent)
	}

	recv2, sent2 := r.Rates(now)
	if recv2 != recv || sent2 != sent {
		t.Fatalf("rates not stable across calls: (%v,%v) vs (%v,%v)", recv2, sent2, recv, sent)
	}
}

func TestNetRatesCounterReset(t *testing.T) {
	t.Parallel()
	r := newNetRates(6 * time.Second)
	now := time.Now()

	r.Observe(5000, 5000, now.Add(-2*time.Second))
	r.Observe(100, 100, now)

	if recv, sent := r.Rates(now); recv != 0 || sent != 0 {
		t.Fatalf("reset counters produced rates (%v,%v)", recv, sent)
	}
}

func TestNetRatesNeedsTwoSamples(t *testing.T) {
	t.Parallel()
	r := newNetRates(6 * time.Second)
	now := time.Now()

	if recv, sent := r.Rates(now); recv != 0 || sent != 0 {
		t.Fatal("empty tracker produced rates")
	}
	r.Observe(1000, 1000, now)
	if recv, sent := r.Rates(now); recv != 0 || sent != 0 {
		t.Fatal("single sample produced rates")
	}
}
