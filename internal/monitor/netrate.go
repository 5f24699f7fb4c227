package monitor

import (
	"sync"
	"time"
)

type netSample struct {
	recv uint64
	sent uint64
	at   time.Time
}

// netRates derives receive/send throughput from cumulative interface
// counters by comparing the oldest and newest samples inside a sliding
// window.
type netRates struct {
	mu      sync.Mutex
	window  time.Duration
	samples []netSample
}

func newNetRates(window time.Duration) *netRates {
	if window <= 0 {
		window = 6 * time.Second
	}
	return &netRates{window: window}
}

func (r *netRates) Observe(recv, sent uint64, at time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, netSample{recv: recv, sent: sent, at: at})
	cutoff := at.Add(-r.window)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	r.samples = r.samples[i:]
}

// Rates returns bytes per second over the window, or zeros when fewer than
// two samples are in the window or the counters went backwards (interface
// reset).
func (r *netRates) Rates(now time.Time) (recvPerSec, sentPerSec float64) {
	if r == nil {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	first := -1
	for i, s := range r.samples {
		if !s.at.Before(cutoff) {
			first = i
			break
		}
	}
	if first < 0 || len(r.samples)-first < 2 {
		return 0, 0
	}

	oldest := r.samples[first]
	newest := r.samples[len(r.samples)-1]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 || newest.recv < oldest.recv || newest.sent < oldest.sent {
		return 0, 0
	}
	return float64(newest.recv-oldest.recv) / dt, float64(newest.sent-oldest.sent) / dt
}
