package netio

import (
	"sync"
	"time"
)

const lagHistogramSize = 64

// lagHistogram is a small fixed-size ring buffer of recent RTT
// samples, grounded on the teacher's ping/lag tracking concept
// generalized into a reusable rolling stat (spec §4.4.10).
type lagHistogram struct {
	mu      sync.Mutex
	samples [lagHistogramSize]time.Duration
	count   int
	next    int
}

func (h *lagHistogram) add(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = d
	h.next = (h.next + 1) % lagHistogramSize
	if h.count < lagHistogramSize {
		h.count++
	}
}

func (h *lagHistogram) stats() (avg, min, max time.Duration, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0, 0, 0, 0
	}
	var total time.Duration
	min, max = h.samples[0], h.samples[0]
	for i := 0; i < h.count; i++ {
		d := h.samples[i]
		total += d
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return total / time.Duration(h.count), min, max, h.count
}

// LagStats summarizes one rolling histogram's contents.
type LagStats struct {
	Avg, Min, Max time.Duration
	Samples       int
}

// ILagCollect is implemented by the connection state that owns the
// raw RTT observations, per spec §4.4.10.
type ILagCollect interface {
	RecordClientRTT(d time.Duration)
	RecordReliableRTT(d time.Duration)
}

// ILagQuery is the read side other modules consume.
type ILagQuery interface {
	ClientRTT() LagStats
	ReliableRTT() LagStats
}

// LagTracker implements both ILagCollect and ILagQuery for one
// connection: client<->server RTT sampled from the 0x05/0x06 sync
// exchange, and reliable-RTT sampled from the span between sending a
// reliable payload and receiving its ACK.
type LagTracker struct {
	clientHist    lagHistogram
	reliableHist  lagHistogram
}

// NewLagTracker creates an empty tracker.
func NewLagTracker() *LagTracker {
	return &LagTracker{}
}

func (t *LagTracker) RecordClientRTT(d time.Duration)   { t.clientHist.add(d) }
func (t *LagTracker) RecordReliableRTT(d time.Duration) { t.reliableHist.add(d) }

func (t *LagTracker) ClientRTT() LagStats {
	avg, min, max, n := t.clientHist.stats()
	return LagStats{Avg: avg, Min: min, Max: max, Samples: n}
}

func (t *LagTracker) ReliableRTT() LagStats {
	avg, min, max, n := t.reliableHist.stats()
	return LagStats{Avg: avg, Min: min, Max: max, Samples: n}
}
