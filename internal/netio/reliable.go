package netio

import (
	"sync"
	"time"
)

// seqLess reports whether a precedes b in the modular sequence-number
// space, handling wraparound at 2^32 per spec §4.4.3.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLessEq reports a <= b in the same modular space.
func seqLessEq(a, b uint32) bool {
	return a == b || seqLess(a, b)
}

// inFlightItem is one reliable payload awaiting ACK.
type inFlightItem struct {
	seq      uint32
	payload  []byte
	lastSent time.Time
	sentAt   time.Time // first transmission time, for RTT sampling
}

// ReliableSend is the send-side sliding window for one direction of
// one connection (spec §4.4.3 "Send side"). Sequence numbers are
// assigned only when an item moves from the unsent queue to the
// in-flight window.
type ReliableSend struct {
	mu sync.Mutex

	nextSeq   uint32
	unsent    [][]byte
	inFlight  []*inFlightItem // ordered by seq, oldest first
	rto       *RTTEstimator
	maxUnacked int
}

// NewReliableSend creates a send window. maxUnacked bounds how many
// items may be in flight at once before Flush stops moving more items
// out of the unsent queue (0 means unbounded).
func NewReliableSend(rto *RTTEstimator, maxUnacked int) *ReliableSend {
	return &ReliableSend{rto: rto, maxUnacked: maxUnacked}
}

// Enqueue appends payload to the unsent-reliable queue.
func (s *ReliableSend) Enqueue(payload []byte) {
	s.mu.Lock()
	s.unsent = append(s.unsent, payload)
	s.mu.Unlock()
}

// Pending reports whether there is unsent or unacked data outstanding.
func (s *ReliableSend) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsent) > 0 || len(s.inFlight) > 0
}

// Flush moves as many unsent items as fit under budget bytes into the
// in-flight window, combined into a single reliable-wrapped grouped
// packet per spec §4.4.3, and returns the wire bytes to send (nil if
// nothing to send). now is used to timestamp the new in-flight entry.
func (s *ReliableSend) Flush(now time.Time, budget int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.unsent) == 0 {
		return nil
	}
	if s.maxUnacked > 0 && len(s.inFlight) >= s.maxUnacked {
		return nil
	}

	const headerOverhead = 6 // 0x00 0x03 + 4-byte seq
	remaining := budget - headerOverhead
	if remaining < 0 {
		return nil
	}

	var items [][]byte
	var combined []byte
	used := 0
	for len(s.unsent) > 0 {
		item := s.unsent[0]
		itemCost := len(item)
		switch len(items) {
		case 0:
		case 1:
			// own length prefix, the first item's prefix, and the
			// 2-byte grouped header
			itemCost += 1 + 1 + 2
		default:
			itemCost++ // grouped-item length prefix
		}
		if used+itemCost > remaining {
			break
		}
		if len(items) > 0 && (len(item) > MaxGroupedItemBytes || len(items[0]) > MaxGroupedItemBytes) {
			break // doesn't fit as a grouped sub-item alongside others
		}
		items = append(items, item)
		used += itemCost
		s.unsent = s.unsent[1:]
		if s.maxUnacked > 0 && len(s.inFlight)+1 >= s.maxUnacked {
			break
		}
	}
	if len(items) == 0 {
		return nil
	}

	if len(items) == 1 {
		combined = items[0]
	} else {
		combined = EncodeGrouped(items)
	}

	seq := s.nextSeq
	s.nextSeq++
	s.inFlight = append(s.inFlight, &inFlightItem{
		seq:      seq,
		payload:  combined,
		lastSent: now,
		sentAt:   now,
	})
	return EncodeReliable(seq, combined)
}

// DueRetransmits returns the wire bytes for every in-flight item whose
// last-sent time is older than the current RTO, and marks them
// resent at now.
func (s *ReliableSend) DueRetransmits(now time.Time) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	rto := s.rto.Timeout()
	var out [][]byte
	for _, it := range s.inFlight {
		if now.Sub(it.lastSent) >= rto {
			it.lastSent = now
			out = append(out, EncodeReliable(it.seq, it.payload))
		}
	}
	return out
}

// Ack removes the in-flight item matching seq, if any, and samples its
// RTT. Acks for unknown sequence numbers are ignored (idempotent).
func (s *ReliableSend) Ack(seq uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.inFlight {
		if it.seq == seq {
			s.rto.Sample(now.Sub(it.sentAt))
			s.inFlight = append(s.inFlight[:i], s.inFlight[i+1:]...)
			return
		}
	}
}

// InFlightCount reports how many reliable items are awaiting ACK.
func (s *ReliableSend) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// stashedPacket is a received out-of-order reliable payload awaiting
// delivery once the gap before it closes.
type stashedPacket struct {
	seq     uint32
	payload []byte
}

// ReliableRecv is the receive-side sliding window for one direction of
// one connection (spec §4.4.3 "Receive side").
type ReliableRecv struct {
	mu       sync.Mutex
	expected uint32
	window   int
	stash    map[uint32][]byte
}

// NewReliableRecv creates a receive window expecting sequence 0 first,
// accepting out-of-order packets up to window slots ahead.
func NewReliableRecv(window int) *ReliableRecv {
	return &ReliableRecv{window: window, stash: make(map[uint32][]byte)}
}

// Accept processes one received reliable payload at seq. It returns
// the payloads now ready for in-order delivery to the application
// (possibly more than one, if stashed packets become contiguous), and
// whether the packet warrants an ACK reply. ack is always true: every
// reliable packet is ACKed, whether it is in the window, a duplicate
// of one already delivered, or beyond the window (the last two are
// discarded).
func (r *ReliableRecv) Accept(seq uint32, payload []byte) (deliver [][]byte, ack bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case seq == r.expected:
		deliver = append(deliver, payload)
		r.expected++
		for {
			p, ok := r.stash[r.expected]
			if !ok {
				break
			}
			delete(r.stash, r.expected)
			deliver = append(deliver, p)
			r.expected++
		}
		return deliver, true
	case seqLess(r.expected, seq) && uint32(seq-r.expected) < uint32(r.window):
		r.stash[seq] = payload
		return nil, true
	default:
		// Below expected (duplicate/old) or beyond the window: ACK
		// idempotently, discard the payload.
		return nil, true
	}
}

// Expected returns the next sequence number this side has not yet
// delivered.
func (r *ReliableRecv) Expected() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected
}

// RTTEstimator tracks a smoothed round-trip time and derives an
// adaptive retransmit timeout bounded by [min, max], following the
// classic SRTT/RTTVAR update the teacher's ping/lag tracking inspired
// (spec §4.4.3, §4.4.10).
type RTTEstimator struct {
	mu       sync.Mutex
	srtt     time.Duration
	rttvar   time.Duration
	min, max time.Duration
	init     bool
}

// NewRTTEstimator creates an estimator whose timeout never leaves
// [min, max].
func NewRTTEstimator(min, max time.Duration) *RTTEstimator {
	return &RTTEstimator{min: min, max: max}
}

// Sample folds one new RTT observation into the estimate (RFC 6298
// style).
func (e *RTTEstimator) Sample(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.init {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.init = true
		return
	}
	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = (3*e.rttvar + diff) / 4
	e.srtt = (7*e.srtt + rtt) / 8
}

// Timeout returns the current retransmit timeout, clamped to
// [min, max].
func (e *RTTEstimator) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.init {
		return e.min
	}
	rto := e.srtt + 4*e.rttvar
	if rto < e.min {
		return e.min
	}
	if rto > e.max {
		return e.max
	}
	return rto
}
