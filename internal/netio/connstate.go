package netio

import (
	"net/netip"
	"sync"
	"time"
)

// ConnStatus is the per-connection state machine from spec §4.4.9.
type ConnStatus int

const (
	ConnUnknown ConnStatus = iota
	ConnKeyExchange
	ConnEstablished
	ConnDisconnecting
	ConnDead
)

func (s ConnStatus) String() string {
	switch s {
	case ConnUnknown:
		return "Unknown"
	case ConnKeyExchange:
		return "KeyExchange"
	case ConnEstablished:
		return "Established"
	case ConnDisconnecting:
		return "Disconnecting"
	case ConnDead:
		return "Dead"
	default:
		return "Invalid"
	}
}

// ConnState is everything the network engine tracks for one remote
// endpoint (spec §3 ConnectionState): reliable send/recv windows in
// both directions, a big-data assembler, an optional sized-data
// stream, bandwidth budget, encryption, and lag stats. One
// sync.Mutex guards the fields mutated by both the receive and send
// workers; it is held only during send-queue drain and receive
// handling, never across a call into application code, per spec §5.
type ConnState struct {
	mu sync.Mutex

	Addr   netip.AddrPort
	Status ConnStatus

	Send        *ReliableSend
	Recv        *ReliableRecv
	BigData     *BigDataAssembler
	SizedStream *SizedStream

	Bandwidth BandwidthLimiterProvider
	Enc       Encryptor
	Lag       *LagTracker

	LastRecv time.Time

	unreliableQueue [][]byte
	consecutiveRTO  int
}

// NewConnState creates a connection in ConnUnknown, ready to receive a
// 0x01 conn-init.
func NewConnState(addr netip.AddrPort, rtoMin, rtoMax time.Duration, recvWindow int, maxUnacked int, bw BandwidthLimiterProvider, enc Encryptor) *ConnState {
	return &ConnState{
		Addr:      addr,
		Status:    ConnUnknown,
		Send:      NewReliableSend(NewRTTEstimator(rtoMin, rtoMax), maxUnacked),
		Recv:      NewReliableRecv(recvWindow),
		BigData:   NewBigDataAssembler(256 * 1024),
		Bandwidth: bw,
		Enc:       enc,
		Lag:       NewLagTracker(),
	}
}

// QueueUnreliable appends an unreliable payload destined for this
// connection's next grouped-send flush.
func (c *ConnState) QueueUnreliable(payload []byte) {
	c.mu.Lock()
	c.unreliableQueue = append(c.unreliableQueue, payload)
	c.mu.Unlock()
}

// DrainUnreliable empties and returns the unreliable queue.
func (c *ConnState) DrainUnreliable() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unreliableQueue) == 0 {
		return nil
	}
	out := c.unreliableQueue
	c.unreliableQueue = nil
	return out
}

// Touch records that a packet was just received from this connection.
func (c *ConnState) Touch(now time.Time) {
	c.mu.Lock()
	c.LastRecv = now
	c.consecutiveRTO = 0
	c.mu.Unlock()
}

// IdleFor reports how long it has been since the last received
// packet.
func (c *ConnState) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.LastRecv)
}

// NoteRetransmit increments the consecutive-retransmit counter (spec
// §4.4.9: a threshold here forces Disconnecting) and returns the new
// count.
func (c *ConnState) NoteRetransmit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveRTO++
	return c.consecutiveRTO
}

// SetStatus transitions the connection's state machine.
func (c *ConnState) SetStatus(s ConnStatus) {
	c.mu.Lock()
	c.Status = s
	c.mu.Unlock()
}

// CurrentStatus returns the connection's current state.
func (c *ConnState) CurrentStatus() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status
}

// admit reports whether n bytes in priority class p may go out this
// tick, per spec §4.4.7's budget check, and reserves the budget if so.
// A connection with no Bandwidth provider wired is never throttled.
func (c *ConnState) admit(p Priority, n int) bool {
	if c.Bandwidth == nil {
		return true
	}
	if !c.Bandwidth.CanSend(p, n) {
		return false
	}
	c.Bandwidth.Reserve(p, n)
	return true
}

// BuildOutgoingGroup combines every ready unreliable item plus any due
// reliable retransmits/new-flush packets into a single flush for this
// tick, grouping where it fits under MaxPacketBytes per spec §4.4.6.
// Every candidate packet is checked against c.Bandwidth before being
// admitted (spec §4.4.7); unreliable items that fail the check are
// left queued for the next tick's attempt rather than dropped. It
// returns the raw wire packets to hand to the send worker (already
// individually within size limits; the send worker still runs them
// through encryption before writing to the socket).
func (c *ConnState) BuildOutgoingGroup(now time.Time) [][]byte {
	var out [][]byte

	if c.Bandwidth != nil {
		c.Bandwidth.Tick()
	}

	if reliable := c.Send.Flush(now, MaxPacketBytes); reliable != nil {
		if c.admit(PriorityDefault, len(reliable)) {
			out = append(out, reliable)
		}
	}
	for _, pkt := range c.Send.DueRetransmits(now) {
		if c.admit(PriorityHigh, len(pkt)) {
			out = append(out, pkt)
		}
	}

	unreliable := c.DrainUnreliable()
	if len(unreliable) == 0 {
		return out
	}

	var admitted, deferred [][]byte
	for _, item := range unreliable {
		if c.admit(PriorityLow, len(item)) {
			admitted = append(admitted, item)
		} else {
			deferred = append(deferred, item)
		}
	}
	if len(deferred) > 0 {
		c.requeueUnreliable(deferred)
	}
	if len(admitted) == 0 {
		return out
	}
	if len(admitted) == 1 {
		out = append(out, admitted[0])
		return out
	}

	var group [][]byte
	size := 2
	for _, item := range admitted {
		cost := len(item) + 1
		if size+cost > MaxPacketBytes || len(item) > MaxGroupedItemBytes {
			if len(group) > 0 {
				out = append(out, EncodeGrouped(group))
				group = nil
				size = 2
			}
			if len(item) > MaxGroupedItemBytes {
				out = append(out, item)
				continue
			}
		}
		group = append(group, item)
		size += cost
	}
	if len(group) > 0 {
		out = append(out, EncodeGrouped(group))
	}
	return out
}

// requeueUnreliable puts back items that failed the bandwidth check
// this tick, ahead of anything queued in the meantime, so
// BuildOutgoingGroup offers them again next tick.
func (c *ConnState) requeueUnreliable(items [][]byte) {
	c.mu.Lock()
	c.unreliableQueue = append(items, c.unreliableQueue...)
	c.mu.Unlock()
}
