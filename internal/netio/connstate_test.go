package netio

import (
	"net/netip"
	"testing"
	"time"
)

func testConnState(t *testing.T) *ConnState {
	t.Helper()
	addr := netip.MustParseAddrPort("127.0.0.1:5000")
	return NewConnState(addr, 10*time.Millisecond, time.Second, 64, 0, NewTokenBucketLimiter([priorityCount]ClassWeight{}), NullEncryptor{})
}

func TestConnState_StartsUnknown(t *testing.T) {
	c := testConnState(t)
	if c.CurrentStatus() != ConnUnknown {
		t.Fatalf("expected ConnUnknown, got %v", c.CurrentStatus())
	}
}

func TestConnState_BuildOutgoingGroup_GroupsMultipleUnreliables(t *testing.T) {
	c := testConnState(t)
	c.QueueUnreliable([]byte("one"))
	c.QueueUnreliable([]byte("two"))

	out := c.BuildOutgoingGroup(time.Now())
	if len(out) != 1 {
		t.Fatalf("expected a single grouped packet, got %d packets", len(out))
	}
	items, err := DecodeGrouped(out[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 grouped items, got %d", len(items))
	}
}

func TestConnState_BuildOutgoingGroup_SingleUnreliableIsNotWrapped(t *testing.T) {
	c := testConnState(t)
	c.QueueUnreliable([]byte("solo"))

	out := c.BuildOutgoingGroup(time.Now())
	if len(out) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(out))
	}
	if IsCorePacket(out[0]) {
		t.Fatal("a lone unreliable item should not be grouped-wrapped")
	}
}

func TestConnState_BuildOutgoingGroup_DeniedUnreliableIsRetriedNextTick(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:5000")
	var weights [priorityCount]ClassWeight
	weights[PriorityLow] = ClassWeight{BytesPerSecond: 1, BurstBytes: 1}
	c := NewConnState(addr, 10*time.Millisecond, time.Second, 64, 0, NewTokenBucketLimiter(weights), NullEncryptor{})

	c.QueueUnreliable([]byte("toolongforthebudget"))

	out := c.BuildOutgoingGroup(time.Now())
	if len(out) != 0 {
		t.Fatalf("expected the send to be deferred by the budget check, got %d packets", len(out))
	}

	// Swap in an unconfigured (unlimited) limiter so the next tick has budget.
	c.Bandwidth = NewTokenBucketLimiter([priorityCount]ClassWeight{})

	out = c.BuildOutgoingGroup(time.Now())
	if len(out) != 1 || string(out[0]) != "toolongforthebudget" {
		t.Fatalf("expected the deferred item to be retried and sent next tick, got %v", out)
	}
}

func TestConnState_IdleForTracksLastRecv(t *testing.T) {
	c := testConnState(t)
	now := time.Now()
	c.Touch(now)
	if d := c.IdleFor(now.Add(5 * time.Second)); d != 5*time.Second {
		t.Fatalf("got %v", d)
	}
}

func TestConnState_NoteRetransmitIncrementsAndTouchResets(t *testing.T) {
	c := testConnState(t)
	c.NoteRetransmit()
	if got := c.NoteRetransmit(); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	c.Touch(time.Now())
	if got := c.NoteRetransmit(); got != 1 {
		t.Fatalf("expected counter reset by Touch, got %d", got)
	}
}
