package netio

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mainloop"
)

func testListener(t *testing.T) (*Listener, *mainloop.Mainloop) {
	t.Helper()
	ml := mainloop.New(zap.NewNop(), nil)
	cfg := ListenerConfig{
		RecvWindow:     64,
		MaxUnacked:     16,
		RTOMin:         10 * time.Millisecond,
		RTOMax:         time.Second,
		NoDataTimeout:  5 * time.Second,
		MaxRetransmits: 5,
	}
	l, err := NewListener(netip.MustParseAddrPort("127.0.0.1:0"), cfg, ml, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	return l, ml
}

func runMainloop(t *testing.T, ml *mainloop.Mainloop) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go ml.Run(ctx)
	return cancel
}

func dialTo(t *testing.T, addr net.Addr) *net.UDPConn {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn.(*net.UDPConn)
}

func TestListener_ConnInitEstablishesConnection(t *testing.T) {
	l, ml := testListener(t)
	defer runMainloop(t, ml)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client := dialTo(t, l.LocalAddr())
	defer client.Close()

	var established sync.WaitGroup
	established.Add(1)
	l.OnEstablished(func(c *ConnState) { established.Done() })

	if _, err := client.Write([]byte{0x00, CoreConnInit}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("expected conn-init response: %v", err)
	}
	if n != 2 || buf[1] != CoreConnInitResponse {
		t.Fatalf("unexpected response %v", buf[:n])
	}

	if _, err := client.Write([]byte{0x00, CoreSyncRequest}); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("expected sync response: %v", err)
	}
	if n != 2 || buf[1] != CoreSyncResponse {
		t.Fatalf("unexpected sync response %v", buf[:n])
	}

	done := make(chan struct{})
	go func() { established.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnEstablished callback")
	}
}

func TestListener_RawPacketDispatchedToHandler(t *testing.T) {
	l, ml := testListener(t)
	defer runMainloop(t, ml)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client := dialTo(t, l.LocalAddr())
	defer client.Close()

	received := make(chan []byte, 1)
	l.OnRaw(func(c *ConnState, payload []byte) {
		cp := append([]byte(nil), payload...)
		received <- cp
	})

	client.Write([]byte{0x00, CoreConnInit})
	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	client.Read(buf)

	raw := []byte{0x42, 0x01, 0x02, 0x03}
	client.Write(raw)

	select {
	case got := <-received:
		if string(got) != string(raw) {
			t.Fatalf("got %v want %v", got, raw)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for raw packet dispatch")
	}
}

func TestListener_ReliableDeliversInOrderAndAcks(t *testing.T) {
	l, ml := testListener(t)
	defer runMainloop(t, ml)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client := dialTo(t, l.LocalAddr())
	defer client.Close()

	var mu sync.Mutex
	var delivered [][]byte
	l.OnRaw(func(c *ConnState, payload []byte) {
		mu.Lock()
		delivered = append(delivered, append([]byte(nil), payload...))
		mu.Unlock()
	})

	client.Write([]byte{0x00, CoreConnInit})
	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	client.Read(buf)

	client.Write(EncodeReliable(1, []byte("first")))
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("expected ack: %v", err)
	}
	seq, err := DecodeReliableACK(buf[:n])
	if err != nil || seq != 1 {
		t.Fatalf("bad ack: seq=%d err=%v", seq, err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || string(delivered[0]) != "first" {
		t.Fatalf("unexpected delivered payloads: %v", delivered)
	}
}

func TestListener_ReliableGroupedPayloadDispatchedAsIndividualItems(t *testing.T) {
	l, ml := testListener(t)
	defer runMainloop(t, ml)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client := dialTo(t, l.LocalAddr())
	defer client.Close()

	var mu sync.Mutex
	var delivered [][]byte
	l.OnRaw(func(c *ConnState, payload []byte) {
		mu.Lock()
		delivered = append(delivered, append([]byte(nil), payload...))
		mu.Unlock()
	})

	client.Write([]byte{0x00, CoreConnInit})
	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	client.Read(buf)

	// A reliable envelope wrapping a CoreGrouped blob is exactly what
	// ReliableSend.Flush produces whenever more than one queued item
	// fits the budget (the routine batching path, not an edge case).
	grouped := EncodeGrouped([][]byte{[]byte("alpha"), []byte("beta")})
	client.Write(EncodeReliable(1, grouped))
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("expected ack: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 || string(delivered[0]) != "alpha" || string(delivered[1]) != "beta" {
		t.Fatalf("unexpected delivered payloads: %v", delivered)
	}
}

func TestListener_SweepIdleDisconnectsStaleConnection(t *testing.T) {
	l, ml := testListener(t)
	l.cfg.NoDataTimeout = 10 * time.Millisecond
	defer runMainloop(t, ml)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client := dialTo(t, l.LocalAddr())
	defer client.Close()

	client.Write([]byte{0x00, CoreConnInit})
	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	client.Read(buf)

	time.Sleep(20 * time.Millisecond)
	l.SweepIdle(time.Now())

	addr := netip.MustParseAddrPort(client.LocalAddr().String())
	c := l.Conn(addr)
	if c == nil {
		t.Fatal("expected connection to still be tracked after first sweep")
	}
	if c.CurrentStatus() != ConnDisconnecting {
		t.Fatalf("expected Disconnecting, got %v", c.CurrentStatus())
	}

	l.SweepIdle(time.Now())
	if l.Conn(addr) != nil {
		t.Fatal("expected connection to be removed after second sweep")
	}
}
