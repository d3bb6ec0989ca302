package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mainloop"
)

// ListenerConfig bundles the per-connection parameters the spec names
// under [Net] (spec §6).
type ListenerConfig struct {
	RecvWindow    int
	MaxUnacked    int
	RTOMin, RTOMax time.Duration
	NoDataTimeout time.Duration
	MaxRetransmits int
}

// RawPacketHandler processes a non-core (raw game) packet payload for
// an established connection. It always runs on the mainloop goroutine
// — the receive worker only decodes and enqueues.
type RawPacketHandler func(conn *ConnState, payload []byte)

// ConnEstablishedHandler is called once, on the mainloop goroutine,
// the moment a connection's state machine reaches Established (spec
// §4.4.9: "spawn Player via ... AppendConnectionInitHandler chain").
// Handlers run in registration order; this mirrors a broker advisor
// chain but is kept as a plain slice here since the network engine is
// constructed once at startup, before any arena broker exists.
type ConnEstablishedHandler func(conn *ConnState)

// Listener owns one UDP socket and every ConnState it has ever seen
// packets from. Receive workers decode datagrams concurrently; a
// single reliable-dispatch per-connection path then hands ordered
// application payloads to the mainloop via QueueNetEvent, matching
// spec §4.4.1's worker split and grounded on the receive-loop shape of
// the retrieval pack's UDP listeners (ReadFromUDPAddrPort in a tight
// loop, feeding a mutex-guarded connection table) combined with the
// teacher's own session/cipher separation.
type Listener struct {
	conn *net.UDPConn
	cfg  ListenerConfig
	ml   *mainloop.Mainloop
	log  *zap.Logger
	enc  *EncryptorRegistry

	mu    sync.RWMutex
	conns map[netip.AddrPort]*ConnState

	onEstablished []ConnEstablishedHandler
	onRaw         RawPacketHandler

	bwFactory func() BandwidthLimiterProvider
}

// NewListener binds a UDP socket at bindAddr and wraps it for serving.
func NewListener(bindAddr netip.AddrPort, cfg ListenerConfig, ml *mainloop.Mainloop, enc *EncryptorRegistry, bwFactory func() BandwidthLimiterProvider, log *zap.Logger) (*Listener, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(bindAddr))
	if err != nil {
		return nil, fmt.Errorf("netio: listen %s: %w", bindAddr, err)
	}
	return &Listener{
		conn:      conn,
		cfg:       cfg,
		ml:        ml,
		log:       log,
		enc:       enc,
		conns:     make(map[netip.AddrPort]*ConnState),
		bwFactory: bwFactory,
	}, nil
}

// OnEstablished registers a handler to run whenever a connection
// reaches Established.
func (l *Listener) OnEstablished(h ConnEstablishedHandler) {
	l.onEstablished = append(l.onEstablished, h)
}

// OnRaw sets the handler for decoded raw (non-core) game packets.
func (l *Listener) OnRaw(h RawPacketHandler) {
	l.onRaw = h
}

// LocalAddr returns the bound socket address.
func (l *Listener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Conn returns the tracked ConnState for addr, if any.
func (l *Listener) Conn(addr netip.AddrPort) *ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conns[addr]
}

// Conns returns a snapshot of every tracked connection.
func (l *Listener) Conns() []*ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ConnState, 0, len(l.conns))
	for _, c := range l.conns {
		out = append(out, c)
	}
	return out
}

// Serve runs the receive loop until ctx is cancelled or the socket
// errors. Call it from a dedicated goroutine (or several, to form the
// "fixed pool of receive workers" spec §4.4.1 calls for — each
// additional goroutine calling Serve on the same *net.UDPConn is safe
// since UDP reads are independent datagrams).
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("netio: read: %w", err)
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.handleDatagram(addr, payload)
	}
}

func (l *Listener) handleDatagram(addr netip.AddrPort, data []byte) {
	now := time.Now()

	if IsCorePacket(data) && CoreSubType(data) == CoreConnInit {
		l.handleConnInit(addr, data, now)
		return
	}

	c := l.Conn(addr)
	if c == nil {
		l.log.Debug("netio: datagram from unknown connection dropped", zap.Stringer("addr", addr))
		return
	}
	c.Touch(now)

	if c.Enc != nil {
		c.Enc.Decrypt(data)
	}

	if !IsCorePacket(data) {
		if l.onRaw != nil {
			l.ml.QueueNetEvent(func() { l.onRaw(c, data) })
		}
		return
	}

	l.handleCore(c, data, now)
}

func (l *Listener) handleConnInit(addr netip.AddrPort, data []byte, now time.Time) {
	enc := l.selectEncryptor(data)

	l.mu.Lock()
	c, exists := l.conns[addr]
	if !exists {
		var bw BandwidthLimiterProvider
		if l.bwFactory != nil {
			bw = l.bwFactory()
		}
		c = NewConnState(addr, l.cfg.RTOMin, l.cfg.RTOMax, l.cfg.RecvWindow, l.cfg.MaxUnacked, bw, enc)
		c.Status = ConnKeyExchange
		l.conns[addr] = c
	}
	l.mu.Unlock()
	c.Touch(now)

	resp := []byte{0x00, CoreConnInitResponse}
	l.writeRaw(addr, resp)
}

// selectEncryptor parses the conn-init payload's proposed encryptor
// name and key ([1-byte name length][name][32-byte key], after the
// 2-byte core header) and builds it via the registry, falling back to
// NullEncryptor on any malformed or unrecognized proposal.
func (l *Listener) selectEncryptor(data []byte) Encryptor {
	if l.enc == nil {
		return NullEncryptor{}
	}
	body := data[2:]
	if len(body) < 1 {
		return NullEncryptor{}
	}
	nameLen := int(body[0])
	if len(body) < 1+nameLen+32 {
		return NullEncryptor{}
	}
	name := string(body[1 : 1+nameLen])
	if name == "" || name == "none" {
		return NullEncryptor{}
	}
	var key [32]byte
	copy(key[:], body[1+nameLen:1+nameLen+32])
	built, err := l.enc.Build(name, key)
	if err != nil {
		l.log.Debug("netio: unknown encryptor proposed, falling back to none", zap.String("name", name), zap.Error(err))
		return NullEncryptor{}
	}
	return built
}

func (l *Listener) handleCore(c *ConnState, data []byte, now time.Time) {
	sub := CoreSubType(data)

	wasEstablished := c.CurrentStatus() == ConnEstablished
	if !wasEstablished && c.CurrentStatus() == ConnKeyExchange {
		c.SetStatus(ConnEstablished)
		for _, h := range l.onEstablished {
			handler := h
			conn := c
			l.ml.QueueNetEvent(func() { handler(conn) })
		}
	}

	switch sub {
	case CoreReliable:
		seq, payload, err := DecodeReliable(data)
		if err != nil {
			return
		}
		deliver, shouldAck := c.Recv.Accept(seq, payload)
		if shouldAck {
			l.writeRaw(c.Addr, EncodeReliableACK(seq))
		}
		for _, p := range deliver {
			l.dispatchReliablePayload(c, p)
		}
	case CoreReliableACK:
		seq, err := DecodeReliableACK(data)
		if err != nil {
			return
		}
		c.Send.Ack(seq, now)
	case CoreSyncRequest:
		l.writeRaw(c.Addr, []byte{0x00, CoreSyncResponse})
	case CoreDisconnect:
		c.SetStatus(ConnDisconnecting)
	case CoreCancelSizedData:
		if c.SizedStream != nil {
			c.SizedStream.Cancel()
			l.writeRaw(c.Addr, []byte{0x00, CoreCancelSizedDataAck})
		}
	case CoreGrouped:
		items, err := DecodeGrouped(data)
		if err != nil {
			return
		}
		for _, item := range items {
			l.handleDatagram(c.Addr, item)
		}
	}
}

// dispatchReliablePayload hands one fully-ordered reliable payload
// to the mainloop. Big-data chunks (spec §4.4.4, always carried inside
// a reliable envelope) are intercepted here; everything else is a raw
// application payload.
func (l *Listener) dispatchReliablePayload(c *ConnState, payload []byte) {
	if IsCorePacket(payload) {
		switch CoreSubType(payload) {
		case CoreBigDataChunk:
			if chunk, err := DecodeBigDataChunk(payload); err == nil {
				c.BigData.Chunk(chunk)
			}
			return
		case CoreBigDataTail:
			if chunk, err := DecodeBigDataChunk(payload); err == nil {
				if full := c.BigData.Tail(chunk); full != nil && l.onRaw != nil {
					l.ml.QueueNetEvent(func() { l.onRaw(c, full) })
				}
			}
			return
		case CoreGrouped:
			items, err := DecodeGrouped(payload)
			if err != nil {
				return
			}
			for _, item := range items {
				l.dispatchReliablePayload(c, item)
			}
			return
		}
	}
	if l.onRaw != nil {
		l.ml.QueueNetEvent(func() { l.onRaw(c, payload) })
	}
}

func (l *Listener) writeRaw(addr netip.AddrPort, data []byte) {
	if _, err := l.conn.WriteToUDPAddrPort(data, addr); err != nil {
		l.log.Debug("netio: write failed", zap.Stringer("addr", addr), zap.Error(err))
	}
}

// FlushTick is called once per mainloop tick (via a timer registered
// with PriorityServer) to drain every connection's outgoing queue —
// new reliable flushes, due retransmits, and grouped unreliables —
// and write the resulting datagrams.
func (l *Listener) FlushTick(now time.Time) {
	for _, c := range l.Conns() {
		for _, pkt := range c.BuildOutgoingGroup(now) {
			if c.Enc != nil {
				encoded := append([]byte(nil), pkt...)
				c.Enc.Encrypt(encoded)
				l.writeRaw(c.Addr, encoded)
				continue
			}
			l.writeRaw(c.Addr, pkt)
		}
	}
}

// SweepIdle disconnects any connection idle beyond NoDataTimeout and
// removes Dead connections from the table (spec §4.4.9).
func (l *Listener) SweepIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, c := range l.conns {
		switch c.CurrentStatus() {
		case ConnDead:
			delete(l.conns, addr)
		case ConnDisconnecting:
			// Linger one sweep to let any final ACKs land, then die.
			c.SetStatus(ConnDead)
		default:
			if c.IdleFor(now) > l.cfg.NoDataTimeout {
				c.SetStatus(ConnDisconnecting)
			}
		}
	}
}
