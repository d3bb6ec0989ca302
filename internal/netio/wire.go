// Package netio implements the zone server's UDP network engine: wire
// framing, the reliable sliding-window stream, big-data assembly,
// sized-data streaming, grouping, bandwidth limiting, and the
// encryption plug-point (spec §4.4). It is grounded on the teacher's
// net.Session/net.Cipher split (internal/net/session.go,
// internal/net/cipher.go) generalized from a TCP/length-framed
// transport to UDP/datagram framing, and on the connectionless
// listener shape used for UDP game-server packet ingestion elsewhere
// in the retrieval pack (receive loop reading whole datagrams
// concurrently, dispatched by first-byte classification).
package netio

import "errors"

// Core packet sub-types (spec §4.4.2). A raw game packet has first
// byte >= 0x20 (or a known low game-opcode); a core packet has first
// byte 0x00 followed by one of these.
const (
	CoreConnInit          byte = 0x01
	CoreConnInitResponse  byte = 0x02
	CoreReliable          byte = 0x03
	CoreReliableACK       byte = 0x04
	CoreSyncRequest       byte = 0x05
	CoreSyncResponse      byte = 0x06
	CoreDisconnect        byte = 0x07
	CoreBigDataChunk      byte = 0x08
	CoreBigDataTail       byte = 0x09
	CoreSizedDataChunk    byte = 0x0A
	CoreCancelSizedData   byte = 0x0B
	CoreCancelSizedDataAck byte = 0x0C
	CoreCluster           byte = 0x0D // unused, reserved
	CoreGrouped           byte = 0x0E
)

// MaxPacketBytes is the core protocol's packet size cap (spec §4.4.3,
// §4.4.6): the upper bound for a single UDP payload the engine will
// construct, including any reliable/grouped wrapping.
const MaxPacketBytes = 520

// MaxGroupedItemBytes is the per-item limit inside a 0x0E grouped
// packet (spec §4.4.6).
const MaxGroupedItemBytes = 255

// ErrShortPacket is returned by a decoder when a packet is too short
// to contain the header its first byte(s) promise.
var ErrShortPacket = errors.New("netio: packet too short for its header")

// IsCorePacket reports whether data begins with the 0x00 core-packet
// marker and has at least a sub-type byte.
func IsCorePacket(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x00
}

// CoreSubType returns data's core sub-type byte. Callers must first
// check IsCorePacket.
func CoreSubType(data []byte) byte {
	return data[1]
}

// EncodeReliable wraps payload in a 0x03 reliable header: [0x00 0x03]
// [4-byte LE seq][payload].
func EncodeReliable(seq uint32, payload []byte) []byte {
	out := make([]byte, 6+len(payload))
	out[0], out[1] = 0x00, CoreReliable
	putUint32LE(out[2:6], seq)
	copy(out[6:], payload)
	return out
}

// DecodeReliable parses a 0x03 reliable packet's sequence number and
// payload. data must already be known to be a core-reliable packet.
func DecodeReliable(data []byte) (seq uint32, payload []byte, err error) {
	if len(data) < 6 {
		return 0, nil, ErrShortPacket
	}
	return uint32LE(data[2:6]), data[6:], nil
}

// EncodeReliableACK builds a 0x04 ack packet for seq.
func EncodeReliableACK(seq uint32) []byte {
	out := make([]byte, 6)
	out[0], out[1] = 0x00, CoreReliableACK
	putUint32LE(out[2:6], seq)
	return out
}

// DecodeReliableACK parses a 0x04 ack packet's acknowledged sequence
// number.
func DecodeReliableACK(data []byte) (seq uint32, err error) {
	if len(data) < 6 {
		return 0, ErrShortPacket
	}
	return uint32LE(data[2:6]), nil
}

// EncodeGrouped concatenates items into a single 0x0E grouped packet:
// [0x00 0x0E] then, per item, [1-byte length][item bytes]. Each item
// must be <= MaxGroupedItemBytes.
func EncodeGrouped(items [][]byte) []byte {
	size := 2
	for _, it := range items {
		size += 1 + len(it)
	}
	out := make([]byte, 0, size)
	out = append(out, 0x00, CoreGrouped)
	for _, it := range items {
		out = append(out, byte(len(it)))
		out = append(out, it...)
	}
	return out
}

// DecodeGrouped splits a 0x0E grouped packet back into its items.
func DecodeGrouped(data []byte) ([][]byte, error) {
	if len(data) < 2 {
		return nil, ErrShortPacket
	}
	body := data[2:]
	var items [][]byte
	for len(body) > 0 {
		n := int(body[0])
		body = body[1:]
		if n > len(body) {
			return nil, ErrShortPacket
		}
		items = append(items, body[:n])
		body = body[n:]
	}
	return items, nil
}

// EncodeBigDataChunk builds a 0x08 chunk: [0x00 0x08][2-byte LE
// length][payload]. Used by the caller to split an oversized reliable
// payload before it is itself wrapped in 0x03.
func EncodeBigDataChunk(final bool, payload []byte) []byte {
	sub := CoreBigDataChunk
	if final {
		sub = CoreBigDataTail
	}
	out := make([]byte, 4+len(payload))
	out[0], out[1] = 0x00, sub
	putUint16LE(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// DecodeBigDataChunk parses a 0x08/0x09 chunk's declared length and
// payload.
func DecodeBigDataChunk(data []byte) (payload []byte, err error) {
	if len(data) < 4 {
		return nil, ErrShortPacket
	}
	n := int(uint16LE(data[2:4]))
	if len(data) < 4+n {
		return nil, ErrShortPacket
	}
	return data[4 : 4+n], nil
}

// EncodeSizedDataChunk builds a 0x0A chunk: [0x00 0x0A][4-byte LE
// total size][chunk payload].
func EncodeSizedDataChunk(totalSize uint32, chunk []byte) []byte {
	out := make([]byte, 6+len(chunk))
	out[0], out[1] = 0x00, CoreSizedDataChunk
	putUint32LE(out[2:6], totalSize)
	copy(out[6:], chunk)
	return out
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func uint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func uint16LE(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
