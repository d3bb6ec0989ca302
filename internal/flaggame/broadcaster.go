// Package flaggame implements the static and carry flag games (spec
// §4.5/§4.6): per-arena flag ownership state machines, pickup/drop/
// spawn placement, and the broadcast cost-comparison that picks a
// full-state update over a batch of individual ones. Grounded on the
// teacher's periodic-batch system shape (system/persistence.go's
// tick-then-flush pattern, generalized from a save timer to a dirty
// -flag broadcast timer) and its "serialize once, send the same bytes
// to every viewer" broadcast style (internal/handler/broadcast.go's
// BroadcastToPlayers).
package flaggame

import "github.com/gigamon-dev/SubspaceServer-sub014/internal/player"

// Broadcaster is the network-facing hook flaggame depends on to turn
// a built packet into bytes on the wire; the zone server wires a real
// implementation over internal/netio at startup, and tests use a
// recording fake. Packets are pre-serialized by the caller ("build
// once, send many") matching the teacher's BroadcastToPlayers shape.
type Broadcaster interface {
	SendTo(p *player.Player, data []byte)
	SendToArena(arenaName string, data []byte)
	SendToFreq(arenaName string, freq int16, data []byte)
}

// Packet type bytes for the flag-game wire messages spec §4.5/§4.6
// name. The wire itself is fixed by client compatibility (spec.md
// Non-goals: "providing a new wire protocol"); these constants and
// the encoders below reproduce the real game's documented packet
// shapes (type byte + a flat array of per-flag owner freqs, or a
// short per-event record) closely enough to drive the byte-cost
// comparison spec §4.5 specifies verbatim.
const (
	pktTurfFlags   byte = 0x22
	pktFlagPickup  byte = 0x23
	pktFlagDrop    byte = 0x24
	pktFlagLoc     byte = 0x25
	pktFlagReset   byte = 0x26
	turfHeaderSize      = 6 // matches spec §4.5's "full = 6 + 1 + 2N" constant term
)

// encodeTurfFlagsFull builds the 0x22 full-state packet: a 6-byte
// header, 1 type/count-class byte, then 2 bytes (int16 LE owner freq)
// per flag — exactly the "6 + 1 + 2N" shape spec §4.5 costs against.
func encodeTurfFlagsFull(owners []int16) []byte {
	out := make([]byte, 0, turfHeaderSize+1+2*len(owners))
	out = append(out, make([]byte, turfHeaderSize)...)
	out[0] = pktTurfFlags
	out = append(out, byte(len(owners)))
	for _, o := range owners {
		out = append(out, byte(uint16(o)), byte(uint16(o)>>8))
	}
	return out
}

// encodeTurfFlagsIndividual builds the 0x23 batch-of-individual-claims
// packet: 6-byte header, 2 type/count bytes, then 6 bytes (1-byte
// flagId class + 5-byte record) per dirty flag — the "6 + 2 + count*(1
// + 5)" shape spec §4.5 costs against.
func encodeTurfFlagsIndividual(claims []staticClaim) []byte {
	out := make([]byte, 0, turfHeaderSize+2+6*len(claims))
	out = append(out, make([]byte, turfHeaderSize)...)
	out[0] = pktFlagPickup
	out = append(out, byte(len(claims)), 0)
	for _, c := range claims {
		out = append(out, byte(c.flagID))
		out = append(out, byte(uint16(c.ownerFreq)), byte(uint16(c.ownerFreq)>>8))
		out = append(out, 0, 0, 0) // reserved, keeps the per-entry cost at 6 bytes
	}
	return out
}

func encodeFlagReset() []byte {
	return []byte{pktFlagReset, 0, 0, 0, 0, 0}
}

// encodeFlagPickup builds the 0x23 carry-mode pickup packet: type
// byte, 1-byte flag id, 2-byte LE player freq.
func encodeFlagPickup(flagID int, p *player.Player) []byte {
	freq := uint16(p.Freq)
	return []byte{pktFlagPickup, byte(flagID), byte(freq), byte(freq >> 8)}
}

// encodeFlagDrop builds the 0x24 carry-mode drop packet: type byte,
// 1-byte flag id, 2-byte LE X, 2-byte LE Y.
func encodeFlagDrop(flagID int, x, y int16) []byte {
	ux, uy := uint16(x), uint16(y)
	return []byte{pktFlagDrop, byte(flagID), byte(ux), byte(ux >> 8), byte(uy), byte(uy >> 8)}
}

// encodeFlagLocation builds the 0x25 carry-mode location packet: type
// byte, 1-byte flag id, 2-byte LE X, 2-byte LE Y, 2-byte LE owner freq.
func encodeFlagLocation(flagID int, f CarryFlagEntry) []byte {
	ux, uy, freq := uint16(f.X), uint16(f.Y), uint16(f.OwnerFreq)
	return []byte{pktFlagLoc, byte(flagID), byte(ux), byte(ux >> 8), byte(uy), byte(uy >> 8), byte(freq), byte(freq >> 8)}
}

// fullCost and individualCost realize spec §4.5's literal cost
// formulas so the periodic batch sender can compare them directly.
func fullCost(n int) int {
	return 6 + 1 + 2*n
}

func individualCost(count int) int {
	return 6 + 2 + count*(1+5)
}
