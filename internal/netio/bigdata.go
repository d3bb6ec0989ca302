package netio

import "sync"

// BigDataAssembler accumulates 0x08/0x09 chunks into a single payload
// per spec §4.4.4, switching into discard mode once the accumulated
// size would exceed capBytes. Per the spec's mandated (non-legacy)
// recovery behavior, a connection stays in discard mode until the
// next 0x09 — a fresh 0x08 received while discarding does NOT start a
// new transfer.
type BigDataAssembler struct {
	mu      sync.Mutex
	cap     int
	buf     []byte
	discard bool
}

// NewBigDataAssembler creates an assembler that discards transfers
// exceeding capBytes.
func NewBigDataAssembler(capBytes int) *BigDataAssembler {
	return &BigDataAssembler{cap: capBytes}
}

// Chunk processes one 0x08 payload.
func (a *BigDataAssembler) Chunk(payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.discard {
		return
	}
	if len(a.buf)+len(payload) > a.cap {
		a.discard = true
		a.buf = nil
		return
	}
	a.buf = append(a.buf, payload...)
}

// Tail processes the final 0x09 payload and returns the delivered
// buffer (nil if the transfer was discarded). Tail always resets the
// assembler for the next transfer, whether or not this one was
// discarded.
func (a *BigDataAssembler) Tail(payload []byte) (delivered []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.discard {
		a.discard = false
		a.buf = nil
		return nil
	}
	if len(a.buf)+len(payload) > a.cap {
		a.discard = false
		a.buf = nil
		return nil
	}
	out := append(a.buf, payload...)
	a.buf = nil
	return out
}

// Discarding reports whether the assembler is currently in discard
// mode (for tests/metrics).
func (a *BigDataAssembler) Discarding() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discard
}
