package netio

import "testing"

func TestReliableRoundTrip(t *testing.T) {
	pkt := EncodeReliable(42, []byte("hello"))
	if !IsCorePacket(pkt) || CoreSubType(pkt) != CoreReliable {
		t.Fatalf("expected a core reliable packet, got % x", pkt)
	}
	seq, payload, err := DecodeReliable(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 42 || string(payload) != "hello" {
		t.Fatalf("got seq=%d payload=%q", seq, payload)
	}
}

func TestReliableACKRoundTrip(t *testing.T) {
	pkt := EncodeReliableACK(7)
	seq, err := DecodeReliableACK(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 7 {
		t.Fatalf("got seq=%d", seq)
	}
}

func TestGroupedRoundTrip(t *testing.T) {
	items := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	pkt := EncodeGrouped(items)

	got, err := DecodeGrouped(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(items) {
		t.Fatalf("got %d items, want %d", len(got), len(items))
	}
	for i := range items {
		if string(got[i]) != string(items[i]) {
			t.Fatalf("item %d: got %q want %q", i, got[i], items[i])
		}
	}
}

func TestBigDataChunkRoundTrip(t *testing.T) {
	pkt := EncodeBigDataChunk(false, []byte("chunk-1"))
	if CoreSubType(pkt) != CoreBigDataChunk {
		t.Fatalf("expected 0x08, got %x", CoreSubType(pkt))
	}
	payload, err := DecodeBigDataChunk(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "chunk-1" {
		t.Fatalf("got %q", payload)
	}

	tail := EncodeBigDataChunk(true, []byte("last"))
	if CoreSubType(tail) != CoreBigDataTail {
		t.Fatalf("expected 0x09, got %x", CoreSubType(tail))
	}
}

func TestDecodeGrouped_ShortPacketErrors(t *testing.T) {
	if _, err := DecodeGrouped([]byte{0x00, 0x0E, 5, 1, 2}); err == nil {
		t.Fatal("expected an error for a truncated grouped item")
	}
}
