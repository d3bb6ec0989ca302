package netio

import (
	"io"
	"sync"
)

// SizedProducer is a finite lazy byte source plus a known total size
// (spec §4.4.5) — e.g. a map-file download. Close is invoked exactly
// once, whether the stream finishes, is cancelled, or the connection
// is torn down.
type SizedProducer interface {
	// TotalSize returns the producer's total byte count, known up
	// front.
	TotalSize() uint32
	// Read returns up to len(p) more bytes, or io.EOF once exhausted.
	// Implementations typically wrap an *os.File; the engine always
	// calls Read from the worker pool, never the mainloop.
	Read(p []byte) (n int, err error)
	Close() error
}

const sizedChunkBytes = MaxPacketBytes - 6

// SizedStream drives one SizedProducer across 0x0A chunks, with
// exactly the race-safety spec §4.4.5 requires: once cancelled, no
// further 0x0A is ever queued, and the producer's Close runs only
// after every in-flight chunk has been accounted for (acked or
// dropped by disconnect).
type SizedStream struct {
	mu        sync.Mutex
	producer  SizedProducer
	total     uint32
	sent      uint32
	cancelled bool
	closed    bool
	inFlight  int
	done      bool
}

// NewSizedStream wraps producer for streaming.
func NewSizedStream(producer SizedProducer) *SizedStream {
	return &SizedStream{producer: producer, total: producer.TotalSize()}
}

// NextChunk reads and returns the next 0x0A wire packet to send, or
// nil if the stream is cancelled, closed, or fully sent. The caller
// (the reliable sender) is responsible for wrapping the returned bytes
// in a reliable envelope and calling ChunkAcked once it ACKs.
func (s *SizedStream) NextChunk() []byte {
	s.mu.Lock()
	if s.cancelled || s.done {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	buf := make([]byte, sizedChunkBytes)
	n, err := s.producer.Read(buf)
	if n > 0 {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return nil
		}
		s.sent += uint32(n)
		s.inFlight++
		finished := err == io.EOF || s.sent >= s.total
		s.done = finished
		s.mu.Unlock()
		return EncodeSizedDataChunk(s.total, buf[:n])
	}
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.maybeClose()
	return nil
}

// ChunkAcked must be called once the reliable wrapper around a 0x0A
// chunk is ACKed (or otherwise retired, e.g. by disconnect), so the
// stream can release the producer once every chunk is accounted for.
func (s *SizedStream) ChunkAcked() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
	s.maybeClose()
}

// Cancel aborts the stream: no further NextChunk call will produce a
// packet, and the caller should send a single 0x0C in response. The
// producer is released once every already-sent chunk is accounted
// for via ChunkAcked.
func (s *SizedStream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.maybeClose()
}

// Done reports whether every byte has been read from the producer
// (does not imply every chunk has been acked).
func (s *SizedStream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Cancelled reports whether Cancel has been called.
func (s *SizedStream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *SizedStream) maybeClose() {
	s.mu.Lock()
	ready := (s.done || s.cancelled) && s.inFlight == 0 && !s.closed
	if ready {
		s.closed = true
	}
	s.mu.Unlock()
	if ready {
		_ = s.producer.Close()
	}
}
