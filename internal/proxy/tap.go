package proxy

import (
	"io"
	"sync/atomic"
)

// tap is the side-channel that hands the upstream response bytes to the
// stream parser without ever delaying the client copy.
//
// The pump goroutine calls Offer with each chunk it read from upstream;
// the same backing array is written to the client, so chunks are shared
// by aliasing, never copied per sink. The parser goroutine consumes
// through the io.Reader side.
//
// Backlog is bounded: once the parser falls more than limit bytes behind,
// the tap abandons itself — the parser sees end of stream and emits
// whatever it reconstructed, while the client copy continues untouched.
type tap struct {
	ch      chan []byte
	limit   int64
	pending atomic.Int64

	// closed and leftover belong to the pump and parser goroutines
	// respectively; neither is shared.
	closed   bool
	leftover []byte

	abandoned atomic.Bool
}

func newTap(limit int64) *tap {
	return &tap{
		ch:    make(chan []byte, 512),
		limit: limit,
	}
}

// Offer hands a chunk to the parser side. Never blocks: if the byte
// backlog exceeds the limit, or the chunk queue itself is full, the tap
// is abandoned. Single-producer — called only from the pump loop, which
// also owns closing, so a send never races the close.
func (t *tap) Offer(chunk []byte) {
	if t.closed {
		return
	}
	if t.pending.Add(int64(len(chunk))) > t.limit {
		t.abandon()
		return
	}
	select {
	case t.ch <- chunk:
	default:
		t.abandon()
	}
}

// CloseWrite signals end of stream to the parser side. Called by the pump
// after the last chunk. Safe to call after an abandon.
func (t *tap) CloseWrite() {
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
}

// abandon cuts the parser side loose mid-stream.
func (t *tap) abandon() {
	t.abandoned.Store(true)
	t.CloseWrite()
}

// Abandoned reports whether the parser side was cut off before the
// upstream body completed.
func (t *tap) Abandoned() bool {
	return t.abandoned.Load()
}

// Read implements io.Reader for the parser goroutine.
func (t *tap) Read(p []byte) (int, error) {
	if len(t.leftover) == 0 {
		chunk, ok := <-t.ch
		if !ok {
			return 0, io.EOF
		}
		t.leftover = chunk
	}
	n := copy(p, t.leftover)
	t.leftover = t.leftover[n:]
	t.pending.Add(int64(-n))
	return n, nil
}
