// Package bufpool provides size-classed pooled receive buffers for the
// packet framing layer (spec.md §4.A). Buffers are acquired on the receive
// path and returned explicitly once the handler finishes with them — never
// via a cross-goroutine defer, mirroring the discipline the teacher uses
// for its per-goroutine broadcast-target slices (room.go's targetPool).
package bufpool

import "sync"

// Size classes, chosen to cover a handshake message, a typical control
// packet, and a full stats-update metrics vector without over-allocating.
const (
	ClassSmall  = 512
	ClassMedium = 4096
	ClassLarge  = 65536
)

var pools = [...]*sync.Pool{
	{New: func() any { b := make([]byte, ClassSmall); return &b }},
	{New: func() any { b := make([]byte, ClassMedium); return &b }},
	{New: func() any { b := make([]byte, ClassLarge); return &b }},
}

// classFor returns the index into pools whose buffer is large enough to
// hold n bytes, or -1 if n exceeds every class (caller must allocate).
func classFor(n int) int {
	switch {
	case n <= ClassSmall:
		return 0
	case n <= ClassMedium:
		return 1
	case n <= ClassLarge:
		return 2
	default:
		return -1
	}
}

// Buffer is a pooled byte slice plus the bookkeeping needed to return it to
// the correct size class.
type Buffer struct {
	Bytes []byte
	class int // -1 means heap-allocated, not pooled
}

// Get acquires a buffer with capacity >= n. Buffers larger than the largest
// size class are allocated directly on the heap (not pooled) rather than
// failing — ERROR_BUFFER_FULL (spec.md §4.A) is reserved for pool
// exhaustion under load, not for oversized requests.
func Get(n int) *Buffer {
	class := classFor(n)
	if class < 0 {
		return &Buffer{Bytes: make([]byte, n), class: -1}
	}
	ptr := pools[class].Get().(*[]byte)
	b := *ptr
	if cap(b) < n {
		b = make([]byte, n)
	} else {
		b = b[:n]
	}
	return &Buffer{Bytes: b, class: class}
}

// Put returns buf to its size class. Safe to call once per Get; calling it
// twice on the same Buffer double-frees the pool slot and is a caller bug.
func Put(buf *Buffer) {
	if buf == nil || buf.class < 0 {
		return
	}
	b := buf.Bytes
	pools[buf.class].Put(&b)
	buf.Bytes = nil
}
