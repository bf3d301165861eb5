// Package bbuf implements the fixed-capacity byte ring buffer sitting
// between the transport ingress and protocol-layer consumers. It is a
// single-producer/single-consumer structure: one goroutine feeds it with
// Write, one drains it with Pop or the two-phase PopBlock/Commit pair.
package bbuf

import (
	"errors"
	"sync"
)

var (
	ErrFull     = errors.New("bbuf: buffer full")
	ErrOutstand = errors.New("bbuf: block pop outstanding")
)

// Buffer is a byte ring with pattern search and zero-copy block extraction.
// A block handed out by PopBlock aliases the internal storage and stays
// valid until Commit or Cancel; the consumer must finish with it before
// popping again.
type Buffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int // next read index
	tail  int // next write index
	count int // occupied bytes
	block int // length of the outstanding PopBlock view, 0 if none

	ready chan struct{}
}

// New returns a Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("bbuf: capacity must be positive")
	}
	return &Buffer{
		buf:   make([]byte, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Cap returns the total capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of occupied bytes, including any bytes currently
// lent out through PopBlock.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Ready returns a channel that receives a signal after new bytes arrive.
// The signal is level-coalesced: a consumer must re-check Len after waking.
func (b *Buffer) Ready() <-chan struct{} { return b.ready }

// Write appends p on the producer side. If free space runs out it stores
// what fits and returns ErrFull with the short count.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	free := len(b.buf) - b.count
	n := len(p)
	if n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		b.buf[b.tail] = p[i]
		b.tail = (b.tail + 1) % len(b.buf)
	}
	b.count += n
	b.mu.Unlock()

	if n > 0 {
		select {
		case b.ready <- struct{}{}:
		default:
		}
	}
	if n < len(p) {
		return n, ErrFull
	}
	return n, nil
}

// Find returns the offset from the read position of the first occurrence
// of pattern within the occupied region, searching across the wrap point,
// or -1 if the pattern is not currently buffered.
func (b *Buffer) Find(pattern []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(pattern) == 0 || b.count < len(pattern) {
		return -1
	}
	limit := b.count - len(pattern)
	for off := 0; off <= limit; off++ {
		if b.matchAt(off, pattern) {
			return off
		}
	}
	return -1
}

func (b *Buffer) matchAt(off int, pattern []byte) bool {
	for j, c := range pattern {
		if b.buf[(b.head+off+j)%len(b.buf)] != c {
			return false
		}
	}
	return true
}

// Pop copies up to len(p) bytes out of the buffer and returns the count.
func (b *Buffer) Pop(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block != 0 {
		return 0
	}
	n := len(p)
	if n > b.count {
		n = b.count
	}
	for i := 0; i < n; i++ {
		p[i] = b.buf[b.head]
		b.head = (b.head + 1) % len(b.buf)
	}
	b.count -= n
	return n
}

// PopBlock returns a read-only view of up to max buffered bytes without
// copying. The view is contiguous, so it may be shorter than max when the
// occupied region wraps; callers loop until they have consumed what they
// need. The bytes remain accounted as occupied until Commit. Returns nil
// when the buffer is empty, max is zero, or a block is already outstanding.
func (b *Buffer) PopBlock(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block != 0 || max <= 0 || b.count == 0 {
		return nil
	}
	n := max
	if n > b.count {
		n = b.count
	}
	if contiguous := len(b.buf) - b.head; n > contiguous {
		n = contiguous
	}
	b.block = n
	return b.buf[b.head : b.head+n]
}

// Commit finalizes the outstanding block view, recycling its region. The
// view must not be touched after Commit returns.
func (b *Buffer) Commit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = (b.head + b.block) % len(b.buf)
	b.count -= b.block
	b.block = 0
}

// Cancel abandons the outstanding block view, leaving its bytes buffered.
func (b *Buffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block = 0
}

// Reset discards all buffered content. It must not be called while a block
// view is outstanding.
func (b *Buffer) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block != 0 {
		return ErrOutstand
	}
	b.head, b.tail, b.count = 0, 0, 0
	return nil
}

// Snapshot copies the entire occupied region into a fresh slice. Intended
// for diagnostics and tests, not the hot path.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}
