// Package ltem holds the small shared types used across the modem driver:
// the result taxonomy, data context identifiers and the stream registry
// that binds a context to its active stream handler.
package ltem

import (
	"errors"
	"fmt"
	"sync"
)

// DataContext identifies which logical modem session a stream operation
// applies to. The BGx modems expose a small fixed number of slots.
type DataContext uint8

// DataContextCount is the number of context slots the modem provides.
const DataContextCount = 6

// ResultCode is the HTTP-flavored result taxonomy shared by the command
// channel and the protocol layers. Codes in [ResultSuccess, ResultSuccessMax]
// indicate success; everything else is a failure class or a raw status
// reported by the remote peer.
type ResultCode uint16

const (
	ResultSuccess      ResultCode = 200
	ResultSuccessMax   ResultCode = 299
	ResultTimeout      ResultCode = 408
	ResultConflict     ResultCode = 409
	ResultPreCondition ResultCode = 412
	ResultCancelled    ResultCode = 499
	ResultInternal     ResultCode = 500

	// ResultUnknown is the sentinel stored before any status is known.
	ResultUnknown ResultCode = 0xFFFF
)

// IsSuccess reports whether r lies in the closed success interval.
func (r ResultCode) IsSuccess() bool {
	return r >= ResultSuccess && r <= ResultSuccessMax
}

func (r ResultCode) String() string {
	switch r {
	case ResultTimeout:
		return "timeout"
	case ResultConflict:
		return "conflict"
	case ResultPreCondition:
		return "precondition failed"
	case ResultCancelled:
		return "cancelled"
	case ResultInternal:
		return "internal error"
	case ResultUnknown:
		return "unknown"
	}
	return fmt.Sprintf("%d", uint16(r))
}

// ErrSlotOccupied is returned by Register when the context already has a
// stream handler bound to it.
var ErrSlotOccupied = errors.New("ltem: data context already registered")

// Stream is anything that can be bound to a data context as the active
// stream endpoint.
type Stream interface {
	Context() DataContext
}

// StreamRegistry maps data contexts to their active streams. It replaces
// ambient per-device global state: every protocol endpoint receives the
// registry at construction and claims its slot explicitly. At most one
// stream may own a slot at a time.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[DataContext]Stream
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[DataContext]Stream)}
}

// Register claims cntxt for s. It fails if the slot is occupied by a
// different stream; re-registering the same stream is a no-op.
func (r *StreamRegistry) Register(s Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.streams[s.Context()]
	if ok && cur != s {
		return ErrSlotOccupied
	}
	r.streams[s.Context()] = s
	return nil
}

// Unregister releases the slot if s currently owns it.
func (r *StreamRegistry) Unregister(s Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.streams[s.Context()]; ok && cur == s {
		delete(r.streams, s.Context())
	}
}

// Lookup returns the stream bound to cntxt, if any.
func (r *StreamRegistry) Lookup(cntxt DataContext) (Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[cntxt]
	return s, ok
}
