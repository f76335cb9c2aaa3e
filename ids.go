package whirl

import "sync/atomic"

// An IDGen issues process-unique correlation IDs for outbound messages. The
// zero value is ready for use. It is safe for concurrent use by the reader,
// timer producers, and the handler.
type IDGen struct {
	next atomic.Uint32
}

// NewIDGen constructs a fresh ID generator starting from zero.
func NewIDGen() *IDGen { return new(IDGen) }

// Next returns the next unused ID. No two calls return the same value for
// the lifetime of the generator.
func (g *IDGen) Next() uint32 { return g.next.Add(1) - 1 }
