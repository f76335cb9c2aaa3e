// Package track implements acknowledgment tracking for outbound sends that
// require eventual delivery despite message loss.
//
// Each logical send owns one [Record]. A record is created when the first
// copy is emitted, renewed with a fresh correlation ID on every
// timeout-triggered resend, and deleted exactly once when an acknowledgment
// resolves its resend chain. The chain maps every ID ever used for the send
// (original plus all retries) back to the record, so an ack for an old,
// superseded ID still resolves the most recent pending attempt.
//
// A Set is a plain data structure with no locking of its own: it is owned by
// the node's drain loop, which is the only goroutine that touches it.
package track

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// A Record is the bookkeeping for one logical send awaiting acknowledgment.
type Record struct {
	ID       uint32    // correlation ID of the most recent attempt
	Dest     string    // destination node
	Body     any       // payload, re-sent verbatim on retry
	LastSent time.Time // time of the most recent attempt
	Retries  int       // number of resends so far

	wait     time.Duration // interval before the next resend is due
	bo       *backoff.ExponentialBackOff
	attempts []uint32 // every ID used for this send, for chain removal
}

// due reports whether the record should be resent at time now.
func (r *Record) due(now time.Time) bool {
	return now.Sub(r.LastSent) >= r.wait
}

// A Set tracks all outstanding sends of a node. The zero value is not ready
// for use; construct with New.
type Set struct {
	records map[uint32]*Record // original ID → record
	chain   map[uint32]uint32  // any attempt ID → original ID
	base    time.Duration      // initial resend interval
	cap     time.Duration      // resend interval ceiling
}

// New constructs an empty tracker. The resend interval starts at base and
// doubles on each retry up to cap; retries continue indefinitely until an
// acknowledgment arrives.
func New(base, cap time.Duration) *Set {
	return &Set{
		records: make(map[uint32]*Record),
		chain:   make(map[uint32]uint32),
		base:    base,
		cap:     cap,
	}
}

// Len reports the number of outstanding sends.
func (s *Set) Len() int { return len(s.records) }

// Add registers a new logical send with correlation ID id, already emitted
// to dest at time now with the given payload.
func (s *Set) Add(id uint32, dest string, body any, now time.Time) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     s.base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.cap,
		MaxElapsedTime:      0, // never give up
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	s.records[id] = &Record{
		ID:       id,
		Dest:     dest,
		Body:     body,
		LastSent: now,
		wait:     next(bo, s.cap),
		bo:       bo,
		attempts: []uint32{id},
	}
	s.chain[id] = id
}

// Due returns the records whose resend interval has elapsed at time now.
// The caller re-emits each record's payload and then calls Renew with the
// fresh correlation ID.
func (s *Set) Due(now time.Time) []*Record {
	var due []*Record
	for _, r := range s.records {
		if r.due(now) {
			due = append(due, r)
		}
	}
	return due
}

// Renew updates r after a resend: the new attempt ID joins r's chain, and
// the next resend interval doubles. The previous ID remains in the chain so
// a stale ack can still resolve the send; it is never reused for a new
// attempt.
func (s *Set) Renew(r *Record, id uint32, now time.Time) {
	orig := s.chain[r.ID]
	s.chain[id] = orig
	r.attempts = append(r.attempts, id)
	r.ID = id
	r.LastSent = now
	r.Retries++
	r.wait = next(r.bo, s.cap)
}

// Resolve processes an acknowledgment for correlation ID id. If id belongs
// to a tracked chain, the whole chain and its record are removed and the
// record is returned; an ack for any attempt extinguishes all pending and
// future retries of that send. An unknown id is a no-op.
func (s *Set) Resolve(id uint32) (*Record, bool) {
	orig, ok := s.chain[id]
	if !ok {
		return nil, false
	}
	r := s.records[orig]
	delete(s.records, orig)
	// The record carries its own attempt list, so removal is proportional to
	// the chain being resolved, not to every chain in the set.
	for _, a := range r.attempts {
		delete(s.chain, a)
	}
	return r, true
}

// next advances bo and clamps the result to cap. ExponentialBackOff with
// MaxElapsedTime zero never reports Stop, but clamp anyway so a
// misconfigured tracker degrades to steady retries instead of stopping.
func next(bo *backoff.ExponentialBackOff, cap time.Duration) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d > cap {
		return cap
	}
	return d
}
