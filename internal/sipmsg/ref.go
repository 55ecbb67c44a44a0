// Package sipmsg provides reference-counted ownership around SIP response
// messages held across the control/event-loop boundary.
//
// Go's garbage collector makes a literal refcount unnecessary for memory
// safety, but "every send that might fail must reliably release the
// reference it acquired" is about a *discipline*, not a leak of bytes — a
// ClientTransaction that forgets to release its stored final response after
// a retransmitted ACK is a real bug even though Go would still free the
// memory eventually. Ref makes that discipline a visible, testable object.
package sipmsg

import (
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// Ref wraps a *sip.Response with an explicit take/release count so tests can
// assert that every branch releases what it took.
type Ref struct {
	res   *sip.Response
	count int32
}

// NewRef wraps res with an initial reference count of 1.
func NewRef(res *sip.Response) *Ref {
	return &Ref{res: res, count: 1}
}

// Take increments the reference count and returns the wrapped response.
func (r *Ref) Take() *sip.Response {
	if r == nil {
		return nil
	}
	atomic.AddInt32(&r.count, 1)
	return r.res
}

// Release decrements the reference count. It returns the count remaining
// after the release; callers that drop their last reference should stop
// using the wrapped response.
func (r *Ref) Release() int32 {
	if r == nil {
		return 0
	}
	return atomic.AddInt32(&r.count, -1)
}

// Count returns the current reference count (for tests).
func (r *Ref) Count() int32 {
	if r == nil {
		return 0
	}
	return atomic.LoadInt32(&r.count)
}

// Response returns the wrapped response without adjusting the count.
func (r *Ref) Response() *sip.Response {
	if r == nil {
		return nil
	}
	return r.res
}
