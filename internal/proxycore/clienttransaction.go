package proxycore

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/sipmsg"
	"github.com/sipproxy/sipproxy/internal/timers"
)

// State is a ClientTransaction's position in the RFC 3261 client state
// machine, generalized to cover non-INVITE methods, which share the same
// enum and arm the same timers.
type State int

const (
	StateNotStarted State = iota
	StateCalling
	StateProceeding
	StateCompleted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateCalling:
		return "calling"
	case StateProceeding:
		return "proceeding"
	case StateCompleted:
		return "completed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ClientTransaction is one forked branch of a ProxyCore. It holds no
// reference to its parent: a ClientTransaction is only ever reached by a
// ProxyCore iterating its own Clients slice or clientsByBranch index, never
// the other way around, so there is no cycle to manage and timer callbacks
// can safely outlive a branch that has already been reaped (they carry the
// branch string, not a pointer, and no-op if the lookup misses).
type ClientTransaction struct {
	Target sip.Uri
	Branch string
	Method sip.RequestMethod

	state  State
	status int // last status code seen; 0 until a response arrives

	// final holds the stored final response once status >= 300, per the
	// invariant "final response is stored iff status >= 300". It is kept
	// behind a sipmsg.Ref so the release discipline (exactly one take at
	// store time, exactly one release at reap time) is enforceable and
	// testable rather than relying on the garbage collector to paper over
	// a forgotten release.
	final *sipmsg.Ref

	// req is the request as actually transmitted downstream (post
	// forwardRequest mutation): Max-Forwards decremented, Request-URI
	// rewritten, Via stamped. Needed to build a matching CANCEL.
	req *sip.Request

	retransmitCount    int
	retransmitInterval time.Duration

	// pendingCancel records an upstream CANCEL that arrived while this
	// branch was still in `calling`; RFC 3261 only allows CANCEL once a
	// provisional has been seen, so the cancel is deferred until the
	// transition to `proceeding`.
	pendingCancel bool

	timerA, timerB, timerC, timerD timers.Handle
}

// State returns the branch's current state.
func (c *ClientTransaction) State() State { return c.state }

// Status returns the last response status code seen on this branch, or 0.
func (c *ClientTransaction) Status() int { return c.status }

// FinalResponse returns the stored final response, or nil if none (2xx
// branches never store one; they terminate without buffering per
// best-response selection since a 2xx forwards immediately).
func (c *ClientTransaction) FinalResponse() *sip.Response {
	if c.final == nil {
		return nil
	}
	return c.final.Response()
}

// releaseFinal drops this branch's reference to its stored final response,
// if any. Called once the branch is reaped by its ProxyCore.
func (c *ClientTransaction) releaseFinal() {
	if c.final != nil {
		c.final.Release()
	}
}

func newClientTransaction(target sip.Uri, method sip.RequestMethod, t1 time.Duration) *ClientTransaction {
	return &ClientTransaction{
		Target:             target,
		Branch:             generateBranch(),
		Method:             method,
		state:              StateNotStarted,
		retransmitInterval: t1,
	}
}
