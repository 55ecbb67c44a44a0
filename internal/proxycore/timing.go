package proxycore

import "time"

// Timing holds the RFC 3261 timer constants a ClientTransaction's state
// machine arms. Tests override these to exercise timer-driven transitions
// without waiting on real wall-clock durations.
type Timing struct {
	T1 time.Duration // retransmission interval base (RFC default 500ms)
	T2 time.Duration // retransmission interval cap (RFC default 4s)
	B  time.Duration // INVITE client transaction timeout, normally 64*T1
	C  time.Duration // provisional-response timeout
	D  time.Duration // completed-state linger, absorbs response retransmissions
}

// DefaultTiming returns the RFC 3261 default constants.
func DefaultTiming() Timing {
	t1 := 500 * time.Millisecond
	return Timing{
		T1: t1,
		T2: 4 * time.Second,
		B:  64 * t1,
		C:  30 * time.Second,
		D:  32500 * time.Millisecond,
	}
}
