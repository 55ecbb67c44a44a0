package proxycore

import "errors"

// Sentinel errors for the proxy core's failure taxonomy. None of these are
// ever returned as Go panics: every recoverable condition yields a defined
// SIP response or a defined control-channel outcome, and the caller is
// expected to classify the error with errors.Is rather than match strings.
var (
	// ErrUnknownTransaction names the condition of a control-channel command
	// referencing a transaction id that is not in the pending-request store.
	// No code path returns it: that case is reported as a NOK outcome with a
	// text detail.
	ErrUnknownTransaction = errors.New("proxycore: unknown transaction")

	// ErrMaxForwardsExceeded is returned from Initialize when the inbound
	// request's Max-Forwards has already reached zero.
	ErrMaxForwardsExceeded = errors.New("proxycore: max-forwards exceeded")

	// ErrNoTargetsReachable is returned from StartRequests when every
	// configured target failed to transmit.
	ErrNoTargetsReachable = errors.New("proxycore: no targets reachable")

	// ErrSendFailure marks a branch that failed to transmit its forwarded
	// request; the branch still participates in best-response selection
	// with a synthetic 503.
	ErrSendFailure = errors.New("proxycore: send failure")

	// ErrLateArrivingMessage names the condition of a response or ACK
	// delivered to a branch that has already terminated. No code path
	// returns it: such messages are discarded silently.
	ErrLateArrivingMessage = errors.New("proxycore: late-arriving message")

	// ErrInternalPostFailure is returned when the cross-thread command
	// queue is full and a control-channel command could not be delivered
	// to the event-loop thread.
	ErrInternalPostFailure = errors.New("proxycore: internal post failure")
)
