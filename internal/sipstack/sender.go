// Package sipstack is the facade the proxy core consumes from the SIP stack
// (github.com/emiago/sipgo). The stack itself — wire parsing, transport,
// connection management — is an external collaborator; this package only
// exposes the handful of stateless primitives the core drives its own
// transaction state machines on top of.
package sipstack

import (
	"context"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Sender is the stack facade consumed by internal/proxycore and
// internal/dialogmaker. Implementations must not retain transaction state of
// their own — retransmission, timers, and best-response selection live
// entirely in the caller.
type Sender interface {
	// SendRequest writes req upstream. The caller owns all retransmission
	// and timeout decisions; any response that eventually arrives for req
	// is delivered later through the onResponse callback given to New, not
	// through this call's return value.
	SendRequest(req *sip.Request) error

	// SendResponse writes res directly to the transport layer, bypassing
	// any server transaction. Used to forward statelessly a response whose
	// Call-ID matches no ProxyCore.
	SendResponse(res *sip.Response) error

	// StatefulReply sends res on the given incoming server transaction,
	// letting the stack's own transaction layer handle retransmission
	// matching against the UAC.
	StatefulReply(tx sip.ServerTransaction, res *sip.Response) error
}

// OnResponse receives every response the stack observes for a request this
// Sender sent, provisional or final.
type OnResponse func(res *sip.Response)

// stack is the default Sender, wrapping a sipgo Client (for request writes)
// and a sipgo Server (for stateless response writes and stateful replies on
// the transaction the server accepted).
//
// sipgo's own sip.ClientTransaction keeps no authority here: our caller's
// timer wheels decide when a branch has timed out, picks the best final
// response, and drives CANCEL. The transaction handed back by
// client.TransactionRequest is used purely as a response pipe — the one
// mechanism the stack exposes publicly for routing a response back to a
// stateless-looking send, since a bare client.WriteRequest never yields one.
// Its own retransmission/timeout timers run in parallel and are ignored;
// onResponse may fire once, several times (provisional then final), or not
// at all if the branch never answers, exactly as a direct UDP send would
// behave from the caller's point of view.
type stack struct {
	client     *sipgo.Client
	server     *sipgo.Server
	onResponse OnResponse
}

// New builds the default Sender over a live sipgo UserAgent's client and
// server halves. onResponse is invoked, from its own goroutine per request,
// for every response observed against a request sent through SendRequest.
func New(client *sipgo.Client, server *sipgo.Server, onResponse OnResponse) Sender {
	return &stack{client: client, server: server, onResponse: onResponse}
}

func (s *stack) SendRequest(req *sip.Request) error {
	if req.IsAck() {
		// ACK has no response to pipe back; TransactionRequest refuses it.
		return s.client.WriteRequest(req)
	}

	tx, err := s.client.TransactionRequest(context.Background(), req)
	if err != nil {
		return err
	}
	go s.drain(tx)
	return nil
}

func (s *stack) drain(tx sip.ClientTransaction) {
	defer tx.Terminate()
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if s.onResponse != nil {
				s.onResponse(res)
			}
		case <-tx.Done():
			return
		}
	}
}

func (s *stack) SendResponse(res *sip.Response) error {
	return s.server.WriteResponse(res)
}

func (s *stack) StatefulReply(tx sip.ServerTransaction, res *sip.Response) error {
	return tx.Respond(res)
}
