package proxycore

import (
	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/sipstack"
)

// ServerTransaction wraps the inbound request the stack delivered, plus the
// stack's own irq handle used to send a stateful reply on it. It guarantees
// exactly one final response is forwarded upstream;
// every subsequent final is absorbed (retransmission suppression).
type ServerTransaction struct {
	tx      sip.ServerTransaction
	req     *sip.Request
	callID  string
	isInvite bool

	cdr CDRSink

	canceled       bool
	lastForwarded  int // 0 until a final response has been forwarded/generated
}

// NewServerTransaction wraps tx, the irq for req, recording callID for CDR
// correlation.
func NewServerTransaction(tx sip.ServerTransaction, req *sip.Request, cdr CDRSink) *ServerTransaction {
	if cdr == nil {
		cdr = NopCDRSink{}
	}
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	return &ServerTransaction{
		tx:       tx,
		req:      req,
		callID:   callID,
		isInvite: req.IsInvite(),
		cdr:      cdr,
	}
}

// MsgDup duplicates the received message for per-branch mutation.
func (s *ServerTransaction) MsgDup() *sip.Request {
	return s.req.Clone()
}

// IsRetransmission reports whether req is a retransmission of the stored
// inbound request. The controller has already matched by Call-ID; this
// only needs to confirm the method matches.
func (s *ServerTransaction) IsRetransmission(req *sip.Request) bool {
	return req.Method == s.req.Method
}

// HasForwardedFinal reports whether a final response has already gone
// upstream (forwarded or locally generated).
func (s *ServerTransaction) HasForwardedFinal() bool {
	return s.lastForwarded >= 200
}

// ForwardResponse sends res upstream on the wrapped irq. Finals after the
// first are silently absorbed. For INVITE finals it posts the matching CDR.
func (s *ServerTransaction) ForwardResponse(sender sipstack.Sender, res *sip.Response) error {
	if s.HasForwardedFinal() {
		return nil
	}
	if err := sender.StatefulReply(s.tx, res); err != nil {
		return err
	}
	if res.StatusCode < 200 {
		return nil
	}
	s.lastForwarded = res.StatusCode
	if !s.isInvite {
		return nil
	}
	if res.StatusCode < 300 {
		s.cdr.PostCDR(CDRStart, SideApplication, ReasonProxyUAS, s.callID, nil)
		return nil
	}
	s.cdr.PostCDR(CDRStop, SideApplication, cdrReasonForFinal(res.StatusCode), s.callID, nil)
	return nil
}

// GenerateProvisional sends a locally-generated provisional response (100
// Trying) through the stack's stateful-reply primitive. Provisionals never
// count toward HasForwardedFinal and never post a CDR.
func (s *ServerTransaction) GenerateProvisional(sender sipstack.Sender, status int, reason string) error {
	res := sip.NewResponseFromRequest(s.req, status, reason, nil)
	return sender.StatefulReply(s.tx, res)
}

// GenerateResponse synthesizes and sends a locally-generated final response
// (408, 483, 487, 500, ...) through the stack's stateful-reply primitive.
// For INVITE it posts a CDR stop.
func (s *ServerTransaction) GenerateResponse(sender sipstack.Sender, status int, reason string) error {
	if s.HasForwardedFinal() {
		return nil
	}
	if reason == "" {
		reason = DefaultReasonPhrase(status)
	}
	res := sip.NewResponseFromRequest(s.req, status, reason, nil)
	if err := sender.StatefulReply(s.tx, res); err != nil {
		return err
	}
	s.lastForwarded = status
	if s.isInvite && status >= 200 {
		s.cdr.PostCDR(CDRStop, SideApplication, cdrReasonForFinal(status), s.callID, nil)
	}
	return nil
}

func cdrReasonForFinal(status int) CDRReason {
	if status == 487 {
		return ReasonCallCanceled
	}
	return ReasonCallRejected
}

// DefaultReasonPhrase returns the stock reason phrase for a locally
// generated status code, reused by internal/dialogmaker when a
// control-channel client omits the optional status text.
func DefaultReasonPhrase(status int) string {
	switch status {
	case 408:
		return "Request Timeout"
	case 483:
		return "Too Many Hops"
	case 487:
		return "Request Terminated"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
