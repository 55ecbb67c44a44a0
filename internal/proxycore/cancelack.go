package proxycore

import "github.com/emiago/sipgo/sip"

// sendCancel builds and transmits a CANCEL for ct: same
// Request-URI, Call-ID, From, To and CSeq sequence number as the request
// actually sent downstream, method rewritten to CANCEL, single Via carrying
// the branch being canceled.
func (c *ProxyCore) sendCancel(ct *ClientTransaction) {
	if ct.req == nil {
		return
	}
	cancelReq := sip.NewRequest(sip.CANCEL, *ct.Target.Clone())

	if via := ct.req.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	mf := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&mf)

	sip.CopyHeaders("From", ct.req, cancelReq)
	sip.CopyHeaders("To", ct.req, cancelReq)
	sip.CopyHeaders("Call-ID", ct.req, cancelReq)
	sip.CopyHeaders("CSeq", ct.req, cancelReq)
	if cseq := cancelReq.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}

	if err := c.deps.Sender.SendRequest(cancelReq); err != nil {
		c.logger.Warn("sending cancel failed", "branch", ct.Branch, "error", err)
	}
}

// sendAck builds and transmits the ACK for a non-2xx final per RFC 3261
// §17.1.1.3. This ACK belongs to the client transaction itself (it is never
// passed up to the server side), so it is absorbed locally and never
// touches ServerTransaction.
func (c *ProxyCore) sendAck(ct *ClientTransaction, res *sip.Response) {
	if ct.req == nil {
		return
	}
	ackReq := sip.NewRequest(sip.ACK, *ct.Target.Clone())

	if via := ct.req.Via(); via != nil {
		ackReq.AppendHeader(via.Clone())
	}

	if routes := ct.req.GetHeaders("Route"); len(routes) > 0 {
		sip.CopyHeaders("Route", ct.req, ackReq)
	} else {
		rrs := res.GetHeaders("Record-Route")
		for i := len(rrs) - 1; i >= 0; i-- {
			ackReq.AppendHeader(sip.NewHeader("Route", rrs[i].Value()))
		}
	}

	mf := sip.MaxForwardsHeader(70)
	ackReq.AppendHeader(&mf)

	sip.CopyHeaders("From", ct.req, ackReq)
	sip.CopyHeaders("To", res, ackReq) // the response's To carries the remote to-tag
	sip.CopyHeaders("Call-ID", ct.req, ackReq)
	sip.CopyHeaders("CSeq", ct.req, ackReq)
	if cseq := ackReq.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	if err := c.deps.Sender.SendRequest(ackReq); err != nil {
		c.logger.Warn("sending ack failed", "branch", ct.Branch, "error", err)
	}
}
