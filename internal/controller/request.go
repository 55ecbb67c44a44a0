package controller

import (
	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/proxycore"
)

// OnRequest is the entry point the SIP stack's request callback calls for
// every non-initial request (anything that is not the first INVITE of a
// proxy_request, which instead arrives through the pending-request store).
// It posts the actual work to the event loop.
func (c *Controller) OnRequest(req *sip.Request, tx sip.ServerTransaction) {
	if err := c.post(func() { c.processRequest(req, tx) }); err != nil {
		c.logger.Error("dropping request: event loop queue full", "error", err)
	}
}

// processRequest runs on the loop goroutine and handles every non-initial
// request: requests carrying a Route header are in-dialog (BYE, re-INVITE,
// ...) and are popped and forwarded stateless; requests without one are
// only ever a CANCEL for a proxy transaction we still own.
func (c *Controller) processRequest(req *sip.Request, tx sip.ServerTransaction) {
	if req.Method == sip.ACK {
		return // absorbed by the stack's completed-state matching
	}

	if route := req.Route(); route != nil {
		c.processRequestWithRouteHeader(req, route)
		return
	}
	c.processRequestWithoutRouteHeader(req, tx)
}

// processRequestWithRouteHeader pops the top Route (loose-route
// self-removal: the entry pointing at this proxy) and forwards the request
// on, stateless. A BYE additionally posts CDR stops on both sides, since
// this path never otherwise observes call teardown.
func (c *Controller) processRequestWithRouteHeader(req *sip.Request, route *sip.RouteHeader) {
	if route.Next != nil {
		req.ReplaceHeader(route.Next)
	} else {
		req.RemoveHeader("Route")
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	if req.Method == sip.BYE {
		c.cdr.PostCDR(proxycore.CDRStop, proxycore.SideNetwork, proxycore.ReasonNormalRelease, callID, nil)
	}

	if err := c.sender.SendRequest(req); err != nil {
		c.logger.Error("forwarding in-dialog request failed", "call_id", callID, "method", req.Method, "error", err)
		return
	}

	if req.Method == sip.BYE {
		c.cdr.PostCDR(proxycore.CDRStop, proxycore.SideApplication, proxycore.ReasonNormalRelease, callID, nil)
	}
}

// processRequestWithoutRouteHeader handles the only in-dialog request that
// never carries a Route header pointing back at us: a CANCEL for a proxy
// transaction we are still working. Anything else reaching here (no
// registered ProxyCore for the Call-ID, or a non-CANCEL method) is simply
// not ours to handle and is discarded.
func (c *Controller) processRequestWithoutRouteHeader(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	core := c.proxyByCallID(callID)
	if core == nil || req.Method != sip.CANCEL {
		c.logger.Error("discarding request with no route header and no matching proxy", "call_id", callID, "method", req.Method)
		return
	}

	cancelOK := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := c.sender.StatefulReply(tx, cancelOK); err != nil {
		c.logger.Error("replying to cancel failed", "call_id", callID, "error", err)
	}

	_ = core.Server.GenerateResponse(c.sender, 487, "")
	core.CancelOutstandingRequests()
}
