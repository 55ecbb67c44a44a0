package controller

import "github.com/emiago/sipgo/sip"

// OnResponse is the entry point the SIP stack's response callback calls.
// It posts the actual work to the event loop so every ProxyCore mutation
// still happens on a single goroutine.
func (c *Controller) OnResponse(res *sip.Response) {
	if err := c.post(func() { c.processResponse(res) }); err != nil {
		c.logger.Error("dropping response: event loop queue full", "error", err)
	}
}

// processResponse runs on the loop goroutine. It looks up the ProxyCore
// owning res's Call-ID and delegates to it; if none claims the Call-ID the
// response isn't ours to manage and is forwarded statelessly.
func (c *Controller) processResponse(res *sip.Response) {
	callID := ""
	if h := res.CallID(); h != nil {
		callID = h.Value()
	}
	core := c.proxyByCallID(callID)
	if core == nil {
		if err := c.sender.SendResponse(res); err != nil {
			c.logger.Error("forwarding unclaimed response failed", "call_id", callID, "error", err)
		}
		return
	}

	result := core.ProcessResponse(res)
	c.settle(core.ID(), core, result)
}
