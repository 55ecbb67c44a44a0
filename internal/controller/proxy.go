package controller

import (
	"errors"

	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/proxycore"
)

// ProxyRequestParams mirrors the fields the proxy_request control-channel
// command carries.
type ProxyRequestParams struct {
	ClientMsgID     string
	TransactionID   string
	RecordRoute     bool
	FullResponse    bool
	FollowRedirects bool
	LaunchPolicy    proxycore.LaunchPolicy
	Targets         []sip.Uri
	CustomHeaders   string
}

// ProxyRequest looks up the pending request buffered under
// params.TransactionID, builds its ProxyCore, and posts doProxy to the
// event loop. A lookup miss replies NOK synchronously; ProxyRequest itself
// never touches registry state, only doProxy running on the loop does.
func (c *Controller) ProxyRequest(params ProxyRequestParams) {
	req, tx, ok := c.pend.Take(params.TransactionID)
	if !ok {
		c.resp.RouteAPIResponse(params.ClientMsgID, "NOK", "Unknown transaction id: "+params.TransactionID)
		return
	}

	cfg := proxycore.Config{
		ID:              params.TransactionID,
		ClientMsgID:     params.ClientMsgID,
		LaunchPolicy:    params.LaunchPolicy,
		RecordRoute:     params.RecordRoute,
		FullResponse:    params.FullResponse,
		FollowRedirects: params.FollowRedirects,
		CustomHeaders:   params.CustomHeaders,
	}
	deps := proxycore.Deps{
		Sender:         c.sender,
		Timers:         c.timers,
		CDR:            c.cdr,
		Timing:         c.cfg.Timing,
		RecordRouteURI: c.cfg.RecordRouteURI,
		LocalHost:      c.cfg.LocalHost,
		LocalPort:      c.cfg.LocalPort,
		Transport:      c.cfg.Transport,
		Logger:         c.logger,
	}
	core := proxycore.NewProxyCore(cfg, deps)
	err := core.Initialize(tx, req, params.Targets)
	maxForwardsExceeded := errors.Is(err, proxycore.ErrMaxForwardsExceeded)
	if err != nil && !maxForwardsExceeded {
		c.resp.RouteAPIResponse(params.ClientMsgID, "NOK", "error initializing proxy: "+err.Error())
		return
	}

	if postErr := c.post(func() {
		c.doProxy(params.ClientMsgID, params.TransactionID, core, maxForwardsExceeded)
	}); postErr != nil {
		c.resp.RouteAPIResponse(params.ClientMsgID, "NOK", "Internal server error sending message")
	}
}

// doProxy runs on the event-loop goroutine: admits the request (Max-Forwards
// check), acks it with a provisional 100 Trying, and starts the fork.
func (c *Controller) doProxy(clientMsgID, transactionID string, core *proxycore.ProxyCore, maxForwardsExceeded bool) {
	c.register(transactionID, core)

	if maxForwardsExceeded {
		_ = core.Server.GenerateResponse(c.sender, 483, "")
		c.reap(transactionID, core)
		c.resp.RouteAPIResponse(clientMsgID, "NOK", "Rejected with 483 Too Many Hops due to Max-Forwards value of 0")
		return
	}

	_ = core.Server.GenerateProvisional(c.sender, 100, "Trying")

	started, err := core.StartRequests()
	if err != nil || started == 0 {
		_ = core.Server.GenerateResponse(c.sender, 500, "")
		c.reap(transactionID, core)
		c.resp.RouteAPIResponse(clientMsgID, "NOK", "error proxying request to target")
		return
	}

	if !core.WantsFullResponse() {
		c.resp.RouteAPIResponse(clientMsgID, "OK", "done")
	}
}
