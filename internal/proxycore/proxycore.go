// Package proxycore implements the stateful forking SIP proxy: one
// ServerTransaction wrapping an inbound request, N ClientTransactions (one
// per fork target) each driving its own RFC 3261 client state machine, and
// the best-response selection and CANCEL/ACK plumbing that ties them
// together.
//
// Every type in this package is built to run on a single cooperative
// event-loop thread, matching the concurrency model the proxy controller
// enforces: no mutex guards ProxyCore or ClientTransaction state, because
// nothing outside the event-loop goroutine is ever allowed to touch it.
package proxycore

import (
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/sipmsg"
	"github.com/sipproxy/sipproxy/internal/sipstack"
	"github.com/sipproxy/sipproxy/internal/timers"
)

// LaunchPolicy selects how a ProxyCore starts its ClientTransactions.
type LaunchPolicy int

const (
	// LaunchSerial tries targets one at a time; the next is only started
	// once the previous is resolved (a final response or a synchronous
	// send failure).
	LaunchSerial LaunchPolicy = iota
	// LaunchParallel forks to every target at once.
	LaunchParallel
)

// TimerKind identifies which of a branch's four timers fired.
type TimerKind int

const (
	TimerKindA TimerKind = iota
	TimerKindB
	TimerKindC
	TimerKindD
)

// TimerArg is the argument posted to a timers.Wheel when a ClientTransaction
// arms one of its timers. It carries lookup keys, not pointers, so a fired
// timer that outlives its ProxyCore or branch simply no-ops on dispatch.
type TimerArg struct {
	CoreID string
	Branch string
	Kind   TimerKind
}

// Config configures one ProxyCore instance; it is supplied once at
// construction and treated as immutable afterward.
type Config struct {
	// ID is the transaction id the proxy controller uses as this core's
	// registry key; it is echoed back in TimerArg.CoreID.
	ID string
	// ClientMsgID is the control-channel command id this core answers
	// route_api_response against.
	ClientMsgID string

	LaunchPolicy    LaunchPolicy
	RecordRoute     bool
	FullResponse    bool
	FollowRedirects bool

	// CustomHeaders is a raw sequence of RFC 3261 header lines
	// ("Name: value\r\n...") attached to every forwarded request.
	CustomHeaders string
}

// Deps are the external collaborators a ProxyCore drives.
type Deps struct {
	Sender sipstack.Sender
	Timers *timers.Set
	CDR    CDRSink
	Timing Timing

	// RecordRouteURI is the canonical Record-Route value this instance
	// inserts when Config.RecordRoute is set. Nil disables insertion even
	// if RecordRoute is requested (a warning is logged on each forwarded
	// request).
	RecordRouteURI *sip.Uri

	// LocalHost/LocalPort/Transport describe this instance's own
	// sent-by identity, stamped into the Via this core adds to every
	// forwarded request.
	LocalHost string
	LocalPort int
	Transport string

	Logger *slog.Logger
}

// ProxyCore is one proxied upstream request: one ServerTransaction plus an
// ordered list of ClientTransactions, one per fork target.
type ProxyCore struct {
	cfg  Config
	deps Deps

	CallID string

	// canceled is set once an upstream CANCEL arrives; it stops new targets
	// from being started but, unlike answered, does NOT skip best-response
	// selection — the branch being canceled still produces a real final
	// (487, typically) that must be chosen and forwarded once every branch
	// is final.
	canceled bool
	// answered is set once a 2xx has been forwarded upstream; once true,
	// every other branch's eventual outcome is irrelevant and
	// afterBranchResolved becomes a no-op.
	answered bool

	Server  *ServerTransaction
	Clients []*ClientTransaction

	clientsByBranch map[string]*ClientTransaction

	logger *slog.Logger
}

// NewProxyCore builds a ProxyCore; call Initialize before StartRequests.
func NewProxyCore(cfg Config, deps Deps) *ProxyCore {
	if deps.CDR == nil {
		deps.CDR = NopCDRSink{}
	}
	if deps.Transport == "" {
		deps.Transport = "UDP"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyCore{
		cfg:             cfg,
		deps:            deps,
		clientsByBranch: make(map[string]*ClientTransaction),
		logger:          logger.With("component", "proxycore", "transaction_id", cfg.ID),
	}
}

// Initialize builds the ServerTransaction wrapping tx/inboundReq and one
// ClientTransaction per target. It always finishes building that state,
// even when it returns ErrMaxForwardsExceeded, so the caller (the proxy
// controller's doProxy) can still use Server to reply 483 upstream.
func (c *ProxyCore) Initialize(tx sip.ServerTransaction, inboundReq *sip.Request, targets []sip.Uri) error {
	c.Server = NewServerTransaction(tx, inboundReq, c.deps.CDR)
	if h := inboundReq.CallID(); h != nil {
		c.CallID = h.Value()
	}

	for _, target := range targets {
		ct := newClientTransaction(target, inboundReq.Method, c.deps.Timing.T1)
		c.Clients = append(c.Clients, ct)
		c.clientsByBranch[ct.Branch] = ct
	}

	if mf := maxForwardsOf(inboundReq); mf != nil && *mf == 0 {
		return ErrMaxForwardsExceeded
	}
	return nil
}

// StartRequests launches not-yet-started ClientTransactions per the launch
// policy and returns how many were actually transmitted.
func (c *ProxyCore) StartRequests() (int, error) {
	if c.cfg.LaunchPolicy == LaunchParallel {
		started := 0
		for _, ct := range c.Clients {
			if ct.state != StateNotStarted {
				continue
			}
			if err := c.forwardRequest(ct); err == nil {
				started++
			}
		}
		if started == 0 && !c.hasOutstandingOrCompleted() {
			return 0, ErrNoTargetsReachable
		}
		return started, nil
	}

	// Serial: try exactly one not-started target; if its send fails
	// synchronously the outcome is already fully known, so keep trying
	// the next one within this same call rather than requiring the
	// caller to notice and re-invoke StartRequests for what is, from
	// the caller's perspective, the identical crank-through event.
	for _, ct := range c.Clients {
		if ct.state != StateNotStarted {
			continue
		}
		if err := c.forwardRequest(ct); err == nil {
			return 1, nil
		}
	}
	if c.hasOutstandingOrCompleted() {
		return 0, nil
	}
	return 0, ErrNoTargetsReachable
}

// ID returns the transaction id this core was constructed with, the key the
// proxy controller registers it under.
func (c *ProxyCore) ID() string { return c.cfg.ID }

// WantsFullResponse reports whether the control channel asked to see every
// response this core forwards, rather than only the final OK/done outcome.
func (c *ProxyCore) WantsFullResponse() bool {
	return c.cfg.FullResponse
}

// Release drops every branch's reference to its stored final response. The
// controller calls this once a ProcessResult.Resolved/NeedsCrank-free
// outcome means this core will never be touched again.
func (c *ProxyCore) Release() {
	for _, ct := range c.Clients {
		ct.releaseFinal()
	}
}

func (c *ProxyCore) hasOutstandingOrCompleted() bool {
	for _, ct := range c.Clients {
		switch ct.state {
		case StateCalling, StateProceeding, StateCompleted:
			return true
		}
	}
	return false
}

func (c *ProxyCore) hasNotStarted() bool {
	for _, ct := range c.Clients {
		if ct.state == StateNotStarted {
			return true
		}
	}
	return false
}

func (c *ProxyCore) allFinal() bool {
	for _, ct := range c.Clients {
		switch ct.state {
		case StateNotStarted, StateCalling, StateProceeding:
			return false
		}
	}
	return true
}

// ProcessResult reports what the caller (the proxy controller) must do
// after a ProcessResponse or Dispatch call.
type ProcessResult struct {
	// NeedsCrank is true when serial launch policy has targets left to
	// try and the caller should invoke StartRequests again.
	NeedsCrank bool
	// Resolved is true once this ProxyCore's outcome is final (a 2xx was
	// forwarded, every branch is final and a best response was chosen,
	// or the request was externally canceled) and it can be reaped.
	Resolved bool
}

// ProcessResponse routes res to the ClientTransaction whose Via branch
// matches, driving that branch's state machine, then decides whether
// upstream forwarding or a serial crank is due.
func (c *ProxyCore) ProcessResponse(res *sip.Response) ProcessResult {
	branch := branchOf(res)
	if branch == "" {
		return ProcessResult{}
	}
	ct := c.clientsByBranch[branch]
	if ct == nil {
		return ProcessResult{}
	}

	switch ct.state {
	case StateTerminated, StateNotStarted:
		return ProcessResult{} // late-arriving message; discard silently
	case StateCompleted:
		if res.StatusCode >= 200 {
			c.sendAck(ct, res) // retransmitted final: re-ACK, no re-forward
		}
		return ProcessResult{}
	}

	switch {
	case res.StatusCode < 101:
		return ProcessResult{} // 100 Trying: absorbed
	case res.StatusCode < 200:
		return c.handleProvisional(ct, res)
	case res.StatusCode < 300:
		return c.handleSuccess(ct, res)
	default:
		return c.handleFailure(ct, res)
	}
}

func (c *ProxyCore) handleProvisional(ct *ClientTransaction, res *sip.Response) ProcessResult {
	switch ct.state {
	case StateCalling:
		c.disarmA(ct)
		c.disarmB(ct)
		ct.state = StateProceeding
		ct.status = res.StatusCode
		c.armC(ct)
		if ct.pendingCancel {
			ct.pendingCancel = false
			c.sendCancel(ct)
		}
	case StateProceeding:
		ct.status = res.StatusCode
		c.disarmC(ct)
		c.armC(ct)
	default:
		return ProcessResult{}
	}
	if err := c.Server.ForwardResponse(c.deps.Sender, res); err != nil {
		c.logger.Error("forwarding provisional upstream failed", "branch", ct.Branch, "error", err)
	}
	return ProcessResult{}
}

func (c *ProxyCore) handleSuccess(ct *ClientTransaction, res *sip.Response) ProcessResult {
	switch ct.state {
	case StateCalling:
		c.disarmA(ct)
		c.disarmB(ct)
		c.disarmC(ct)
	case StateProceeding:
		c.disarmC(ct)
	default:
		return ProcessResult{}
	}
	ct.state = StateTerminated
	ct.status = res.StatusCode
	if err := c.Server.ForwardResponse(c.deps.Sender, res); err != nil {
		c.logger.Error("forwarding 2xx upstream failed", "branch", ct.Branch, "error", err)
	}
	if ct.Method == sip.INVITE {
		c.deps.CDR.PostCDR(CDRStart, SideNetwork, ReasonProxyUAC, c.CallID, nil)
	}
	c.notifyForwarded2xx(ct)
	return ProcessResult{Resolved: true}
}

func (c *ProxyCore) handleFailure(ct *ClientTransaction, res *sip.Response) ProcessResult {
	switch ct.state {
	case StateCalling:
		c.disarmA(ct)
		c.disarmB(ct)
		c.disarmC(ct)
	case StateProceeding:
		c.disarmC(ct)
	default:
		return ProcessResult{}
	}

	if ct.Method == sip.INVITE {
		c.deps.CDR.PostCDR(CDRStop, SideNetwork, cdrReasonForFinal(res.StatusCode), c.CallID, nil)
	}

	if res.StatusCode >= 300 && res.StatusCode < 400 && c.cfg.FollowRedirects {
		if c.followRedirect(ct, res) {
			// The redirect added fresh not_started branches; in serial
			// mode nothing will start them until the caller cranks.
			if c.cfg.LaunchPolicy == LaunchSerial {
				return ProcessResult{NeedsCrank: true}
			}
			for _, nct := range c.Clients {
				if nct.state == StateNotStarted {
					_ = c.forwardRequest(nct)
				}
			}
			return ProcessResult{}
		}
	}

	ct.state = StateCompleted
	ct.status = res.StatusCode
	ct.final = sipmsg.NewRef(res.Clone())
	c.armD(ct)
	c.sendAck(ct, res)
	return c.afterBranchResolved(ct)
}

// afterBranchResolved decides the crank/forward action once a branch
// reaches a final outcome (completed with a stored response, or terminated
// via a synthetic timeout status).
func (c *ProxyCore) afterBranchResolved(ct *ClientTransaction) ProcessResult {
	if c.answered {
		return ProcessResult{Resolved: true}
	}
	if !c.canceled && c.cfg.LaunchPolicy == LaunchSerial && c.hasNotStarted() {
		return ProcessResult{NeedsCrank: true}
	}
	if c.allFinal() {
		c.forwardBest()
		return ProcessResult{Resolved: true}
	}
	return ProcessResult{}
}

// notifyForwarded2xx marks the search answered and cancels every other
// branch; the 2xx itself has already been forwarded by the caller before
// this runs, so CANCELs always flow downstream strictly after the winning
// response goes upstream.
func (c *ProxyCore) notifyForwarded2xx(ct *ClientTransaction) {
	c.answered = true
	for _, other := range c.Clients {
		if other == ct {
			continue
		}
		c.cancelBranch(other)
	}
}

// CancelOutstandingRequests handles an upstream CANCEL: it stops new
// targets from starting and cancels every non-terminated branch. It does
// NOT mark the core answered — the canceled branch still owes a real final
// response (487, typically), which forwardBest selects and forwards once
// every branch reaches its terminal state.
func (c *ProxyCore) CancelOutstandingRequests() {
	c.canceled = true
	for _, ct := range c.Clients {
		c.cancelBranch(ct)
	}
}

// cancelBranch issues (or defers) a CANCEL for ct depending on its state.
// CANCEL is only meaningful for a branch that has an outstanding downstream
// transaction: `calling` defers it and `proceeding` sends it now;
// not_started/completed/terminated branches have nothing to cancel.
func (c *ProxyCore) cancelBranch(ct *ClientTransaction) {
	switch ct.state {
	case StateCalling:
		ct.pendingCancel = true
	case StateProceeding:
		c.sendCancel(ct)
	}
}

// Dispatch routes a fired timer to its branch's handler. It is the single
// entry point the proxy controller calls after draining a timers.Wheel; it
// is safe to call after the branch or even this ProxyCore has been reaped,
// since the lookup simply misses and the call is a no-op.
func (c *ProxyCore) Dispatch(arg TimerArg) ProcessResult {
	ct := c.clientsByBranch[arg.Branch]
	if ct == nil {
		return ProcessResult{}
	}
	switch arg.Kind {
	case TimerKindA:
		return c.onTimerA(ct)
	case TimerKindB:
		return c.onTimerB(ct)
	case TimerKindC:
		return c.onTimerC(ct)
	case TimerKindD:
		return c.onTimerD(ct)
	default:
		return ProcessResult{}
	}
}

func (c *ProxyCore) onTimerA(ct *ClientTransaction) ProcessResult {
	if ct.state != StateCalling {
		return ProcessResult{}
	}
	ct.retransmitCount++
	if err := c.deps.Sender.SendRequest(ct.req); err != nil {
		c.disarmA(ct)
		c.disarmB(ct)
		c.disarmC(ct)
		ct.state = StateTerminated
		ct.status = 503
		return c.afterBranchResolved(ct)
	}
	ct.retransmitInterval *= 2
	if ct.retransmitInterval > c.deps.Timing.T2 {
		ct.retransmitInterval = c.deps.Timing.T2
	}
	c.armA(ct)
	return ProcessResult{}
}

func (c *ProxyCore) onTimerB(ct *ClientTransaction) ProcessResult {
	if ct.state != StateCalling {
		return ProcessResult{}
	}
	c.disarmA(ct)
	c.disarmB(ct)
	c.disarmC(ct)
	ct.state = StateTerminated
	ct.status = 408
	return c.afterBranchResolved(ct)
}

func (c *ProxyCore) onTimerC(ct *ClientTransaction) ProcessResult {
	if ct.state != StateProceeding {
		return ProcessResult{}
	}
	c.sendCancel(ct)
	c.disarmC(ct)
	ct.state = StateTerminated
	ct.status = 408
	return c.afterBranchResolved(ct)
}

func (c *ProxyCore) onTimerD(ct *ClientTransaction) ProcessResult {
	if ct.state != StateCompleted {
		return ProcessResult{}
	}
	c.disarmD(ct)
	ct.state = StateTerminated
	return ProcessResult{}
}

func (c *ProxyCore) armA(ct *ClientTransaction) {
	ct.timerA = c.deps.Timers.Default.Add(ct.retransmitInterval, TimerArg{CoreID: c.cfg.ID, Branch: ct.Branch, Kind: TimerKindA})
}
func (c *ProxyCore) disarmA(ct *ClientTransaction) {
	c.deps.Timers.Default.Remove(ct.timerA)
}
func (c *ProxyCore) armB(ct *ClientTransaction) {
	ct.timerB = c.deps.Timers.B.Add(c.deps.Timing.B, TimerArg{CoreID: c.cfg.ID, Branch: ct.Branch, Kind: TimerKindB})
}
func (c *ProxyCore) disarmB(ct *ClientTransaction) {
	c.deps.Timers.B.Remove(ct.timerB)
}
func (c *ProxyCore) armC(ct *ClientTransaction) {
	ct.timerC = c.deps.Timers.C.Add(c.deps.Timing.C, TimerArg{CoreID: c.cfg.ID, Branch: ct.Branch, Kind: TimerKindC})
}
func (c *ProxyCore) disarmC(ct *ClientTransaction) {
	c.deps.Timers.C.Remove(ct.timerC)
}
func (c *ProxyCore) armD(ct *ClientTransaction) {
	ct.timerD = c.deps.Timers.D.Add(c.deps.Timing.D, TimerArg{CoreID: c.cfg.ID, Branch: ct.Branch, Kind: TimerKindD})
}
func (c *ProxyCore) disarmD(ct *ClientTransaction) {
	c.deps.Timers.D.Remove(ct.timerD)
}

// forwardRequest mutates a clone of the inbound message (Max-Forwards
// decrement, target URI swap, Record-Route insertion, custom headers, Via)
// and hands it to the stack's Sender.
func (c *ProxyCore) forwardRequest(ct *ClientTransaction) error {
	req := c.Server.MsgDup()

	if mf := maxForwardsOf(req); mf != nil {
		*mf--
	} else {
		h := sip.MaxForwardsHeader(70)
		req.AppendHeader(&h)
	}

	req.Recipient = *ct.Target.Clone()

	if c.cfg.RecordRoute {
		if c.deps.RecordRouteURI != nil {
			req.AppendHeader(&sip.RecordRouteHeader{Address: *c.deps.RecordRouteURI.Clone()})
		} else {
			c.logger.Warn("record-route requested but no canonical record-route uri configured")
		}
	}

	if c.cfg.CustomHeaders != "" {
		applyCustomHeaders(req, c.cfg.CustomHeaders)
	}

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       c.deps.Transport,
		Host:            c.deps.LocalHost,
		Port:            c.deps.LocalPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", ct.Branch)
	req.PrependHeader(via)

	ct.req = req

	if err := c.deps.Sender.SendRequest(req); err != nil {
		ct.state = StateTerminated
		ct.status = 503
		return ErrSendFailure
	}

	ct.state = StateCalling
	c.armA(ct)
	c.armB(ct)
	c.armC(ct)

	if ct.Method == sip.INVITE {
		c.deps.CDR.PostCDR(CDRAttempt, SideApplication, ReasonProxyUAC, c.CallID, nil)
	}
	return nil
}

// applyCustomHeaders parses a raw sequence of "Name: value" lines and
// attaches each as a generic header to req.
func applyCustomHeaders(req *sip.Request, raw string) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if name == "" {
			continue
		}
		req.AppendHeader(sip.NewHeader(name, value))
	}
}

func maxForwardsOf(req *sip.Request) *sip.MaxForwardsHeader {
	h := req.GetHeader("Max-Forwards")
	if h == nil {
		return nil
	}
	mf, ok := h.(*sip.MaxForwardsHeader)
	if !ok {
		return nil
	}
	return mf
}

func branchOf(res *sip.Response) string {
	via := res.Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}
