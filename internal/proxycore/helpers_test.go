package proxycore

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/timers"
)

// fakeServerTx is a minimal sip.ServerTransaction test double: it records
// every response passed to Respond and never touches the network.
type fakeServerTx struct {
	mu        sync.Mutex
	responded []*sip.Response
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{}
}

func (f *fakeServerTx) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, res)
	return nil
}
func (f *fakeServerTx) Terminate()                        {}
func (f *fakeServerTx) OnTerminate(sip.FnTxTerminate) bool { return true }
func (f *fakeServerTx) Done() <-chan struct{}              { return nil }
func (f *fakeServerTx) Err() error                         { return nil }
func (f *fakeServerTx) Acks() <-chan *sip.Request           { return nil }
func (f *fakeServerTx) OnCancel(sip.FnTxCancel) bool        { return true }

func (f *fakeServerTx) lastResponse() *sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responded) == 0 {
		return nil
	}
	return f.responded[len(f.responded)-1]
}

func (f *fakeServerTx) allResponses() []*sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*sip.Response, len(f.responded))
	copy(out, f.responded)
	return out
}

// fakeSender is a sipstack.Sender test double recording every outbound
// request/response, with optional per-target failure injection.
type fakeSender struct {
	mu        sync.Mutex
	requests  []*sip.Request
	responses []*sip.Response
	failHosts map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{failHosts: make(map[string]bool)}
}

func (f *fakeSender) failFor(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failHosts[host] = true
}

func (f *fakeSender) SendRequest(req *sip.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHosts[req.Recipient.Host] {
		return errSendRefused
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeSender) SendResponse(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeSender) StatefulReply(tx sip.ServerTransaction, res *sip.Response) error {
	return tx.Respond(res)
}

func (f *fakeSender) requestsByMethod(method sip.RequestMethod) []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Request
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

var errSendRefused = &sendRefusedErr{}

type sendRefusedErr struct{}

func (*sendRefusedErr) Error() string { return "fake sender: connection refused" }

// fakeCDRSink records every posted record.
type fakeCDRSink struct {
	mu      sync.Mutex
	records []cdrRecord
}

type cdrRecord struct {
	Kind   CDRKind
	Side   CDRSide
	Reason CDRReason
	CallID string
}

func (f *fakeCDRSink) PostCDR(kind CDRKind, side CDRSide, reason CDRReason, callID string, _ []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, cdrRecord{kind, side, reason, callID})
}

func (f *fakeCDRSink) count(kind CDRKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// countWhere counts records matching kind/side/reason.
func (f *fakeCDRSink) countWhere(kind CDRKind, side CDRSide, reason CDRReason) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.Kind == kind && r.Side == side && r.Reason == reason {
			n++
		}
	}
	return n
}

func mustURI(s string) sip.Uri {
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		panic(err)
	}
	return u
}

func newInboundInvite(callID, fromUser, toUser string) *sip.Request {
	recipient := mustURI("sip:" + toUser + "@upstream.example.com")
	req := sip.NewRequest(sip.INVITE, recipient)

	from := &sip.FromHeader{Address: mustURI("sip:" + fromUser + "@caller.example.com"), Params: sip.NewParams()}
	from.Params.Add("tag", "fromtag-"+callID)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: mustURI("sip:" + toUser + "@upstream.example.com"), Params: sip.NewParams()}
	req.AppendHeader(to)

	cid := sip.CallID(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "caller.example.com", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", "z9hG4bK-inbound")
	req.AppendHeader(via)

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	return req
}

func newTestDeps(sender *fakeSender, cdr CDRSink, timing Timing) Deps {
	return Deps{
		Sender:    sender,
		Timers:    timers.NewSet(),
		CDR:       cdr,
		Timing:    timing,
		LocalHost: "proxy.example.com",
		LocalPort: 5060,
		Transport: "UDP",
	}
}

// noFireTiming sets every interval far enough out that none of a branch's
// real background wheels ever fire during a test; scenarios that exercise
// timer-driven transitions call ProxyCore.Dispatch directly instead of
// waiting on wall-clock time.
func noFireTiming() Timing {
	huge := time.Hour
	return Timing{T1: huge, T2: huge, B: huge, C: huge, D: huge}
}

func responseFor(req *sip.Request, status int, reason string) *sip.Response {
	return sip.NewResponseFromRequest(req, status, reason, nil)
}
