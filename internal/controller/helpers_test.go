package controller

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/proxycore"
)

type fakeServerTx struct {
	mu        sync.Mutex
	responded []*sip.Response
}

func newFakeServerTx() *fakeServerTx { return &fakeServerTx{} }

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
func (f *fakeServerTx) Acks() <-chan *sip.Request          { return nil }
func (f *fakeServerTx) OnCancel(sip.FnTxCancel) bool       { return true }

func (f *fakeServerTx) lastResponse() *sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responded) == 0 {
		return nil
	}
	return f.responded[len(f.responded)-1]
}

type fakeSender struct {
	mu        sync.Mutex
	requests  []*sip.Request
	responses []*sip.Response
}

func newFakeSender() *fakeSender { return &fakeSender{} }

func (f *fakeSender) SendRequest(req *sip.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

// fakeCDRSink satisfies cdr.Sink (proxycore.CDRSink plus CountByKind and Close).
type fakeCDRSink struct {
	mu      sync.Mutex
	records []cdrRecord
}

type cdrRecord struct {
	Kind   proxycore.CDRKind
	Side   proxycore.CDRSide
	Reason proxycore.CDRReason
	CallID string
}

func (f *fakeCDRSink) PostCDR(kind proxycore.CDRKind, side proxycore.CDRSide, reason proxycore.CDRReason, callID string, _ []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, cdrRecord{kind, side, reason, callID})
}

func (f *fakeCDRSink) Close() error { return nil }

func (f *fakeCDRSink) CountByKind(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, r := range f.records {
		counts[r.Kind.String()]++
	}
	return counts, nil
}

func (f *fakeCDRSink) count(kind proxycore.CDRKind) int {
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

// fakeResponseRouter records every route_api_response outcome.
type fakeResponseRouter struct {
	mu   sync.Mutex
	outs []routeOutcome
}

type routeOutcome struct {
	ClientMsgID string
	Outcome     string
	Detail      string
}

func (f *fakeResponseRouter) RouteAPIResponse(clientMsgID, outcome, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outs = append(f.outs, routeOutcome{clientMsgID, outcome, detail})
}

func (f *fakeResponseRouter) last() (routeOutcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outs) == 0 {
		return routeOutcome{}, false
	}
	return f.outs[len(f.outs)-1], true
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

func noFireTiming() proxycore.Timing {
	huge := time.Hour
	return proxycore.Timing{T1: huge, T2: huge, B: huge, C: huge, D: huge}
}

func responseFor(req *sip.Request, status int, reason string) *sip.Response {
	return sip.NewResponseFromRequest(req, status, reason, nil)
}

func newTestController() (*Controller, *fakeSender, *fakeCDRSink, *fakeResponseRouter, PendingRequestStore) {
	sender := newFakeSender()
	cdrSink := &fakeCDRSink{}
	resp := &fakeResponseRouter{}
	pend := NewMemPendingRequestStore()

	cfg := Config{
		LocalHost: "proxy.example.com",
		LocalPort: 5060,
		Transport: "UDP",
		Timing:    noFireTiming(),
	}
	c := New(cfg, sender, cdrSink, pend, resp, nil)
	return c, sender, cdrSink, resp, pend
}
