package dialogmaker

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

type fakeServerTx struct {
	mu        sync.Mutex
	responded []*sip.Response
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
	responses []*sip.Response
}

func (f *fakeSender) SendRequest(req *sip.Request) error { return nil }

func (f *fakeSender) SendResponse(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeSender) StatefulReply(tx sip.ServerTransaction, res *sip.Response) error {
	return tx.Respond(res)
}

// fakePoster runs posted closures immediately on the calling goroutine,
// since dialogmaker tests drive the loop synchronously rather than starting
// a real Controller.Run.
type fakePoster struct{}

func (fakePoster) Post(fn func()) error {
	fn()
	return nil
}

func mustURI(s string) sip.Uri {
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		panic(err)
	}
	return u
}

func newIncomingInvite(callID string) *sip.Request {
	recipient := mustURI("sip:bob@here.example.com")
	req := sip.NewRequest(sip.INVITE, recipient)

	from := &sip.FromHeader{Address: mustURI("sip:alice@caller.example.com"), Params: sip.NewParams()}
	from.Params.Add("tag", "fromtag-"+callID)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: mustURI("sip:bob@here.example.com"), Params: sip.NewParams()}
	req.AppendHeader(to)

	cid := sip.CallID(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "caller.example.com", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", "z9hG4bK-inbound")
	req.AppendHeader(via)

	return req
}
