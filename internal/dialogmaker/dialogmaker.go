// Package dialogmaker composes and sends the response to a directly
// answered incoming INVITE. It is the UAS counterpart to proxycore: where
// proxycore forks a request to one or more downstream targets, dialogmaker
// lets a control-channel client answer the INVITE itself (final or
// provisional), building the response's headers from a client-supplied
// payload under a fixed allow/deny policy.
package dialogmaker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/proxycore"
	"github.com/sipproxy/sipproxy/internal/sipstack"
)

// IIP ("invite in progress") is the state dialogmaker tracks between the
// moment a control client is told about an incoming INVITE and the moment
// it answers it.
type IIP struct {
	IRQID string
	MsgID string
	Tx    sip.ServerTransaction
	Req   *sip.Request
}

// Poster shares a single event-loop goroutine with its caller: anything
// posted here is guaranteed to run serialized with every ProxyCore mutation
// elsewhere in the process.
type Poster interface {
	Post(fn func()) error
}

// RespondParams is the control-channel payload for answering an incoming
// INVITE.
type RespondParams struct {
	Code    int
	Status  string
	Headers map[string]any
}

type DialogMaker struct {
	sender sipstack.Sender
	loop   Poster
	logger *slog.Logger

	mu      sync.Mutex
	byIRQ   map[string]*IIP
	byMsgID map[string]*IIP
}

func New(sender sipstack.Sender, loop Poster, logger *slog.Logger) *DialogMaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DialogMaker{
		sender:  sender,
		loop:    loop,
		logger:  logger.With("component", "dialogmaker"),
		byIRQ:   make(map[string]*IIP),
		byMsgID: make(map[string]*IIP),
	}
}

// AddIncomingInviteTransaction registers an invite-in-progress under both
// the irqID and msgID indexes, making it answerable later via
// RespondToSipRequest(msgID, ...).
func (d *DialogMaker) AddIncomingInviteTransaction(irqID, msgID string, tx sip.ServerTransaction, req *sip.Request) {
	iip := &IIP{IRQID: irqID, MsgID: msgID, Tx: tx, Req: req}
	d.mu.Lock()
	d.byIRQ[irqID] = iip
	d.byMsgID[msgID] = iip
	d.mu.Unlock()
}

// RespondToSipRequest is called from a control-channel thread. It packages
// params and posts the actual reply to the shared event loop; no stack
// mutation happens on the caller's own goroutine.
func (d *DialogMaker) RespondToSipRequest(msgID string, params RespondParams) error {
	if err := d.loop.Post(func() { d.doRespondToSipRequest(msgID, params) }); err != nil {
		return fmt.Errorf("dialogmaker: %w", err)
	}
	return nil
}

// doRespondToSipRequest runs on the event-loop goroutine.
func (d *DialogMaker) doRespondToSipRequest(msgID string, params RespondParams) {
	d.mu.Lock()
	iip, ok := d.byMsgID[msgID]
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("unable to find invite-in-progress", "msg_id", msgID)
		return
	}

	headers := d.buildHeaders(params.Headers)

	status := params.Status
	if status == "" {
		status = proxycore.DefaultReasonPhrase(params.Code)
	}
	res := sip.NewResponseFromRequest(iip.Req, params.Code, status, nil)
	for _, h := range headers {
		res.AppendHeader(h)
	}

	if err := d.sender.StatefulReply(iip.Tx, res); err != nil {
		d.logger.Error("replying to invite failed", "msg_id", msgID, "call_id", iip.IRQID, "error", err)
	}

	if params.Code >= 200 {
		d.mu.Lock()
		delete(d.byMsgID, msgID)
		d.mu.Unlock()
	}
}

// buildHeaders turns a client-supplied header map into the list of sip.Header
// values that are actually safe to emit, per the mapped/immutable/custom
// rules: immutable names are dropped with an error log, mapped names emit
// under their canonical wire spelling, and anything else is validated as a
// custom header before being emitted verbatim.
func (d *DialogMaker) buildHeaders(raw map[string]any) []sip.Header {
	var out []sip.Header
	for name, rawValue := range raw {
		canonical := canonicalize(name)

		if _, blocked := immutableHeaders[canonical]; blocked {
			d.logger.Error("client supplied immutable header, ignoring", "header", name)
			continue
		}

		value, ok := rawValue.(string)
		if !ok {
			d.logger.Error("client supplied non-string header value, ignoring", "header", name)
			continue
		}

		if wireName, known := mappedHeaders[canonical]; known {
			out = append(out, &sip.GenericHeader{HeaderName: wireName, Contents: value})
			continue
		}

		if !validCustomHeaderName(name) {
			d.logger.Error("client supplied invalid custom header name", "header", name)
			continue
		}
		if !validHeaderValue(value) {
			d.logger.Error("client supplied invalid custom header value", "header", name)
			continue
		}
		out = append(out, &sip.GenericHeader{HeaderName: name, Contents: value})
	}
	return out
}
