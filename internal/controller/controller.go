// Package controller is the single event-loop owner of every ProxyCore in
// the process. It replaces the original's su_msg_create/su_msg_send
// cross-thread post (placement-new a command object, hand it to the clone
// task) with a buffered channel of closures: any goroutine that needs to
// touch proxy state builds a closure and pushes it onto that channel; only
// the loop goroutine ever calls into a registered *proxycore.ProxyCore or
// mutates the registries below it.
package controller

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/cdr"
	"github.com/sipproxy/sipproxy/internal/proxycore"
	"github.com/sipproxy/sipproxy/internal/sipstack"
	"github.com/sipproxy/sipproxy/internal/timers"
)

// ResponseRouter is the control channel's reply sink: ProxyRequest and
// doProxy use it to deliver the asynchronous "OK"/"NOK"/"done" outcomes.
type ResponseRouter interface {
	RouteAPIResponse(clientMsgID, outcome, detail string)
}

// Config configures the Controller's own defaults, applied to every
// ProxyCore it builds.
type Config struct {
	LocalHost string
	LocalPort int
	Transport string

	// RecordRouteURI is passed through to every ProxyCore as its
	// canonical Record-Route value.
	RecordRouteURI *sip.Uri

	Timing proxycore.Timing
}

// Controller owns the two proxy registries (by call-id and by transaction-id),
// the four timer wheels, and the single event-loop goroutine everything
// above funnels through.
type Controller struct {
	cfg    Config
	sender sipstack.Sender
	cdr    cdr.Sink
	pend   PendingRequestStore
	resp   ResponseRouter
	logger *slog.Logger

	timers *timers.Set

	// mu guards the two registries only; everything else a ProxyCore owns
	// is touched exclusively from the loop goroutine.
	mu       sync.RWMutex
	byCallID map[string]*proxycore.ProxyCore
	byTxnID  map[string]*proxycore.ProxyCore

	loop chan func()
	done chan struct{}
}

// New builds a Controller. Run must be called (typically in its own
// goroutine) before any command is posted.
func New(cfg Config, sender sipstack.Sender, sink cdr.Sink, pend PendingRequestStore, resp ResponseRouter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		sender:   sender,
		cdr:      sink,
		pend:     pend,
		resp:     resp,
		logger:   logger.With("component", "controller"),
		timers:   timers.NewSet(),
		byCallID: make(map[string]*proxycore.ProxyCore),
		byTxnID:  make(map[string]*proxycore.ProxyCore),
		loop:     make(chan func(), 256),
		done:     make(chan struct{}),
	}
}

// Run drains the event-loop channel and the four timer wheels until Close
// is called. It must run on exactly one goroutine for the lifetime of the
// Controller: every ProxyCore mutation happens inside a closure this loop
// executes, never concurrently with another one.
func (c *Controller) Run() {
	for {
		select {
		case fn := <-c.loop:
			fn()
		case fired := <-c.timers.Default.C:
			c.dispatchTimer(fired)
		case fired := <-c.timers.B.C:
			c.dispatchTimer(fired)
		case fired := <-c.timers.C.C:
			c.dispatchTimer(fired)
		case fired := <-c.timers.D.C:
			c.dispatchTimer(fired)
		case <-c.done:
			return
		}
	}
}

// Close stops Run and releases the timer wheels. Safe to call once.
func (c *Controller) Close() {
	close(c.done)
	c.timers.Close()
}

// post enqueues fn to run on the event-loop goroutine. It never blocks: if
// the queue is full, fn is dropped and ErrInternalPostFailure is returned.
func (c *Controller) post(fn func()) error {
	select {
	case c.loop <- fn:
		return nil
	default:
		return fmt.Errorf("controller: %w", proxycore.ErrInternalPostFailure)
	}
}

// Post is the exported form of post: any collaborator that shares this
// Controller's event loop (dialogmaker's respond-to-invite path, in
// particular) posts through here rather than owning a second loop.
func (c *Controller) Post(fn func()) error {
	return c.post(fn)
}

// IsProxying reports whether callID currently has a live ProxyCore. Safe to
// call from any goroutine: control-channel admission probes use it directly
// rather than posting to the loop.
func (c *Controller) IsProxying(callID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byCallID[callID]
	return ok
}

// Stats is a point-in-time snapshot of the controller's forking load, for
// internal/metrics to expose as gauges.
type Stats struct {
	ActiveForks    int
	ActiveBranches int
}

// Snapshot reports the current number of in-flight ProxyCores and the sum of
// their client transactions. Safe to call from any goroutine.
func (c *Controller) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{ActiveForks: len(c.byTxnID)}
	for _, core := range c.byTxnID {
		stats.ActiveBranches += len(core.Clients)
	}
	return stats
}

// Timers exposes the four timer wheels for internal/metrics to report their
// depth. Safe to call from any goroutine: each Wheel.Len() locks internally.
func (c *Controller) Timers() *timers.Set {
	return c.timers
}

// register adds core under both indexes. Must run on the loop goroutine.
func (c *Controller) register(transactionID string, core *proxycore.ProxyCore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTxnID[transactionID] = core
	c.byCallID[core.CallID] = core
}

// reap removes core from both indexes and releases its stored final
// responses. Must run on the loop goroutine.
func (c *Controller) reap(transactionID string, core *proxycore.ProxyCore) {
	c.mu.Lock()
	delete(c.byTxnID, transactionID)
	delete(c.byCallID, core.CallID)
	c.mu.Unlock()
	core.Release()
}

func (c *Controller) proxyByCallID(callID string) *proxycore.ProxyCore {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byCallID[callID]
}

func (c *Controller) dispatchTimer(fired timers.Fired) {
	arg, ok := fired.Arg.(proxycore.TimerArg)
	if !ok {
		return
	}
	c.mu.RLock()
	core := c.byTxnID[arg.CoreID]
	c.mu.RUnlock()
	if core == nil {
		return // fired after its core was already reaped; no-op by design
	}
	result := core.Dispatch(arg)
	c.settle(arg.CoreID, core, result)
}

// settle applies a ProcessResult's side effects: a serial crank, or a reap
// once the outcome is final. Called from the loop goroutine only.
func (c *Controller) settle(transactionID string, core *proxycore.ProxyCore, result proxycore.ProcessResult) {
	if result.NeedsCrank {
		if _, err := core.StartRequests(); err != nil {
			c.logger.Error("crank failed to start any further target", "transaction_id", transactionID, "error", err)
			c.reap(transactionID, core)
		}
		return
	}
	if result.Resolved {
		c.reap(transactionID, core)
	}
}
