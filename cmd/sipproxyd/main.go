// Command sipproxyd is the stateful forking SIP proxy daemon: it accepts
// inbound SIP requests over UDP (TCP is not served), holds each one for a control-channel
// client to either fork (proxy_request) or answer directly
// (respond_to_sip_request), and reports metrics and CDRs for the calls it
// carries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipproxy/sipproxy/internal/cdr"
	"github.com/sipproxy/sipproxy/internal/config"
	"github.com/sipproxy/sipproxy/internal/controlapi"
	"github.com/sipproxy/sipproxy/internal/controlapi/middleware"
	"github.com/sipproxy/sipproxy/internal/controller"
	"github.com/sipproxy/sipproxy/internal/dialogmaker"
	"github.com/sipproxy/sipproxy/internal/metrics"
	"github.com/sipproxy/sipproxy/internal/proxycore"
	"github.com/sipproxy/sipproxy/internal/sipstack"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting sipproxyd",
		"sip_host", cfg.SIPHost,
		"sip_port", cfg.SIPPort,
		"control_port", cfg.ControlPort,
		"data_dir", cfg.DataDir,
	)

	cdrSink, err := cdr.Open(cfg.DataDir, logger)
	if err != nil {
		slog.Error("failed to open cdr sink", "error", err)
		os.Exit(1)
	}
	defer cdrSink.Close()

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	var recordRouteURI *sip.Uri
	if cfg.RecordRoute != "" {
		var u sip.Uri
		if err := sip.ParseUri(cfg.RecordRoute, &u); err != nil {
			slog.Error("failed to parse record-route uri", "value", cfg.RecordRoute, "error", err)
			os.Exit(1)
		}
		recordRouteURI = &u
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("sipproxyd"))
	if err != nil {
		slog.Error("failed to create sip user agent", "error", err)
		os.Exit(1)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.SIPHost))
	if err != nil {
		slog.Error("failed to create sip client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	// ctrl is assigned below, after construction; the sender closure only
	// calls through it once a response actually arrives, by which point
	// Run has already started.
	var ctrl *controller.Controller
	sender := sipstack.New(client, srv, func(res *sip.Response) {
		ctrl.OnResponse(res)
	})

	pend := controller.NewMemPendingRequestStore()
	events := controlapi.NewEventsHub(logger)

	ctrl = controller.New(controller.Config{
		LocalHost:      cfg.SIPHost,
		LocalPort:      cfg.SIPPort,
		Transport:      "UDP",
		RecordRouteURI: recordRouteURI,
		Timing: proxycore.Timing{
			T1: cfg.TimerT1,
			T2: 4 * cfg.TimerT1,
			B:  64 * cfg.TimerT1,
			C:  cfg.TimerC,
			D:  cfg.TimerD,
		},
	}, sender, cdrSink, pend, events, logger)
	go ctrl.Run()
	defer ctrl.Close()

	dialogMaker := dialogmaker.New(sender, ctrl, logger)

	wireRequestHandlers(srv, ctrl, pend, dialogMaker, events, logger)

	collector := metrics.NewCollector(
		forkStatsAdapter{ctrl},
		map[string]metrics.TimerWheelProvider{
			"default": ctrl.Timers().Default,
			"timerB":  ctrl.Timers().B,
			"timerC":  ctrl.Timers().C,
			"timerD":  ctrl.Timers().D,
		},
		cdrSink,
		time.Now(),
	)
	prometheus.MustRegister(collector)

	controlSrv := controlapi.NewServer(ctrl, dialogMaker, events, jwtSecret, middleware.ParseCORSOrigins(cfg.CORSOrigins), logger)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ControlPort),
		Handler:      controlSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	go func() {
		slog.Info("sip server listening", "addr", cfg.SIPHost, "port", cfg.SIPPort)
		if err := srv.ListenAndServe(appCtx, "udp", fmt.Sprintf(":%d", cfg.SIPPort)); err != nil {
			errCh <- fmt.Errorf("sip server: %w", err)
		}
	}()

	go func() {
		slog.Info("control api listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control api: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	appCancel()
	if err := srv.Close(); err != nil {
		slog.Error("sip server shutdown error", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("control api shutdown error", "error", err)
	}

	slog.Info("sipproxyd stopped")
}

// forkStatsAdapter satisfies metrics.ForkStatsProvider by converting
// controller.Stats to the identically-shaped metrics.Stats: the two
// packages each own their own value type rather than one importing the
// other for a single struct.
type forkStatsAdapter struct {
	ctrl *controller.Controller
}

func (a forkStatsAdapter) Snapshot() metrics.Stats {
	s := a.ctrl.Snapshot()
	return metrics.Stats{ActiveForks: s.ActiveForks, ActiveBranches: s.ActiveBranches}
}

// wireRequestHandlers registers every SIP method the proxy accepts. INVITE
// is special-cased: a request carrying a Route header is an in-dialog
// re-INVITE and is forwarded like any other in-dialog request, but a Route-
// less INVITE is a brand new call and is only ever admitted by a
// control-channel client, so it is buffered and announced instead of
// forwarded immediately.
func wireRequestHandlers(srv *sipgo.Server, ctrl *controller.Controller, pend controller.PendingRequestStore, dialogMaker *dialogmaker.DialogMaker, events *controlapi.EventsHub, logger *slog.Logger) {
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		if req.Route() != nil {
			ctrl.OnRequest(req, tx)
			return
		}
		admitNewInvite(req, tx, pend, dialogMaker, events, logger)
	})

	srv.OnAck(ctrl.OnRequest)
	srv.OnBye(ctrl.OnRequest)
	srv.OnCancel(ctrl.OnRequest)
	srv.OnOptions(ctrl.OnRequest)
	srv.OnInfo(ctrl.OnRequest)
	srv.OnUpdate(ctrl.OnRequest)
	srv.OnPrack(ctrl.OnRequest)
	srv.OnNotify(ctrl.OnRequest)
	srv.OnRefer(ctrl.OnRequest)
	srv.OnMessage(ctrl.OnRequest)
	srv.OnNoRoute(ctrl.OnRequest)
}

// admitNewInvite buffers a brand new inbound INVITE under a freshly minted
// transaction id and notifies control clients; it does not touch any
// ProxyCore state itself, since nothing is proxied until a control client
// calls proxy_request or respond_to_sip_request with this id.
func admitNewInvite(req *sip.Request, tx sip.ServerTransaction, pend controller.PendingRequestStore, dialogMaker *dialogmaker.DialogMaker, events *controlapi.EventsHub, logger *slog.Logger) {
	transactionID := uuid.NewString()

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	from, to := "", ""
	if h := req.From(); h != nil {
		from = h.Address.String()
	}
	if h := req.To(); h != nil {
		to = h.Address.String()
	}

	pend.Put(transactionID, req, tx)
	dialogMaker.AddIncomingInviteTransaction(callID, transactionID, tx, req)

	logger.Info("buffered new incoming invite", "transaction_id", transactionID, "call_id", callID, "from", from, "to", to)
	events.NotifyIncomingInvite(transactionID, callID, from, to)
}
