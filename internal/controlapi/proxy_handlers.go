package controlapi

import (
	"net/http"

	"github.com/emiago/sipgo/sip"
	"github.com/sipproxy/sipproxy/internal/controller"
	"github.com/sipproxy/sipproxy/internal/proxycore"
)

// proxyRequestBody is the wire shape of POST /v1/proxy.
type proxyRequestBody struct {
	ClientMsgID     string   `json:"msg_id"`
	TransactionID   string   `json:"transaction_id"`
	RecordRoute     bool     `json:"record_route"`
	FullResponse    bool     `json:"full_response"`
	FollowRedirects bool     `json:"follow_redirects"`
	Launch          string   `json:"launch"` // "serial" or "parallel"
	Targets         []string `json:"targets"`
	CustomHeaders   string   `json:"custom_headers"`
}

func (s *Server) handleProxyRequest(w http.ResponseWriter, r *http.Request) {
	var body proxyRequestBody
	if msg := readJSON(r, &body); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if body.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	targets := make([]sip.Uri, 0, len(body.Targets))
	for _, t := range body.Targets {
		var u sip.Uri
		if err := sip.ParseUri(t, &u); err != nil {
			writeError(w, http.StatusBadRequest, "invalid target uri: "+t)
			return
		}
		targets = append(targets, u)
	}

	launch := proxycore.LaunchSerial
	if body.Launch == "parallel" {
		launch = proxycore.LaunchParallel
	}

	s.controller.ProxyRequest(controller.ProxyRequestParams{
		ClientMsgID:     body.ClientMsgID,
		TransactionID:   body.TransactionID,
		RecordRoute:     body.RecordRoute,
		FullResponse:    body.FullResponse,
		FollowRedirects: body.FollowRedirects,
		LaunchPolicy:    launch,
		Targets:         targets,
		CustomHeaders:   body.CustomHeaders,
	})

	// The admission outcome (OK/NOK/done) is asynchronous, delivered over
	// /v1/events correlated by msg_id; this just confirms the command was
	// accepted for processing.
	writeJSON(w, http.StatusAccepted, map[string]string{"msg_id": body.ClientMsgID})
}
