package controlapi

import (
	"net/http"

	"github.com/sipproxy/sipproxy/internal/dialogmaker"
)

// dialogRespondBody is the wire shape of POST /v1/dialog/respond.
type dialogRespondBody struct {
	MsgID   string         `json:"msg_id"`
	Code    int            `json:"code"`
	Status  string         `json:"status"`
	Headers map[string]any `json:"headers"`
}

func (s *Server) handleDialogRespond(w http.ResponseWriter, r *http.Request) {
	var body dialogRespondBody
	if msg := readJSON(r, &body); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if body.MsgID == "" {
		writeError(w, http.StatusBadRequest, "msg_id is required")
		return
	}
	if body.Code < 100 || body.Code > 699 {
		writeError(w, http.StatusBadRequest, "code must be a valid SIP status code")
		return
	}

	if err := s.dialogMaker.RespondToSipRequest(body.MsgID, dialogmaker.RespondParams{
		Code:    body.Code,
		Status:  body.Status,
		Headers: body.Headers,
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "event loop queue full")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"msg_id": body.MsgID})
}
