package controlapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// EventsHub fans out proxy/dialog outcomes to every subscribed control
// client over a websocket, the asynchronous counterpart to the synchronous
// 202 Accepted a POST handler returns. A client correlates an outcome back
// to its own request via clientMsgID, exactly as the control-channel reply
// envelope does. It is built once in main.go and handed both to controller.New (as
// its ResponseRouter) and to NewServer (to mount the websocket endpoint),
// since a control-channel outcome must reach subscribers regardless of which
// component produced it.
type EventsHub struct {
	mu     sync.Mutex
	subs   map[net.Conn]struct{}
	logger *slog.Logger
}

func NewEventsHub(logger *slog.Logger) *EventsHub {
	return &EventsHub{subs: make(map[net.Conn]struct{}), logger: logger}
}

// RouteAPIResponse implements controller.ResponseRouter: every asynchronous
// proxy_request outcome is broadcast to every subscriber as a JSON event.
// respond_to_sip_request produces no outcome event.
func (h *EventsHub) RouteAPIResponse(clientMsgID, outcome, detail string) {
	payload, err := json.Marshal(struct {
		Type    string `json:"type"`
		MsgID   string `json:"msg_id"`
		Outcome string `json:"outcome"`
		Detail  string `json:"detail,omitempty"`
	}{"outcome", clientMsgID, outcome, detail})
	if err != nil {
		h.logger.Error("marshaling control event failed", "error", err)
		return
	}
	h.broadcast(payload)
}

// NotifyIncomingInvite announces a newly arrived, not-yet-claimed INVITE:
// the one event a control client receives without having sent a command
// first. transactionID is the id it must echo back in a proxy_request or
// respond_to_sip_request to claim the call.
func (h *EventsHub) NotifyIncomingInvite(transactionID, callID, from, to string) {
	payload, err := json.Marshal(struct {
		Type          string `json:"type"`
		TransactionID string `json:"transaction_id"`
		CallID        string `json:"call_id"`
		From          string `json:"from"`
		To            string `json:"to"`
	}{"incoming_invite", transactionID, callID, from, to})
	if err != nil {
		h.logger.Error("marshaling incoming invite event failed", "error", err)
		return
	}
	h.broadcast(payload)
}

func (h *EventsHub) broadcast(payload []byte) {
	frame := ws.NewFrame(ws.OpText, true, payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs {
		if err := ws.WriteFrame(conn, frame); err != nil {
			h.logger.Debug("dropping unresponsive event subscriber", "error", err)
			delete(h.subs, conn)
			conn.Close()
		}
	}
}

func (h *EventsHub) add(conn net.Conn) {
	h.mu.Lock()
	h.subs[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *EventsHub) remove(conn net.Conn) {
	h.mu.Lock()
	delete(h.subs, conn)
	h.mu.Unlock()
	conn.Close()
}

// handleEvents upgrades the HTTP connection to a websocket and registers it
// as an event subscriber until the client disconnects. The connection is
// push-only: client frames are drained and discarded, except OpClose which
// ends the subscription.
func (h *EventsHub) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.add(conn)
	defer h.remove(conn)

	rd := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		header, err := rd.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("event subscriber read error", "error", err)
			}
			return
		}
		if header.OpCode == ws.OpClose {
			return
		}
		if err := rd.Discard(); err != nil {
			return
		}
	}
}
