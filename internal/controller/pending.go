package controller

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// PendingRequest is an inbound request held between the moment the SIP
// stack hands it off (and the control channel assigns it a transaction id)
// and the moment a proxy_request command claims it.
type PendingRequest struct {
	Req *sip.Request
	Tx  sip.ServerTransaction
}

// PendingRequestStore is the narrow collaborator proxy_request consumes to
// resolve a transaction_id into the request/transaction pair it buffered.
// A production deployment wires this to whatever accepted the inbound
// INVITE (the sipgo server's request callback registers one entry per
// transaction id before notifying the control channel); this package ships
// an in-memory implementation sufficient for the default wiring and tests.
type PendingRequestStore interface {
	// Put buffers req/tx under transactionID, overwriting any prior entry.
	Put(transactionID string, req *sip.Request, tx sip.ServerTransaction)
	// Take removes and returns the buffered entry for transactionID, or
	// false if none exists.
	Take(transactionID string) (*sip.Request, sip.ServerTransaction, bool)
}

// memPendingRequestStore is the default in-memory PendingRequestStore.
type memPendingRequestStore struct {
	mu      sync.Mutex
	pending map[string]PendingRequest
}

// NewMemPendingRequestStore builds the default in-memory PendingRequestStore.
func NewMemPendingRequestStore() PendingRequestStore {
	return &memPendingRequestStore{pending: make(map[string]PendingRequest)}
}

func (s *memPendingRequestStore) Put(transactionID string, req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[transactionID] = PendingRequest{Req: req, Tx: tx}
}

func (s *memPendingRequestStore) Take(transactionID string) (*sip.Request, sip.ServerTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[transactionID]
	if !ok {
		return nil, nil, false
	}
	delete(s.pending, transactionID)
	return p.Req, p.Tx, true
}
