// Package ramptest provides an in-process fake of the OneRamp API for tests and sandbox runs.
package ramptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kesc-finance/wallet/internal/ramp"
	"github.com/kesc-finance/wallet/pkg/model"
)

// APIKey is the bearer token the fake accepts.
const APIKey = "test-api-key"

// HashReply scripts the answer to POST /kesc/tx.
type HashReply int

const (
	HashAccepted HashReply = iota
	HashAlreadyProcessing
	HashRejected
)

type failure struct {
	status  int
	message string
}

type transferRecord struct {
	id       string
	quoteID  string
	address  string
	statuses []model.TransferStatus
	polls    int
}

// Server is a scriptable OneRamp fake. It dedupes transfer creation by Idempotency-Key.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// SettlementAddress is returned as transferAddress for sell and bill transfers.
	SettlementAddress string
	// QuoteTTL sets guaranteedUntil relative to issue time. Negative values issue already-expired quotes.
	QuoteTTL time.Duration
	// FeeRate is applied to the fiat amount.
	FeeRate decimal.Decimal
	// StatusSequence is handed to each new transfer; polls walk it and then repeat the last entry.
	StatusSequence []model.TransferStatus
	// HashReply scripts POST /kesc/tx.
	HashReply HashReply

	quotes       map[string]ramp.QuotePayload
	transfers    map[string]*transferRecord
	byKey        map[string]string
	usedQuotes   map[string]bool
	hashes       map[string]string
	calls        map[string]int
	keys         []string
	failures     map[string][]failure
	statusErrors int
}

// NewServer starts the fake on a random local port.
func NewServer() *Server {
	s := &Server{
		SettlementAddress: "0x00000000000000000000000000000000000Ca5e1",
		QuoteTTL:          5 * time.Minute,
		FeeRate:           decimal.RequireFromString("0.01"),
		StatusSequence:    []model.TransferStatus{model.TransferStarted, model.TransferComplete},
		quotes:            map[string]ramp.QuotePayload{},
		transfers:         map[string]*transferRecord{},
		byKey:             map[string]string{},
		usedQuotes:        map[string]bool{},
		hashes:            map[string]string{},
		calls:             map[string]int{},
		failures:          map[string][]failure{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+ramp.PathQuoteIn, s.handleQuote(model.TransferIn))
	mux.HandleFunc("POST "+ramp.PathQuoteOut, s.handleQuote(model.TransferOut))
	mux.HandleFunc("POST "+ramp.PathBillQuote, s.handleQuote(model.TransferOut))
	mux.HandleFunc("POST "+ramp.PathTransferIn, s.handleTransfer(ramp.PathTransferIn))
	mux.HandleFunc("POST "+ramp.PathTransferOut, s.handleTransfer(ramp.PathTransferOut))
	mux.HandleFunc("POST "+ramp.PathBill, s.handleTransfer(ramp.PathBill))
	mux.HandleFunc("POST "+ramp.PathSubmitTx, s.handleSubmitTx)
	mux.HandleFunc("GET "+ramp.PathTransfer+"{id}", s.handleStatus)

	s.Server = httptest.NewServer(s.authenticate(mux))
	return s
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + routeOf(r.URL.Path)
		s.mu.Lock()
		s.calls[endpoint]++
		var injected *failure
		if q := s.failures[endpoint]; len(q) > 0 {
			injected = &q[0]
			s.failures[endpoint] = q[1:]
		}
		s.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+APIKey {
			writeJSON(w, http.StatusUnauthorized, ramp.ErrorResponse{Error: "Invalid API key"})
			return
		}
		if injected != nil {
			if injected.status == 0 {
				hj, ok := w.(http.Hijacker)
				if ok {
					conn, _, err := hj.Hijack()
					if err == nil {
						_ = conn.Close()
						return
					}
				}
				injected.status = http.StatusBadGateway
			}
			writeJSON(w, injected.status, ramp.ErrorResponse{Message: injected.message})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routeOf(path string) string {
	if strings.HasPrefix(path, ramp.PathTransfer) {
		return ramp.PathTransfer + "{id}"
	}
	return path
}

// Fail makes the next call to "METHOD /path" reply with status and message.
// Status 0 drops the connection without a response.
func (s *Server) Fail(method, path string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + routeOf(path)
	s.failures[key] = append(s.failures[key], failure{status: status, message: message})
}

// Calls reports how many requests hit "METHOD /path".
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+routeOf(path)]
}

// TotalCalls reports every request received.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// TransfersCreated reports distinct provider-side transfers.
func (s *Server) TransfersCreated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}

// IdempotencyKeys returns every key seen, in arrival order, duplicates included.
func (s *Server) IdempotencyKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// SubmittedHash returns the tx hash reported for a transfer.
func (s *Server) SubmittedHash(transferID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[transferID]
}

// SetStatus pins the status a transfer reports from now on.
func (s *Server) SetStatus(transferID string, status model.TransferStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[transferID]; ok {
		t.statuses = []model.TransferStatus{status}
		t.polls = 0
	}
}

// FailStatusPolls makes the next n status polls fail with 503.
func (s *Server) FailStatusPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusErrors = n
}

func (s *Server) handleQuote(dir model.TransferType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ramp.BillQuoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ramp.ErrorResponse{Message: "malformed body"})
			return
		}
		fiat, err := decimal.NewFromString(req.FiatAmount)
		if err != nil || !fiat.IsPositive() {
			writeJSON(w, http.StatusBadRequest, ramp.ErrorResponse{Message: "Invalid amount specified"})
			return
		}

		s.mu.Lock()
		fee := fiat.Mul(s.FeeRate).Round(2)
		crypto := fiat.Sub(fee)
		paid := fiat
		if dir == model.TransferOut {
			crypto = fiat.Add(fee)
			paid = crypto
		}
		q := ramp.QuotePayload{
			QuoteID:         "qt_" + uuid.NewString(),
			FiatType:        req.FiatType,
			CryptoType:      req.CryptoType,
			Network:         req.Network,
			Country:         req.Country,
			Address:         req.Address,
			GuaranteedUntil: time.Now().Add(s.QuoteTTL).UTC().Format(time.RFC3339Nano),
			TransferType:    string(dir),
		}
		q.FiatAmount = ramp.Amount(fiat.String())
		q.CryptoAmount = ramp.Amount(crypto.String())
		q.AmountPaid = ramp.Amount(paid.String())
		q.Fee = ramp.Amount(fee.String())
		s.quotes[q.QuoteID] = q
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{
			"quote":       q,
			"kyc":         map[string]any{"kycStatus": "approved"},
			"fiatAccount": map[string]any{},
		})
	}
}

func (s *Server) handleTransfer(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(ramp.HeaderIdempotencyKey)
		if key == "" {
			writeJSON(w, http.StatusBadRequest, ramp.ErrorResponse{Message: "Idempotency-Key header is required"})
			return
		}
		var body struct {
			QuoteID string `json:"quoteId"`
			Phone   string `json:"phone"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, ramp.ErrorResponse{Message: "malformed body"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.keys = append(s.keys, key)

		if id, ok := s.byKey[key]; ok {
			writeJSON(w, http.StatusOK, s.transferResponse(s.transfers[id]))
			return
		}
		if _, ok := s.quotes[body.QuoteID]; !ok {
			writeJSON(w, http.StatusNotFound, ramp.ErrorResponse{Message: "Quote not found"})
			return
		}
		if s.usedQuotes[body.QuoteID] {
			writeJSON(w, http.StatusConflict, ramp.ErrorResponse{Message: "Quote has already been used"})
			return
		}
		if path != ramp.PathBill && body.Phone == "" {
			writeJSON(w, http.StatusBadRequest, ramp.ErrorResponse{Message: "Phone number is required"})
			return
		}

		address := s.SettlementAddress
		if path == ramp.PathTransferIn {
			address = s.quotes[body.QuoteID].Address
		}
		rec := &transferRecord{
			id:       "tr_" + uuid.NewString(),
			quoteID:  body.QuoteID,
			address:  address,
			statuses: append([]model.TransferStatus(nil), s.StatusSequence...),
		}
		s.transfers[rec.id] = rec
		s.byKey[key] = rec.id
		s.usedQuotes[body.QuoteID] = true
		writeJSON(w, http.StatusOK, s.transferResponse(rec))
	}
}

func (s *Server) transferResponse(t *transferRecord) ramp.TransferResponse {
	return ramp.TransferResponse{
		TransferAddress: t.address,
		TransferID:      t.id,
		TransferStatus:  model.TransferStarted,
		UserActionDetails: model.UserActionDetails{
			AccountName:          "OneRamp",
			InstitutionName:      "M-Pesa",
			TransactionReference: t.id,
			UserActionType:       "mobile_money",
		},
	}
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var req ramp.TxHashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ramp.ErrorResponse{Message: "malformed body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[req.TransferID]; !ok {
		writeJSON(w, http.StatusNotFound, ramp.ErrorResponse{Message: "Transfer not found"})
		return
	}
	switch s.HashReply {
	case HashAlreadyProcessing:
		s.hashes[req.TransferID] = req.TxHash
		writeJSON(w, http.StatusConflict, ramp.ErrorResponse{Message: "Order is already being processed"})
	case HashRejected:
		writeJSON(w, http.StatusBadRequest, ramp.ErrorResponse{Message: "Transaction hash rejected"})
	default:
		s.hashes[req.TransferID] = req.TxHash
		writeJSON(w, http.StatusOK, ramp.TxHashResponse{Success: true})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErrors > 0 {
		s.statusErrors--
		writeJSON(w, http.StatusServiceUnavailable, ramp.ErrorResponse{Message: "temporarily unavailable"})
		return
	}
	t, ok := s.transfers[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, ramp.ErrorResponse{Message: fmt.Sprintf("Transfer %s not found", id)})
		return
	}
	status := model.TransferStarted
	if len(t.statuses) > 0 {
		idx := t.polls
		if idx >= len(t.statuses) {
			idx = len(t.statuses) - 1
		}
		status = t.statuses[idx]
	}
	t.polls++
	writeJSON(w, http.StatusOK, ramp.StatusResponse{TransferID: id, Status: status, TxHash: s.hashes[id]})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
