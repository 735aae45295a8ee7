package api

import (
	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/orchestrator"
	"github.com/kesc-finance/wallet/pkg/model"
)

// FlowRequest is the body of POST /api/v1/flows/:kind.
type FlowRequest struct {
	Amount         string `json:"amount"`
	Phone          string `json:"phone,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	AccountNumber  string `json:"accountNumber,omitempty"`
	BusinessNumber string `json:"businessNumber,omitempty"`
	Operator       string `json:"operator,omitempty"`
}

func (r FlowRequest) toRequest(kind model.FlowKind) orchestrator.Request {
	return orchestrator.Request{
		Kind:           kind,
		Amount:         r.Amount,
		Phone:          r.Phone,
		Recipient:      r.Recipient,
		AccountNumber:  r.AccountNumber,
		BusinessNumber: r.BusinessNumber,
		Operator:       r.Operator,
	}
}

// ErrorResponse is returned for every non-2xx answer.
type ErrorResponse struct {
	Error  string               `json:"error"`
	Kind   apperr.Kind          `json:"kind,omitempty"`
	Fields map[string]string    `json:"fields,omitempty"`
	State  model.LifecycleState `json:"state,omitempty"`
}

type HistoryResponse struct {
	Records []model.TxRecord `json:"records"`
	Count   int              `json:"count"`
}

type BalanceResponse struct {
	Balance string `json:"balance"`
	Cached  bool   `json:"cached,omitempty"`
}
