package ramp

import (
	"bytes"
	"encoding/json"

	"github.com/kesc-finance/wallet/pkg/model"
)

// Endpoints exposed by the ramp provider.
const (
	PathQuoteIn     = "/quote-in"
	PathQuoteOut    = "/quote-out"
	PathBillQuote   = "/bill/quote"
	PathTransferIn  = "/kesc/transfer-in"
	PathTransferOut = "/kesc/transfer-out"
	PathBill        = "/bill"
	PathSubmitTx    = "/kesc/tx"
	PathTransfer    = "/transfer/"

	HeaderIdempotencyKey = "Idempotency-Key"
)

// QuoteRequest is the body of POST /quote-in and /quote-out.
type QuoteRequest struct {
	FiatType   string `json:"fiatType"`
	CryptoType string `json:"cryptoType"`
	Network    string `json:"network"`
	FiatAmount string `json:"fiatAmount"`
	Country    string `json:"country"`
	Address    string `json:"address"`
}

// BillQuoteRequest is the body of POST /bill/quote.
type BillQuoteRequest struct {
	QuoteRequest
	Region    string `json:"region"`
	RawAmount string `json:"rawAmount"`
}

// QuoteResponse wraps the issued quote. KYC and fiat account blocks are passed through untouched.
type QuoteResponse struct {
	Quote       QuotePayload    `json:"quote"`
	KYC         json.RawMessage `json:"kyc,omitempty"`
	FiatAccount json.RawMessage `json:"fiatAccount,omitempty"`
}

// QuotePayload is the provider's quote record.
type QuotePayload struct {
	QuoteID         string `json:"quoteId"`
	FiatType        string `json:"fiatType"`
	CryptoType      string `json:"cryptoType"`
	Network         string `json:"network"`
	Country         string `json:"country"`
	Address         string `json:"address"`
	FiatAmount      Amount `json:"fiatAmount"`
	CryptoAmount    Amount `json:"cryptoAmount"`
	AmountPaid      Amount `json:"amountPaid"`
	Fee             Amount `json:"fee"`
	GuaranteedUntil string `json:"guaranteedUntil"`
	TransferType    string `json:"transferType"`
	Used            bool   `json:"used"`
}

// TransferRequest is the body of POST /kesc/transfer-in and /kesc/transfer-out.
type TransferRequest struct {
	Phone       string            `json:"phone"`
	Operator    string            `json:"operator"`
	QuoteID     string            `json:"quoteId"`
	UserDetails model.UserDetails `json:"userDetails"`
}

// BillTransferRequest is the body of POST /bill.
type BillTransferRequest struct {
	QuoteID        string `json:"quoteId"`
	AccountName    string `json:"accountName"`
	AccountNumber  string `json:"accountNumber"`
	BusinessNumber string `json:"businessNumber"`
}

// TransferResponse is returned by every transfer-creation endpoint.
type TransferResponse struct {
	TransferAddress   string                  `json:"transferAddress"`
	TransferID        string                  `json:"transferId"`
	TransferStatus    model.TransferStatus    `json:"transferStatus"`
	UserActionDetails model.UserActionDetails `json:"userActionDetails"`
}

// TxHashRequest is the body of POST /kesc/tx.
type TxHashRequest struct {
	TxHash     string `json:"txHash"`
	TransferID string `json:"transferId"`
}

// TxHashResponse acknowledges a hash submission.
type TxHashResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is returned by GET /transfer/{id}. Some deployments name the field
// "transferStatus", others "status".
type StatusResponse struct {
	TransferID     string               `json:"transferId"`
	Status         model.TransferStatus `json:"status"`
	TransferStatus model.TransferStatus `json:"transferStatus"`
	TxHash         string               `json:"txHash,omitempty"`
}

// ErrorResponse is the provider's error body.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Amount is a decimal amount as text. It decodes from a JSON string or number without float rounding.
type Amount string

func (f *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = Amount(n.String())
	return nil
}
