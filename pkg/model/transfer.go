package model

import (
	"encoding/json"
	"strings"
)

// TransferStatus is the provider-reported settlement status.
type TransferStatus string

const (
	TransferStarted           TransferStatus = "TransferStarted"
	TransferReceivedFiatFunds TransferStatus = "TransferReceivedFiatFunds"
	TransferComplete          TransferStatus = "TransferComplete"
	TransferFailed            TransferStatus = "TransferFailed"
)

// Known returns true if the status is one of the documented provider values.
func (s TransferStatus) Known() bool {
	switch s {
	case TransferStarted, TransferReceivedFiatFunds, TransferComplete, TransferFailed:
		return true
	default:
		return false
	}
}

// UnmarshalJSON accepts the provider casing loosely; unknown values are kept verbatim.
func (s *TransferStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	for _, known := range []TransferStatus{TransferStarted, TransferReceivedFiatFunds, TransferComplete, TransferFailed} {
		if strings.EqualFold(raw, string(known)) {
			*s = known
			return nil
		}
	}
	*s = TransferStatus(raw)
	return nil
}

// UserActionDetails carries what the user must do to finish the fiat leg.
type UserActionDetails struct {
	AccountName          string `json:"accountName,omitempty"`
	AccountNumber        string `json:"accountNumber,omitempty"`
	InstitutionName      string `json:"institutionName,omitempty"`
	TransactionReference string `json:"transactionReference,omitempty"`
	UserActionType       string `json:"userActionType,omitempty"`
}

// Transfer is one fiat-leg settlement record tied to a single quote.
type Transfer struct {
	TransferID        string            `json:"transferId"`
	TransferAddress   string            `json:"transferAddress"`
	Status            TransferStatus    `json:"transferStatus"`
	QuoteID           string            `json:"quoteId"`
	UserActionDetails UserActionDetails `json:"userActionDetails"`
	TxHash            string            `json:"txHash,omitempty"`
}

// Clone returns a copy safe to hand to readers.
func (t *Transfer) Clone() *Transfer {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// UserDetails is the KYC profile sent with transfer-in/out requests.
type UserDetails struct {
	Name               string `json:"name"`
	Country            string `json:"country"`
	Address            string `json:"address"`
	Phone              string `json:"phone"`
	DOB                string `json:"dob"`
	IDNumber           string `json:"idNumber"`
	IDType             string `json:"idType"`
	AdditionalIDType   string `json:"additionalIdType"`
	AdditionalIDNumber string `json:"additionalIdNumber"`
}
