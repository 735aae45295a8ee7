package model

import (
	"time"
)

// TransferType tags the direction a quote was issued for.
type TransferType string

const (
	TransferIn  TransferType = "TransferIn"
	TransferOut TransferType = "TransferOut"
)

// Quote is a time-bounded price lock issued by the ramp provider.
// Amounts stay decimal strings exactly as the provider returned them.
type Quote struct {
	QuoteID         string       `json:"quoteId"`
	FiatType        string       `json:"fiatType"`
	CryptoType      string       `json:"cryptoType"`
	Network         string       `json:"network"`
	Country         string       `json:"country"`
	Address         string       `json:"address"`
	FiatAmount      string       `json:"fiatAmount"`
	CryptoAmount    string       `json:"cryptoAmount"`
	AmountPaid      string       `json:"amountPaid"`
	Fee             string       `json:"fee"`
	GuaranteedUntil time.Time    `json:"guaranteedUntil"`
	TransferType    TransferType `json:"transferType"`
	Used            bool         `json:"used"`
}

// Expired reports whether the guarantee window has passed at now.
// A zero GuaranteedUntil means the provider gave no bound.
func (q *Quote) Expired(now time.Time) bool {
	if q == nil || q.GuaranteedUntil.IsZero() {
		return false
	}
	return now.After(q.GuaranteedUntil)
}

// Clone returns a copy safe to hand to readers.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}
