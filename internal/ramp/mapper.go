package ramp

import (
	"strings"
	"time"

	"github.com/kesc-finance/wallet/pkg/model"
)

// ToQuote converts the provider quote payload into the domain Quote.
// dir is used when the provider omits transferType.
func ToQuote(p QuotePayload, dir model.TransferType) *model.Quote {
	q := &model.Quote{
		QuoteID:         p.QuoteID,
		FiatType:        p.FiatType,
		CryptoType:      p.CryptoType,
		Network:         p.Network,
		Country:         p.Country,
		Address:         p.Address,
		FiatAmount:      string(p.FiatAmount),
		CryptoAmount:    string(p.CryptoAmount),
		AmountPaid:      string(p.AmountPaid),
		Fee:             string(p.Fee),
		GuaranteedUntil: parseTime(p.GuaranteedUntil),
		TransferType:    normalizeTransferType(p.TransferType, dir),
		Used:            p.Used,
	}
	return q
}

// ToTransfer converts a transfer-creation response into the domain Transfer.
func ToTransfer(r TransferResponse, quoteID string) *model.Transfer {
	return &model.Transfer{
		TransferID:        r.TransferID,
		TransferAddress:   r.TransferAddress,
		Status:            r.TransferStatus,
		QuoteID:           quoteID,
		UserActionDetails: r.UserActionDetails,
	}
}

// StatusOf picks whichever status field the provider populated.
func StatusOf(r StatusResponse) model.TransferStatus {
	if r.TransferStatus != "" {
		return r.TransferStatus
	}
	return r.Status
}

func normalizeTransferType(raw string, dir model.TransferType) model.TransferType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "transferin", "in", "transfer_in":
		return model.TransferIn
	case "transferout", "out", "transfer_out":
		return model.TransferOut
	default:
		return dir
	}
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
