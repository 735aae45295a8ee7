package ramp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kesc-finance/wallet/pkg/model"
)

func TestToQuote_DefaultsDirection(t *testing.T) {
	q := ToQuote(QuotePayload{QuoteID: "qt-1", GuaranteedUntil: "not-a-time"}, model.TransferIn)
	assert.Equal(t, model.TransferIn, q.TransferType)
	assert.True(t, q.GuaranteedUntil.IsZero())
}

func TestToQuote_ProviderDirectionWins(t *testing.T) {
	q := ToQuote(QuotePayload{TransferType: "transfer_out"}, model.TransferIn)
	assert.Equal(t, model.TransferOut, q.TransferType)
}

func TestAmount_Decode(t *testing.T) {
	var p QuotePayload
	require.NoError(t, json.Unmarshal([]byte(`{"fiatAmount":1999.99,"cryptoAmount":"15.5","fee":null}`), &p))
	assert.Equal(t, Amount("1999.99"), p.FiatAmount)
	assert.Equal(t, Amount("15.5"), p.CryptoAmount)
	assert.Equal(t, Amount(""), p.Fee)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, model.TransferFailed, StatusOf(StatusResponse{TransferStatus: model.TransferFailed, Status: model.TransferStarted}))
	assert.Equal(t, model.TransferComplete, StatusOf(StatusResponse{Status: model.TransferComplete}))
}

func TestToTransfer(t *testing.T) {
	tr := ToTransfer(TransferResponse{TransferID: "tr-1", TransferAddress: "0xabc", TransferStatus: model.TransferStarted}, "qt-9")
	assert.Equal(t, "qt-9", tr.QuoteID)
	assert.Equal(t, "tr-1", tr.TransferID)
	assert.Empty(t, tr.TxHash)
}
