package ramp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/ramp"
	"github.com/kesc-finance/wallet/internal/ramp/ramptest"
	"github.com/kesc-finance/wallet/pkg/model"
)

const wallet = "0x1111111111111111111111111111111111111111"

func newClient(baseURL string, retryMax int) *ramp.Client {
	return ramp.NewClient(zap.NewNop(), ramp.Config{
		BaseURL:  baseURL,
		APIKey:   ramptest.APIKey,
		RetryMax: retryMax,
		Timeout:  2 * time.Second,
	}, nil)
}

func quoteReq(amount string) ramp.QuoteRequest {
	return ramp.QuoteRequest{
		FiatType:   "KES",
		CryptoType: "USDC",
		Network:    "celo",
		FiatAmount: amount,
		Country:    "KE",
		Address:    wallet,
	}
}

func TestClient_RequestQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ramp.PathQuoteOut, r.URL.Path)
		assert.Equal(t, "Bearer "+ramptest.APIKey, r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get(ramp.HeaderIdempotencyKey), "quotes carry no idempotency key")

		var req ramp.QuoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2500", req.FiatAmount)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"quote":{"quoteId":"qt-1","fiatAmount":2500,"cryptoAmount":"2525.00",
			"amountPaid":"2525.00","fee":"25","guaranteedUntil":"2030-01-02T03:04:05Z","transferType":"TransferOut"},
			"kyc":{},"fiatAccount":{}}`))
	}))
	defer srv.Close()

	q, err := newClient(srv.URL, 0).RequestQuote(context.Background(), model.TransferOut, quoteReq("2500"))
	require.NoError(t, err)
	assert.Equal(t, "qt-1", q.QuoteID)
	assert.Equal(t, "2500", q.FiatAmount, "numeric amounts decode without float noise")
	assert.Equal(t, "2525.00", q.AmountPaid)
	assert.Equal(t, model.TransferOut, q.TransferType)
	assert.Equal(t, 2030, q.GuaranteedUntil.Year())
	assert.False(t, q.Used)
}

func TestClient_RequestQuote_ValidatesBeforeIO(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()
	c := newClient(srv.URL, 0)

	_, err := c.RequestQuote(context.Background(), model.TransferIn, quoteReq("0"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "amount", apperr.FieldOf(err))

	req := quoteReq("100")
	req.Address = ""
	_, err = c.RequestQuote(context.Background(), model.TransferIn, req)
	assert.Equal(t, "address", apperr.FieldOf(err))

	req = quoteReq("100")
	req.Network = ""
	_, err = c.RequestQuote(context.Background(), model.TransferIn, req)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	assert.Zero(t, hits.Load())
}

func TestClient_MissingCredentials(t *testing.T) {
	c := ramp.NewClient(zap.NewNop(), ramp.Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := c.RequestQuote(context.Background(), model.TransferIn, quoteReq("100"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	assert.Equal(t, "Service configuration error. Please contact support.", apperr.UserMessage(err))

	c = ramp.NewClient(zap.NewNop(), ramp.Config{APIKey: "k"}, nil)
	err = c.SubmitTransactionHash(context.Background(), "tr-1", "0xabc")
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestClient_ErrorShapes(t *testing.T) {
	fake := ramptest.NewServer()
	defer fake.Close()
	c := newClient(fake.URL, 0)

	t.Run("provider body", func(t *testing.T) {
		fake.Fail(http.MethodPost, ramp.PathQuoteIn, http.StatusBadRequest, "Unsupported network")
		_, err := c.RequestQuote(context.Background(), model.TransferIn, quoteReq("100"))
		assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))
		assert.Equal(t, "Unsupported network", apperr.UserMessage(err))
	})

	t.Run("no response", func(t *testing.T) {
		fake.Fail(http.MethodPost, ramp.PathQuoteIn, 0, "")
		_, err := c.RequestQuote(context.Background(), model.TransferIn, quoteReq("100"))
		assert.Equal(t, apperr.KindConnectivity, apperr.KindOf(err))
	})

	t.Run("bad credentials", func(t *testing.T) {
		bad := ramp.NewClient(zap.NewNop(), ramp.Config{BaseURL: fake.URL, APIKey: "wrong"}, nil)
		_, err := bad.RequestQuote(context.Background(), model.TransferIn, quoteReq("100"))
		assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	})

	t.Run("request construction", func(t *testing.T) {
		broken := ramp.NewClient(zap.NewNop(), ramp.Config{BaseURL: "http://bad host", APIKey: "k"}, nil)
		_, err := broken.RequestQuote(context.Background(), model.TransferIn, quoteReq("100"))
		assert.Equal(t, apperr.KindRequest, apperr.KindOf(err))
	})
}

func TestClient_EmptyResponseIsNoResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 0).RequestQuote(context.Background(), model.TransferIn, quoteReq("100"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnectivity, apperr.KindOf(err))
}

func TestClient_CreateTransfer_IdempotencyKeyPerCall(t *testing.T) {
	fake := ramptest.NewServer()
	defer fake.Close()
	c := newClient(fake.URL, 2)
	ctx := context.Background()

	q1, err := c.RequestQuote(ctx, model.TransferOut, quoteReq("2500"))
	require.NoError(t, err)

	// First attempt is dropped; the transport retry must reuse the same key.
	fake.Fail(http.MethodPost, ramp.PathTransferOut, http.StatusBadGateway, "gateway")
	tr, err := c.CreateTransfer(ctx, model.TransferOut, ramp.TransferRequest{
		Phone: "+254712345678", Operator: "mpesa", QuoteID: q1.QuoteID,
	})
	require.NoError(t, err)
	assert.Equal(t, q1.QuoteID, tr.QuoteID)
	assert.Equal(t, fake.SettlementAddress, tr.TransferAddress)

	keys := fake.IdempotencyKeys()
	require.Len(t, keys, 1, "the 502 is injected before the handler records the key")

	q2, err := c.RequestQuote(ctx, model.TransferOut, quoteReq("2500"))
	require.NoError(t, err)
	_, err = c.CreateTransfer(ctx, model.TransferOut, ramp.TransferRequest{
		Phone: "+254712345678", Operator: "mpesa", QuoteID: q2.QuoteID,
	})
	require.NoError(t, err)

	keys = fake.IdempotencyKeys()
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1], "a new user action mints a new key")
	assert.Equal(t, 2, fake.TransfersCreated())
}

func TestFakeProvider_DedupesByIdempotencyKey(t *testing.T) {
	fake := ramptest.NewServer()
	defer fake.Close()
	c := newClient(fake.URL, 0)
	q, err := c.RequestQuote(context.Background(), model.TransferOut, quoteReq("2500"))
	require.NoError(t, err)

	post := func(key string) ramp.TransferResponse {
		body, _ := json.Marshal(ramp.TransferRequest{Phone: "+254712345678", Operator: "mpesa", QuoteID: q.QuoteID})
		req, _ := http.NewRequest(http.MethodPost, fake.URL+ramp.PathTransferOut, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+ramptest.APIKey)
		req.Header.Set(ramp.HeaderIdempotencyKey, key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out ramp.TransferResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	first := post("same-key")
	second := post("same-key")
	assert.Equal(t, first.TransferID, second.TransferID)
	assert.Equal(t, 1, fake.TransfersCreated(), "same key must not create two transfers")
}

func TestClient_CreateBillTransfer(t *testing.T) {
	fake := ramptest.NewServer()
	defer fake.Close()
	c := newClient(fake.URL, 0)
	ctx := context.Background()

	q, err := c.RequestBillQuote(ctx, ramp.BillQuoteRequest{QuoteRequest: quoteReq("3000"), Region: "KE", RawAmount: "3000"})
	require.NoError(t, err)

	tr, err := c.CreateBillTransfer(ctx, ramp.BillTransferRequest{
		QuoteID: q.QuoteID, AccountName: "OneRamp", AccountNumber: "12345", BusinessNumber: "888880",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tr.TransferID)
	assert.Len(t, fake.IdempotencyKeys(), 1)
}

func TestClient_StatusAndHash(t *testing.T) {
	fake := ramptest.NewServer()
	fake.StatusSequence = []model.TransferStatus{model.TransferStarted, model.TransferReceivedFiatFunds}
	defer fake.Close()
	c := newClient(fake.URL, 0)
	ctx := context.Background()

	q, err := c.RequestQuote(ctx, model.TransferIn, quoteReq("2500"))
	require.NoError(t, err)
	tr, err := c.CreateTransfer(ctx, model.TransferIn, ramp.TransferRequest{Phone: "+254712345678", Operator: "mpesa", QuoteID: q.QuoteID})
	require.NoError(t, err)
	assert.Equal(t, wallet, tr.TransferAddress)

	s, err := c.GetTransferStatus(ctx, tr.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferStarted, s)
	s, err = c.GetTransferStatus(ctx, tr.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferReceivedFiatFunds, s)

	require.NoError(t, c.SubmitTransactionHash(ctx, tr.TransferID, "0xfeed"))
	assert.Equal(t, "0xfeed", fake.SubmittedHash(tr.TransferID))

	fake.HashReply = ramptest.HashAlreadyProcessing
	err = c.SubmitTransactionHash(ctx, tr.TransferID, "0xfeed")
	assert.Equal(t, apperr.KindAlreadyProcessing, apperr.KindOf(err))

	_, err = c.GetTransferStatus(ctx, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

type keyFunc func(context.Context) (string, error)

func (f keyFunc) APIKey(ctx context.Context) (string, error) { return f(ctx) }

func TestClient_KeySource(t *testing.T) {
	fake := ramptest.NewServer()
	defer fake.Close()

	var lookups atomic.Int32
	c := ramp.NewClient(zap.NewNop(), ramp.Config{
		BaseURL: fake.URL,
		APIKey:  "stale",
		Keys: keyFunc(func(context.Context) (string, error) {
			lookups.Add(1)
			return ramptest.APIKey, nil
		}),
	}, nil)
	_, err := c.RequestQuote(context.Background(), model.TransferIn, quoteReq("2500"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), lookups.Load())

	failing := ramp.NewClient(zap.NewNop(), ramp.Config{
		BaseURL: fake.URL,
		Keys: keyFunc(func(context.Context) (string, error) {
			return "", assert.AnError
		}),
	}, nil)
	_, err = failing.GetTransferStatus(context.Background(), "tr-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	assert.ErrorIs(t, err, assert.AnError)
}
