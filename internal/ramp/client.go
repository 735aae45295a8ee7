package ramp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/httpclient"
	"github.com/kesc-finance/wallet/internal/rate"
	"github.com/kesc-finance/wallet/pkg/model"
)

const alreadyProcessingPhrase = "already being processed"

// KeySource supplies the API key at call time, e.g. from Secrets Manager.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// Config holds the provider endpoint and credentials.
// Keys, when set, takes precedence over APIKey.
type Config struct {
	BaseURL  string
	APIKey   string
	Keys     KeySource
	RetryMax int
	Timeout  time.Duration
}

// Client wraps authenticated HTTP communication with the OneRamp API.
type Client struct {
	logger  *zap.Logger
	exec    *httpclient.Executor
	baseURL string
	apiKey  string
	keys    KeySource
	newKey  func() string
}

// NewClient constructs a ramp client. Missing credentials are reported per call, not here,
// so a misconfigured deployment still starts and surfaces a configuration error to the user.
func NewClient(logger *zap.Logger, cfg Config, rateMgr *rate.Manager) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	exec := httpclient.New(logger, rateMgr, httpClient, cfg.RetryMax, "ramp", func(status int, body []byte) error {
		return classify(logger, status, body)
	})
	return &Client{
		logger:  logger,
		exec:    exec,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		keys:    cfg.Keys,
		newKey:  uuid.NewString,
	}
}

// classify maps a provider error body to a tagged error.
func classify(logger *zap.Logger, status int, body []byte) error {
	var errResp ErrorResponse
	_ = json.Unmarshal(body, &errResp)

	msg := errResp.Message
	if msg == "" {
		msg = errResp.Error
	}

	logger.Warn("ramp.client_error",
		zap.Int("status", status),
		zap.String("message", msg))

	cause := fmt.Errorf("ramp returned %d", status)
	switch {
	case strings.Contains(strings.ToLower(msg), alreadyProcessingPhrase):
		return apperr.Wrap(apperr.KindAlreadyProcessing, "ramp", cause, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Wrap(apperr.KindConfiguration, "ramp", cause, "")
	case msg == "":
		return apperr.Wrap(apperr.KindProvider, "ramp", cause, "An error occurred with the API")
	default:
		return apperr.Wrap(apperr.KindProvider, "ramp", cause, msg)
	}
}

// RequestQuote asks for a quote in the given direction.
// POST /quote-in | /quote-out
func (c *Client) RequestQuote(ctx context.Context, dir model.TransferType, req QuoteRequest) (*model.Quote, error) {
	if err := validateQuote(req); err != nil {
		return nil, err
	}
	path := PathQuoteIn
	endpoint := "quote_in"
	if dir == model.TransferOut {
		path, endpoint = PathQuoteOut, "quote_out"
	}

	var resp QuoteResponse
	if err := c.post(ctx, path, endpoint, req, false, &resp); err != nil {
		return nil, err
	}
	if resp.Quote.QuoteID == "" {
		return nil, apperr.Wrap(apperr.KindConnectivity, "ramp."+endpoint, errors.New("quote missing id"), "No response from OneRamp API")
	}
	return ToQuote(resp.Quote, dir), nil
}

// RequestBillQuote asks for a bill-payment quote.
// POST /bill/quote
func (c *Client) RequestBillQuote(ctx context.Context, req BillQuoteRequest) (*model.Quote, error) {
	if err := validateQuote(req.QuoteRequest); err != nil {
		return nil, err
	}
	var resp QuoteResponse
	if err := c.post(ctx, PathBillQuote, "bill_quote", req, false, &resp); err != nil {
		return nil, err
	}
	if resp.Quote.QuoteID == "" {
		return nil, apperr.Wrap(apperr.KindConnectivity, "ramp.bill_quote", errors.New("quote missing id"), "No response from OneRamp API")
	}
	return ToQuote(resp.Quote, model.TransferOut), nil
}

// CreateTransfer creates the fiat leg for a quote. Each call carries a fresh idempotency key
// that is reused for transport retries of that call only.
// POST /kesc/transfer-in | /kesc/transfer-out
func (c *Client) CreateTransfer(ctx context.Context, dir model.TransferType, req TransferRequest) (*model.Transfer, error) {
	path := PathTransferIn
	endpoint := "transfer_in"
	if dir == model.TransferOut {
		path, endpoint = PathTransferOut, "transfer_out"
	}

	var resp TransferResponse
	if err := c.post(ctx, path, endpoint, req, true, &resp); err != nil {
		return nil, err
	}
	if resp.TransferID == "" {
		return nil, apperr.Wrap(apperr.KindConnectivity, "ramp."+endpoint, errors.New("transfer missing id"), "No response from OneRamp API")
	}
	return ToTransfer(resp, req.QuoteID), nil
}

// CreateBillTransfer creates a bill-payment transfer.
// POST /bill
func (c *Client) CreateBillTransfer(ctx context.Context, req BillTransferRequest) (*model.Transfer, error) {
	var resp TransferResponse
	if err := c.post(ctx, PathBill, "bill", req, true, &resp); err != nil {
		return nil, err
	}
	if resp.TransferID == "" {
		return nil, apperr.Wrap(apperr.KindConnectivity, "ramp.bill", errors.New("transfer missing id"), "No response from OneRamp API")
	}
	return ToTransfer(resp, req.QuoteID), nil
}

// GetTransferStatus returns the provider status for a transfer.
// GET /transfer/{id}
func (c *Client) GetTransferStatus(ctx context.Context, transferID string) (model.TransferStatus, error) {
	if strings.TrimSpace(transferID) == "" {
		return "", apperr.Field("transferId", "Transfer ID is required")
	}
	apiKey, err := c.checkConfig(ctx, "ramp.transfer_status")
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathTransfer+url.PathEscape(transferID), nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindRequest, "ramp.transfer_status", err, "")
	}
	c.setHeaders(req, apiKey, false)

	var resp StatusResponse
	if err := c.exec.DoJSON(ctx, req, "transfer_status", &resp); err != nil {
		return "", err
	}
	return StatusOf(resp), nil
}

// SubmitTransactionHash reports the confirmed on-chain leg for a transfer.
// POST /kesc/tx
func (c *Client) SubmitTransactionHash(ctx context.Context, transferID, txHash string) error {
	var resp TxHashResponse
	return c.post(ctx, PathSubmitTx, "submit_tx", TxHashRequest{TxHash: txHash, TransferID: transferID}, false, &resp)
}

func (c *Client) post(ctx context.Context, path, endpoint string, body any, idempotent bool, out any) error {
	op := "ramp." + endpoint
	apiKey, err := c.checkConfig(ctx, op)
	if err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return apperr.Wrap(apperr.KindRequest, op, fmt.Errorf("error setting up request: %w", err), "")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return apperr.Wrap(apperr.KindRequest, op, fmt.Errorf("error setting up request: %w", err), "")
	}
	c.setHeaders(req, apiKey, idempotent)

	if idempotent {
		c.logger.Info("ramp.create_transfer",
			zap.String("endpoint", endpoint),
			zap.String("idempotency_key", req.Header.Get(HeaderIdempotencyKey)))
	}
	return c.exec.DoJSON(ctx, req, endpoint, out)
}

func (c *Client) checkConfig(ctx context.Context, op string) (string, error) {
	if c.baseURL == "" {
		return "", apperr.Wrap(apperr.KindConfiguration, op, errors.New("OneRamp API URL is not configured"), "")
	}
	key := c.apiKey
	if c.keys != nil {
		resolved, err := c.keys.APIKey(ctx)
		if err != nil {
			c.logger.Warn("ramp.api_key_unavailable", zap.Error(err))
			return "", apperr.Wrap(apperr.KindConfiguration, op, err, "")
		}
		key = resolved
	}
	if key == "" {
		return "", apperr.Wrap(apperr.KindConfiguration, op, errors.New("OneRamp API key is not configured"), "")
	}
	return key, nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string, idempotent bool) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotent {
		req.Header.Set(HeaderIdempotencyKey, c.newKey())
	}
}

func validateQuote(req QuoteRequest) error {
	amt, err := decimal.NewFromString(strings.TrimSpace(req.FiatAmount))
	if err != nil || !amt.IsPositive() {
		return apperr.Field("amount", "Invalid amount specified")
	}
	if req.Address == "" {
		return apperr.Field("address", "Wallet address is required")
	}
	if req.Network == "" {
		return apperr.New(apperr.KindConfiguration, "ramp.quote", "Network is required")
	}
	if req.Country == "" {
		return apperr.New(apperr.KindConfiguration, "ramp.quote", "Country is required")
	}
	return nil
}
