package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/metrics"
	"github.com/kesc-finance/wallet/internal/rate"
)

// NoResponseMessage is surfaced when the upstream could not be reached or replied with nothing.
const NoResponseMessage = "Could not reach OneRamp API. Please check your connection."

// Backoff returns the retry sleep duration for the given attempt number.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// ErrorHandler turns a failed upstream response into a tagged error.
type ErrorHandler func(status int, body []byte) error

// Executor handles rate-limited, retrying HTTP execution with JSON decoding.
// Transport failures and 5xx are retried; 4xx are handed to the error handler at once.
type Executor struct {
	logger       *zap.Logger
	rateMgr      *rate.Manager
	http         *http.Client
	retryMax     int
	tag          string
	errorHandler ErrorHandler
}

// New creates an Executor. errorHandler may be nil.
func New(
	logger *zap.Logger,
	rateMgr *rate.Manager,
	httpClient *http.Client,
	retryMax int,
	tag string,
	errorHandler ErrorHandler,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{
		logger:       logger,
		rateMgr:      rateMgr,
		http:         httpClient,
		retryMax:     retryMax,
		tag:          tag,
		errorHandler: errorHandler,
	}
}

// DoJSON executes req with rate limiting and retries, then JSON-decodes the response into out.
// endpoint is a low-cardinality label used for logs and metrics. Headers set on req
// (including an idempotency key) are sent unchanged on every attempt.
func (e *Executor) DoJSON(ctx context.Context, req *http.Request, endpoint string, out any) error {
	op := e.tag + "." + endpoint

	if e.rateMgr != nil {
		if err := e.rateMgr.Wait(ctx, e.tag+":"+req.URL.Host); err != nil {
			return apperr.Wrap(apperr.KindConnectivity, op, fmt.Errorf("rate limit wait: %w", err), NoResponseMessage)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, Backoff(attempt-1)); err != nil {
				return apperr.Wrap(apperr.KindConnectivity, op, err, NoResponseMessage)
			}
		}

		attemptReq, err := rewind(req, attempt)
		if err != nil {
			return apperr.Wrap(apperr.KindRequest, op, err, "")
		}

		start := time.Now()
		resp, err := e.http.Do(attemptReq)
		if err != nil {
			metrics.IncRampRequest(endpoint, 0)
			lastErr = err
			e.logger.Warn(e.tag+".http_failed",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		elapsed := time.Since(start)
		metrics.IncRampRequest(endpoint, resp.StatusCode)
		metrics.RampRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			e.logger.Warn(e.tag+".server_error",
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
				zap.Duration("latency", elapsed))
			lastErr = e.fail(op, resp.StatusCode, body)
			continue
		}

		if resp.StatusCode >= 400 {
			return e.fail(op, resp.StatusCode, body)
		}

		if out != nil {
			trimmed := bytes.TrimSpace(body)
			if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
				return apperr.Wrap(apperr.KindConnectivity, op, errors.New("empty response body"), "No response from OneRamp API")
			}
			if err := json.Unmarshal(trimmed, out); err != nil {
				e.logger.Warn(e.tag+".decode_failed",
					zap.String("endpoint", endpoint),
					zap.Error(err))
				return apperr.Wrap(apperr.KindProvider, op, fmt.Errorf("decode failed: %w", err), "Unexpected response from OneRamp API")
			}
		}

		e.logger.Debug(e.tag+".http_success",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))
		return nil
	}

	var tagged *apperr.Error
	if errors.As(lastErr, &tagged) {
		return lastErr
	}
	return apperr.Wrap(apperr.KindConnectivity, op,
		fmt.Errorf("request failed after %d attempts: %w", e.retryMax+1, lastErr), NoResponseMessage)
}

func (e *Executor) fail(op string, status int, body []byte) error {
	if e.errorHandler != nil {
		return e.errorHandler(status, body)
	}
	return apperr.Wrap(apperr.KindProvider, op, fmt.Errorf("%s returned %d", e.tag, status), "")
}

// rewind returns the request to send for attempt, re-opening the body on retries.
func rewind(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
