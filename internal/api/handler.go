package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/orchestrator"
	"github.com/kesc-finance/wallet/pkg/model"
)

// FlowService is the orchestrator surface the handler drives.
type FlowService interface {
	Submit(ctx context.Context, req orchestrator.Request) error
	Snapshot() orchestrator.Snapshot
	Done(ctx context.Context) error
	TryAgain(ctx context.Context) error
	RequestCancel() error
	ConfirmCancel(ctx context.Context) error
	DismissCancel() error
}

// WalletView serves the history list and balance.
type WalletView interface {
	Records() []model.TxRecord
	Load(ctx context.Context) ([]model.TxRecord, error)
	Balance(ctx context.Context) (string, error)
	CachedBalance() string
}

// WalletHandler handles the wallet HTTP API.
type WalletHandler struct {
	logger *zap.Logger
	flows  FlowService
	wallet WalletView
}

// NewWalletHandler creates a handler. wallet may be nil when no chain is configured.
func NewWalletHandler(logger *zap.Logger, flows FlowService, wallet WalletView) *WalletHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletHandler{logger: logger, flows: flows, wallet: wallet}
}

// SubmitFlow starts a flow of the kind named in the path.
func (h *WalletHandler) SubmitFlow(c *fiber.Ctx) error {
	var body FlowRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	req := body.toRequest(model.FlowKind(strings.ToLower(c.Params("kind"))))

	err := h.flows.Submit(c.UserContext(), req)
	if err != nil {
		return h.flowError(c, "submit", err)
	}

	h.logger.Info("api.flow_submitted", zap.String("kind", string(req.Kind)))
	return c.Status(fiber.StatusAccepted).JSON(h.flows.Snapshot())
}

// GetFlow returns the current flow state.
func (h *WalletHandler) GetFlow(c *fiber.Ctx) error {
	return c.JSON(h.flows.Snapshot())
}

// Done acknowledges a successful flow.
func (h *WalletHandler) Done(c *fiber.Ctx) error {
	return h.exit(c, "done", func() error { return h.flows.Done(c.UserContext()) })
}

// TryAgain returns a cancelled flow to its prefilled form.
func (h *WalletHandler) TryAgain(c *fiber.Ctx) error {
	return h.exit(c, "try_again", func() error { return h.flows.TryAgain(c.UserContext()) })
}

// RequestCancel shows the cancel confirmation.
func (h *WalletHandler) RequestCancel(c *fiber.Ctx) error {
	return h.exit(c, "cancel", h.flows.RequestCancel)
}

// ConfirmCancel abandons the running flow.
func (h *WalletHandler) ConfirmCancel(c *fiber.Ctx) error {
	return h.exit(c, "cancel_confirm", func() error { return h.flows.ConfirmCancel(c.UserContext()) })
}

// DismissCancel hides the cancel confirmation and keeps the flow running.
func (h *WalletHandler) DismissCancel(c *fiber.Ctx) error {
	return h.exit(c, "cancel_dismiss", h.flows.DismissCancel)
}

// History returns the transaction list. ?refresh=true reloads it from chain first.
func (h *WalletHandler) History(c *fiber.Ctx) error {
	if h.wallet == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "wallet not connected"})
	}
	records := h.wallet.Records()
	if c.QueryBool("refresh") || records == nil {
		loaded, err := h.wallet.Load(c.UserContext())
		if err != nil {
			h.logger.Warn("api.history_failed", zap.Error(err))
			return c.Status(fiber.StatusBadGateway).JSON(ErrorResponse{Error: apperr.UserMessage(err)})
		}
		records = loaded
	}
	return c.JSON(HistoryResponse{Records: records, Count: len(records)})
}

// Balance returns the token balance, read live unless ?cached=true.
func (h *WalletHandler) Balance(c *fiber.Ctx) error {
	if h.wallet == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "wallet not connected"})
	}
	if c.QueryBool("cached") {
		if b := h.wallet.CachedBalance(); b != "" {
			return c.JSON(BalanceResponse{Balance: b, Cached: true})
		}
	}
	b, err := h.wallet.Balance(c.UserContext())
	if err != nil {
		h.logger.Warn("api.balance_failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(ErrorResponse{Error: apperr.UserMessage(err)})
	}
	return c.JSON(BalanceResponse{Balance: b})
}

func (h *WalletHandler) exit(c *fiber.Ctx, action string, fn func() error) error {
	if err := fn(); err != nil {
		return h.flowError(c, action, err)
	}
	return c.JSON(h.flows.Snapshot())
}

func (h *WalletHandler) flowError(c *fiber.Ctx, action string, err error) error {
	switch {
	case apperr.Is(err, apperr.KindValidation):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(ErrorResponse{
			Error:  apperr.UserMessage(err),
			Kind:   apperr.KindValidation,
			Fields: fieldErrors(err),
		})
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrWrongState):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error: err.Error(),
			State: h.flows.Snapshot().State,
		})
	}

	h.logger.Warn("api.flow_action_failed",
		zap.String("action", action),
		zap.Error(err))
	status := fiber.StatusBadRequest
	if apperr.Is(err, apperr.KindConfiguration) {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(ErrorResponse{
		Error: apperr.UserMessage(err),
		Kind:  apperr.KindOf(err),
	})
}

func fieldErrors(err error) map[string]string {
	var verr *orchestrator.ValidationError
	if errors.As(err, &verr) {
		return verr.Fields
	}
	if f := apperr.FieldOf(err); f != "" {
		return map[string]string{f: apperr.UserMessage(err)}
	}
	return nil
}
