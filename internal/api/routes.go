package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// RegisterRoutes mounts the wallet API, /health and /metrics. checks may be empty.
func RegisterRoutes(app *fiber.App, h *WalletHandler, checks map[string]HealthCheck) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		results := make(map[string]string, len(checks))
		status := "ok"
		code := fiber.StatusOK

		healthCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(healthCtx); err != nil {
				results[name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	})

	v1 := app.Group("/api/v1")
	v1.Post("/flows/:kind", h.SubmitFlow)
	v1.Get("/flow", h.GetFlow)
	v1.Post("/flow/done", h.Done)
	v1.Post("/flow/try-again", h.TryAgain)
	v1.Post("/flow/cancel", h.RequestCancel)
	v1.Post("/flow/cancel/confirm", h.ConfirmCancel)
	v1.Post("/flow/cancel/dismiss", h.DismissCancel)
	v1.Get("/history", h.History)
	v1.Get("/balance", h.Balance)
}
