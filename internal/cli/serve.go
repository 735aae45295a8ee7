package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/api"
)

func newServeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the wallet HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *Options) error {
	a, err := opts.build(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logg := a.Logger
	cfg := a.Config

	// --- Initial wallet state and live history ---
	if err := a.Wallet.Refresh(ctx); err != nil {
		logg.Warn("wallet.initial_refresh_failed", zap.Error(err))
	}
	if h, err := a.Wallet.Watch(ctx); err != nil {
		logg.Warn("wallet.watch_failed", zap.Error(err))
	} else {
		defer h.Unsubscribe()
	}
	go a.Refresher.Start(ctx)

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.HTTPReadTimeout,
		WriteTimeout:          cfg.HTTPWriteTimeout,
		IdleTimeout:           cfg.HTTPIdleTimeout,
		BodyLimit:             cfg.HTTPBodyLimit,
		DisableStartupMessage: true,
	})
	api.RegisterRoutes(app, api.NewWalletHandler(logg.Named("api"), a.Flows, a.Wallet), a.Checks)

	listenErr := make(chan error, 1)
	go func() {
		logg.Info("http.listening", zap.Int("port", cfg.Port))
		listenErr <- app.Listen(fmt.Sprintf(":%d", cfg.Port))
	}()

	logg.Info("wallet.running",
		zap.String("env", cfg.Env),
		zap.String("wallet", a.Gateway.Address()),
		zap.String("country", cfg.Country),
		zap.Bool("sandbox", opts.Sandbox))

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		if err != nil {
			logg.Error("fiber.listen_failed", zap.Error(err))
			return err
		}
	}
	logg.Info("wallet.shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warn("fiber.shutdown_failed", zap.Error(err))
	}
	return nil
}
