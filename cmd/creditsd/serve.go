package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := wire(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			srv := a.ext.Server()
			if srv == nil {
				return errors.New("routes are disabled; nothing to serve")
			}
			if a.ext.Reconciler() == nil {
				a.logger.Warn("no payment gateway configured; purchases and webhooks are disabled")
			}

			if err := a.ledger().Start(ctx); err != nil {
				return err
			}
			defer func() {
				if err := a.ledger().Stop(); err != nil {
					a.logger.Error("ledger stop", "error", err)
				}
			}()

			app := fiber.New(fiber.Config{
				DisableStartupMessage: true,
				ReadTimeout:           10 * time.Second,
				WriteTimeout:          30 * time.Second,
				ErrorHandler:          srv.ErrorHandler,
			})
			app.Use(recover.New())
			app.Get("/healthz", func(c *fiber.Ctx) error {
				if err := a.ext.Health(c.UserContext()); err != nil {
					return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy"})
				}
				return c.JSON(fiber.Map{"status": "ok"})
			})
			if cfg.MetricsPath != "" {
				app.Get(cfg.MetricsPath, adaptor.HTTPHandler(
					promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
			}
			a.ext.Mount(app)

			go func() {
				<-ctx.Done()
				if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
					a.logger.Error("http shutdown", "error", err)
				}
			}()

			a.logger.Info("creditsd listening",
				"addr", cfg.Listen,
				"base_path", a.ext.Config().BasePath,
				"store", cfg.Store,
				"redis", cfg.RedisAddr != "",
			)
			return app.Listen(cfg.Listen)
		},
	}
}
