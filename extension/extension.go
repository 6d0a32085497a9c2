// Package extension provides the Forge extension adapter for credits.
//
// It implements the forge.Extension interface to integrate the credit
// ledger, the payment reconciler and the HTTP API into a Forge
// application with DI registration and lifecycle management. Assemble
// builds the same components without Forge.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credits" or "credits" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/credits"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/payment/mercadopago"
	"github.com/xraph/credits/ratelimit"
	"github.com/xraph/credits/reconcile"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credits"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Prepaid credit ledger with payment reconciliation"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credit ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config        Config
	store         store.Store
	gateway       payment.Gateway
	redis         redis.UniversalClient
	ledgerOpts    []credits.Option
	reconcileOpts []reconcile.Option
	apiOpts       []api.Option

	engine     *credits.Ledger
	reconciler *reconcile.Reconciler
	server     *api.Server
}

// New creates a new credits Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assemble builds the ledger, reconciler and API from options alone,
// for hosts that do not run Forge. Defaults fill unset config fields.
func Assemble(logger *slog.Logger, opts ...Option) (*Extension, error) {
	e := New(opts...)
	e.config = mergeWithDefaults(e.config)
	if err := e.build(logger); err != nil {
		return nil, err
	}
	return e, nil
}

// Engine returns the ledger. It is nil until Register is called.
func (e *Extension) Engine() *credits.Ledger { return e.engine }

// Reconciler returns the webhook reconciler, or nil when no gateway is
// configured.
func (e *Extension) Reconciler() *reconcile.Reconciler { return e.reconciler }

// Server returns the HTTP API, or nil when routes are disabled.
func (e *Extension) Server() *api.Server { return e.server }

// Config returns the resolved configuration.
func (e *Extension) Config() Config { return e.config }

// Mount registers the API under the configured base path.
func (e *Extension) Mount(router fiber.Router) {
	if e.server == nil {
		return
	}
	e.server.Register(router.Group(e.config.BasePath))
}

// Register implements [forge.Extension]. It loads configuration,
// builds the ledger and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.build(slog.Default()); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*credits.Ledger, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}
	if e.reconciler == nil {
		return nil
	}
	return vessel.Provide(fapp.Container(), func() (*reconcile.Reconciler, error) {
		return e.reconciler, nil
	})
}

// build wires the components from the resolved config.
func (e *Extension) build(logger *slog.Logger) error {
	if e.store == nil {
		e.store = memory.New()
	}

	loc, err := time.LoadLocation(e.config.Timezone)
	if err != nil {
		return fmt.Errorf("credits: timezone %q: %w", e.config.Timezone, err)
	}

	gw, err := e.buildGateway(logger)
	if err != nil {
		return err
	}

	action, purchase := e.buildLimiters(logger)
	opts := make([]credits.Option, 0, len(e.ledgerOpts)+4)
	opts = append(opts,
		credits.WithLogger(logger),
		credits.WithLocation(loc),
		credits.WithRateLimiters(action, purchase),
	)
	if gw != nil {
		opts = append(opts, credits.WithGateway(gw))
	}
	opts = append(opts, e.ledgerOpts...)
	e.engine = credits.New(e.store, opts...)

	if gw != nil {
		ropts := []reconcile.Option{
			reconcile.WithLogger(logger),
			reconcile.WithGatewayTimeout(e.config.GatewayTimeout),
			reconcile.WithDuplicateWindow(e.config.DuplicateWindow),
		}
		if e.redis != nil {
			ropts = append(ropts, reconcile.WithSeenCache(
				reconcile.NewRedisSeenCache(e.redis, "", e.config.SeenCacheTTL)))
		} else {
			ropts = append(ropts, reconcile.WithSeenCache(
				reconcile.NewMemorySeenCache(e.config.SeenCacheTTL, nil)))
		}
		e.reconciler = reconcile.New(e.engine, gw, append(ropts, e.reconcileOpts...)...)
	}

	if !e.config.DisableRoutes {
		aopts := []api.Option{api.WithLogger(logger)}
		if e.config.WebhookSecret != "" {
			aopts = append(aopts, api.WithWebhookSecret(e.config.WebhookSecret))
		}
		e.server = api.New(e.engine, e.reconciler, append(aopts, e.apiOpts...)...)
	}
	return nil
}

func (e *Extension) buildGateway(logger *slog.Logger) (payment.Gateway, error) {
	if e.gateway != nil {
		return e.gateway, nil
	}
	if e.config.MercadoPagoAccessToken == "" {
		return nil, nil
	}
	c, err := mercadopago.New(mercadopago.Config{
		AccessToken: e.config.MercadoPagoAccessToken,
		BaseURL:     e.config.MercadoPagoBaseURL,
		Timeout:     e.config.GatewayTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	e.gateway = c
	return c, nil
}

func (e *Extension) buildLimiters(logger *slog.Logger) (action, purchase *ratelimit.Limiter) {
	var rs ratelimit.Store
	if e.redis != nil {
		rs = ratelimit.NewRedisStore(e.redis, "")
	} else {
		rs = ratelimit.NewMemoryStore()
	}
	mk := func(max int) *ratelimit.Limiter {
		return ratelimit.New(rs,
			ratelimit.WithWindow(e.config.RateLimitWindow),
			ratelimit.WithMax(max),
			ratelimit.WithLogger(logger),
		)
	}
	return mk(e.config.ActionRateLimit), mk(e.config.PurchaseRateLimit)
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("credits: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credits: store not initialized")
	}
	return e.store.Ping(ctx)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmatic := e.config

	fileConfig, loaded := e.tryLoadFromConfigFile()
	switch {
	case !loaded && programmatic.RequireConfig:
		return errors.New("credits: configuration is required but not found in config files; " +
			"ensure 'extensions.credits' or 'credits' key exists in your config")
	case !loaded:
		e.config = mergeWithDefaults(programmatic)
	default:
		e.config = mergeConfigurations(fileConfig, programmatic)
	}

	e.Logger().Debug("credits: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("timezone", e.config.Timezone),
		forge.F("duplicate_window", e.config.DuplicateWindow),
		forge.F("rate_limit_window", e.config.RateLimitWindow),
		forge.F("gateway", e.config.MercadoPagoAccessToken != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.credits", "credits"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("credits: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("credits: loaded config from file",
			forge.F("key", key),
		)
		return cfg, true
	}

	return Config{}, false
}
