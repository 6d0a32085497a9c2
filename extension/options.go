package extension

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/credits"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/reconcile"
	"github.com/xraph/credits/store"
)

// Option configures the credits Forge extension.
type Option func(*Extension)

// WithStore sets the store for the ledger.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGateway sets the payment gateway, overriding any configured
// Mercado Pago token.
func WithGateway(g payment.Gateway) Option {
	return func(e *Extension) { e.gateway = g }
}

// WithRedis shares rate limit windows and the seen-cache across replicas
// through client.
func WithRedis(client redis.UniversalClient) Option {
	return func(e *Extension) { e.redis = client }
}

// WithLedgerOption passes a credits.Option through to the ledger.
func WithLedgerOption(opt credits.Option) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, opt)
	}
}

// WithReconcileOption passes a reconcile.Option through to the reconciler.
func WithReconcileOption(opt reconcile.Option) Option {
	return func(e *Extension) {
		e.reconcileOpts = append(e.reconcileOpts, opt)
	}
}

// WithAPIOption passes an api.Option through to the HTTP server.
func WithAPIOption(opt api.Option) Option {
	return func(e *Extension) {
		e.apiOpts = append(e.apiOpts, opt)
	}
}

// WithPlugin registers a ledger plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, credits.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents building the HTTP API.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for credits routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithTimezone sets the location whose calendar day scopes issuances.
func WithTimezone(name string) Option {
	return func(e *Extension) { e.config.Timezone = name }
}

// WithDuplicateWindow sets the same-plan purchase guard window.
func WithDuplicateWindow(d time.Duration) Option {
	return func(e *Extension) { e.config.DuplicateWindow = d }
}

// WithRateLimits sets the per-window budgets for actions and purchases.
func WithRateLimits(window time.Duration, actions, purchases int) Option {
	return func(e *Extension) {
		e.config.RateLimitWindow = window
		e.config.ActionRateLimit = actions
		e.config.PurchaseRateLimit = purchases
	}
}

// WithWebhookSecret enables webhook signature verification.
func WithWebhookSecret(secret string) Option {
	return func(e *Extension) { e.config.WebhookSecret = secret }
}
