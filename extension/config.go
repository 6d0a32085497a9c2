package extension

import "time"

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// DisableRoutes prevents building the HTTP API.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for credits routes (default: "/credits").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// Timezone names the location whose calendar day scopes issuance
	// reuse (default: "America/Sao_Paulo").
	Timezone string `json:"timezone" mapstructure:"timezone" yaml:"timezone"`

	// DuplicateWindow rejects a second purchase of the same plan for the
	// same account within this span (default: 5m).
	DuplicateWindow time.Duration `json:"duplicate_window" mapstructure:"duplicate_window" yaml:"duplicate_window"`

	// GatewayTimeout bounds the order lookup made for each webhook
	// (default: 10s).
	GatewayTimeout time.Duration `json:"gateway_timeout" mapstructure:"gateway_timeout" yaml:"gateway_timeout"`

	// SeenCacheTTL is how long a credited payment id is remembered
	// in-process (default: 24h).
	SeenCacheTTL time.Duration `json:"seen_cache_ttl" mapstructure:"seen_cache_ttl" yaml:"seen_cache_ttl"`

	// RateLimitWindow is the fixed window length (default: 60s).
	RateLimitWindow time.Duration `json:"rate_limit_window" mapstructure:"rate_limit_window" yaml:"rate_limit_window"`

	// ActionRateLimit is the number of billable actions allowed per
	// window and caller (default: 10).
	ActionRateLimit int `json:"action_rate_limit" mapstructure:"action_rate_limit" yaml:"action_rate_limit"`

	// PurchaseRateLimit is the number of purchase attempts allowed per
	// window and caller (default: 10).
	PurchaseRateLimit int `json:"purchase_rate_limit" mapstructure:"purchase_rate_limit" yaml:"purchase_rate_limit"`

	// MercadoPagoAccessToken enables the Mercado Pago gateway when no
	// gateway was supplied with WithGateway.
	MercadoPagoAccessToken string `json:"mercadopago_access_token" mapstructure:"mercadopago_access_token" yaml:"mercadopago_access_token"`

	// MercadoPagoBaseURL overrides the gateway API root.
	MercadoPagoBaseURL string `json:"mercadopago_base_url" mapstructure:"mercadopago_base_url" yaml:"mercadopago_base_url"`

	// WebhookSecret enables x-signature verification on webhooks.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:          "/credits",
		Timezone:          "America/Sao_Paulo",
		DuplicateWindow:   5 * time.Minute,
		GatewayTimeout:    10 * time.Second,
		SeenCacheTTL:      24 * time.Hour,
		RateLimitWindow:   60 * time.Second,
		ActionRateLimit:   10,
		PurchaseRateLimit: 10,
	}
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = d.BasePath
	}
	if cfg.Timezone == "" {
		cfg.Timezone = d.Timezone
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = d.DuplicateWindow
	}
	if cfg.GatewayTimeout == 0 {
		cfg.GatewayTimeout = d.GatewayTimeout
	}
	if cfg.SeenCacheTTL == 0 {
		cfg.SeenCacheTTL = d.SeenCacheTTL
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = d.RateLimitWindow
	}
	if cfg.ActionRateLimit == 0 {
		cfg.ActionRateLimit = d.ActionRateLimit
	}
	if cfg.PurchaseRateLimit == 0 {
		cfg.PurchaseRateLimit = d.PurchaseRateLimit
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML wins; programmatic values fill its gaps and bool flags only ever
// switch features off.
func mergeConfigurations(file, prog Config) Config {
	if prog.DisableRoutes {
		file.DisableRoutes = true
	}
	if prog.DisableMigrate {
		file.DisableMigrate = true
	}

	fillString := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fillString(&file.BasePath, prog.BasePath)
	fillString(&file.Timezone, prog.Timezone)
	fillString(&file.MercadoPagoAccessToken, prog.MercadoPagoAccessToken)
	fillString(&file.MercadoPagoBaseURL, prog.MercadoPagoBaseURL)
	fillString(&file.WebhookSecret, prog.WebhookSecret)

	fillDuration := func(dst *time.Duration, src time.Duration) {
		if *dst == 0 {
			*dst = src
		}
	}
	fillDuration(&file.DuplicateWindow, prog.DuplicateWindow)
	fillDuration(&file.GatewayTimeout, prog.GatewayTimeout)
	fillDuration(&file.SeenCacheTTL, prog.SeenCacheTTL)
	fillDuration(&file.RateLimitWindow, prog.RateLimitWindow)

	if file.ActionRateLimit == 0 {
		file.ActionRateLimit = prog.ActionRateLimit
	}
	if file.PurchaseRateLimit == 0 {
		file.PurchaseRateLimit = prog.PurchaseRateLimit
	}

	return mergeWithDefaults(file)
}
