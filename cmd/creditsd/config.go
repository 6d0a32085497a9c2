package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xraph/credits/extension"
)

// envPrefix namespaces every environment variable, e.g. CREDITS_MYSQL_DSN.
const envPrefix = "CREDITS"

type config struct {
	Store       string
	MySQLDSN    string
	PostgresDSN string
	MongoURI    string
	SQLitePath  string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	Listen      string
	MetricsPath string
	LogLevel    string
	LogFormat   string
	Credits     extension.Config
}

func bindFlags(flags *pflag.FlagSet) {
	d := extension.DefaultConfig()

	flags.String("config", "", "YAML config file")
	flags.String("store", "memory", "storage backend: memory, sqlite, postgres, mysql or mongo")
	flags.String("sqlite-path", "credits.db", "database file used when --store=sqlite")
	flags.String("postgres-dsn", "", "PostgreSQL DSN used when --store=postgres")
	flags.String("mysql-dsn", "", "MySQL DSN used when --store=mysql")
	flags.String("mongo-uri", "", "MongoDB URI, database in the path, used when --store=mongo")
	flags.String("redis-addr", "", "Redis address for shared rate limits and the seen-cache")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database number")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("metrics-path", "/metrics", "Prometheus scrape path, empty to disable")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "text", "text or json")

	flags.String("base-path", d.BasePath, "URL prefix for the API")
	flags.String("timezone", d.Timezone, "location whose calendar day scopes issuances")
	flags.Duration("duplicate-window", d.DuplicateWindow, "same-plan purchase guard window")
	flags.Duration("gateway-timeout", d.GatewayTimeout, "timeout for gateway calls")
	flags.Duration("seen-cache-ttl", d.SeenCacheTTL, "how long credited payment ids are remembered")
	flags.Duration("rate-limit-window", d.RateLimitWindow, "fixed rate limit window")
	flags.Int("action-rate-limit", d.ActionRateLimit, "billable actions per window and caller")
	flags.Int("purchase-rate-limit", d.PurchaseRateLimit, "purchase attempts per window and caller")
	flags.String("mercadopago-token", "", "Mercado Pago access token")
	flags.String("mercadopago-base-url", "", "Mercado Pago API root override")
	flags.String("webhook-secret", "", "secret for webhook signature verification")
}

// initConfig layers .env files, the optional config file, CREDITS_*
// environment variables and flags into v. Flags win.
func initConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := loadEnvFiles(); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

// loadEnvFiles loads .env.local then .env. Existing variables are never
// overwritten, so the first file to set a key wins.
func loadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Store:       strings.ToLower(v.GetString("store")),
		MySQLDSN:    v.GetString("mysql-dsn"),
		PostgresDSN: v.GetString("postgres-dsn"),
		MongoURI:    v.GetString("mongo-uri"),
		SQLitePath:  v.GetString("sqlite-path"),
		RedisAddr:   v.GetString("redis-addr"),
		RedisPass:   v.GetString("redis-password"),
		RedisDB:     v.GetInt("redis-db"),
		Listen:      v.GetString("listen"),
		MetricsPath: v.GetString("metrics-path"),
		LogLevel:    v.GetString("log-level"),
		LogFormat:   v.GetString("log-format"),
		Credits: extension.Config{
			BasePath:               v.GetString("base-path"),
			Timezone:               v.GetString("timezone"),
			DuplicateWindow:        v.GetDuration("duplicate-window"),
			GatewayTimeout:         v.GetDuration("gateway-timeout"),
			SeenCacheTTL:           v.GetDuration("seen-cache-ttl"),
			RateLimitWindow:        v.GetDuration("rate-limit-window"),
			ActionRateLimit:        v.GetInt("action-rate-limit"),
			PurchaseRateLimit:      v.GetInt("purchase-rate-limit"),
			MercadoPagoAccessToken: v.GetString("mercadopago-token"),
			MercadoPagoBaseURL:     v.GetString("mercadopago-base-url"),
			WebhookSecret:          v.GetString("webhook-secret"),
		},
	}

	var missing string
	switch cfg.Store {
	case "memory":
	case "sqlite":
		if cfg.SQLitePath == "" {
			missing = "sqlite-path"
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			missing = "postgres-dsn"
		}
	case "mysql":
		if cfg.MySQLDSN == "" {
			missing = "mysql-dsn"
		}
	case "mongo":
		if cfg.MongoURI == "" {
			missing = "mongo-uri"
		}
	default:
		return cfg, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if missing != "" {
		env := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(missing, "-", "_"))
		return cfg, fmt.Errorf("--%s (or %s) is required with --store=%s", missing, env, cfg.Store)
	}
	return cfg, nil
}
