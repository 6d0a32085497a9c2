package extension

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/credits/payment/paymenttest"
	"github.com/xraph/credits/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{ActionRateLimit: 3})
	d := DefaultConfig()

	if cfg.ActionRateLimit != 3 {
		t.Errorf("ActionRateLimit = %d, want 3", cfg.ActionRateLimit)
	}
	if cfg.PurchaseRateLimit != d.PurchaseRateLimit || cfg.DuplicateWindow != d.DuplicateWindow {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.BasePath != "/credits" || cfg.Timezone != "America/Sao_Paulo" {
		t.Errorf("BasePath = %q, Timezone = %q", cfg.BasePath, cfg.Timezone)
	}
}

func TestMergeConfigurations(t *testing.T) {
	file := Config{
		BasePath:        "/billing",
		DuplicateWindow: time.Minute,
	}
	prog := Config{
		BasePath:       "/ignored",
		DisableMigrate: true,
		WebhookSecret:  "s3cret",
		GatewayTimeout: 3 * time.Second,
	}

	cfg := mergeConfigurations(file, prog)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file wins", cfg.BasePath, "/billing"},
		{"file duration", cfg.DuplicateWindow, time.Minute},
		{"bool flag", cfg.DisableMigrate, true},
		{"gap filled", cfg.WebhookSecret, "s3cret"},
		{"gap duration", cfg.GatewayTimeout, 3 * time.Second},
		{"default", cfg.RateLimitWindow, 60 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestAssembleWithoutGateway(t *testing.T) {
	ext, err := Assemble(slog.Default(), WithStore(memory.New()))
	if err != nil {
		t.Fatal(err)
	}
	if ext.Engine() == nil || ext.Server() == nil {
		t.Fatal("ledger or server not built")
	}
	if ext.Reconciler() != nil {
		t.Error("reconciler built without a gateway")
	}
}

func TestAssembleWiresGateway(t *testing.T) {
	ext, err := Assemble(slog.Default(),
		WithGateway(paymenttest.New()),
		WithDisableRoutes(),
		WithRateLimits(time.Minute, 2, 1),
	)
	if err != nil {
		t.Fatal(err)
	}
	if ext.Reconciler() == nil {
		t.Fatal("reconciler not built")
	}
	if ext.Server() != nil {
		t.Error("server built with routes disabled")
	}

	ctx := context.Background()
	if err := ext.Engine().Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ext.Engine().Stop() }()

	if err := ext.Health(ctx); err != nil {
		t.Errorf("Health() = %v", err)
	}
}

func TestAssembleRejectsBadTimezone(t *testing.T) {
	if _, err := Assemble(slog.Default(), WithTimezone("Mars/Olympus")); err == nil {
		t.Fatal("expected timezone error")
	}
}
