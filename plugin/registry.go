package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/issuance"
)

// DefaultTimeout bounds each hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins. Hook implementations are cached
// per interface at registration so dispatch never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit              []OnInit
	onShutdown          []OnShutdown
	onCreditsConsumed   []OnCreditsConsumed
	onConsumeDenied     []OnConsumeDenied
	onCreditsGranted    []OnCreditsGranted
	onPaymentReconciled []OnPaymentReconciled
	onDuplicatePayment  []OnDuplicatePayment
	onReconcileFailed   []OnReconcileFailed
	onIssuanceCreated   []OnIssuanceCreated
	onRateLimited       []OnRateLimited
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnCreditsConsumed); ok {
		r.onCreditsConsumed = append(r.onCreditsConsumed, v)
	}
	if v, ok := p.(OnConsumeDenied); ok {
		r.onConsumeDenied = append(r.onConsumeDenied, v)
	}
	if v, ok := p.(OnCreditsGranted); ok {
		r.onCreditsGranted = append(r.onCreditsGranted, v)
	}
	if v, ok := p.(OnPaymentReconciled); ok {
		r.onPaymentReconciled = append(r.onPaymentReconciled, v)
	}
	if v, ok := p.(OnDuplicatePayment); ok {
		r.onDuplicatePayment = append(r.onDuplicatePayment, v)
	}
	if v, ok := p.(OnReconcileFailed); ok {
		r.onReconcileFailed = append(r.onReconcileFailed, v)
	}
	if v, ok := p.(OnIssuanceCreated); ok {
		r.onIssuanceCreated = append(r.onIssuanceCreated, v)
	}
	if v, ok := p.(OnRateLimited); ok {
		r.onRateLimited = append(r.onRateLimited, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedHooks(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnCreditsConsumed", reflect.TypeFor[OnCreditsConsumed]()},
	{"OnConsumeDenied", reflect.TypeFor[OnConsumeDenied]()},
	{"OnCreditsGranted", reflect.TypeFor[OnCreditsGranted]()},
	{"OnPaymentReconciled", reflect.TypeFor[OnPaymentReconciled]()},
	{"OnDuplicatePayment", reflect.TypeFor[OnDuplicatePayment]()},
	{"OnReconcileFailed", reflect.TypeFor[OnReconcileFailed]()},
	{"OnIssuanceCreated", reflect.TypeFor[OnIssuanceCreated]()},
	{"OnRateLimited", reflect.TypeFor[OnRateLimited]()},
}

func implementedHooks(p Plugin) []string {
	var names []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit calls fn for every cached hook, logging failures. Hooks never
// fail the operation that triggered them.
func emit[H Plugin](ctx context.Context, r *Registry, hook string, list func(*Registry) []H, fn func(H) error) {
	r.mu.RLock()
	hooks := list(r)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := r.callWithTimeout(ctx, h.Name(), func() error { return fn(h) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", h.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, l any) {
	emit(ctx, r, "OnInit", func(r *Registry) []OnInit { return r.onInit },
		func(p OnInit) error { return p.OnInit(ctx, l) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", func(r *Registry) []OnShutdown { return r.onShutdown },
		func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitCreditsConsumed emits a usage event.
func (r *Registry) EmitCreditsConsumed(ctx context.Context, e *entry.Entry, remaining int64) {
	emit(ctx, r, "OnCreditsConsumed", func(r *Registry) []OnCreditsConsumed { return r.onCreditsConsumed },
		func(p OnCreditsConsumed) error { return p.OnCreditsConsumed(ctx, e, remaining) })
}

// EmitConsumeDenied emits an out-of-credits event.
func (r *Registry) EmitConsumeDenied(ctx context.Context, accountID, description string) {
	emit(ctx, r, "OnConsumeDenied", func(r *Registry) []OnConsumeDenied { return r.onConsumeDenied },
		func(p OnConsumeDenied) error { return p.OnConsumeDenied(ctx, accountID, description) })
}

// EmitCreditsGranted emits a grant event.
func (r *Registry) EmitCreditsGranted(ctx context.Context, e *entry.Entry, available int64) {
	emit(ctx, r, "OnCreditsGranted", func(r *Registry) []OnCreditsGranted { return r.onCreditsGranted },
		func(p OnCreditsGranted) error { return p.OnCreditsGranted(ctx, e, available) })
}

// EmitPaymentReconciled emits a reconciled payment event.
func (r *Registry) EmitPaymentReconciled(ctx context.Context, ev PaymentEvent) {
	emit(ctx, r, "OnPaymentReconciled", func(r *Registry) []OnPaymentReconciled { return r.onPaymentReconciled },
		func(p OnPaymentReconciled) error { return p.OnPaymentReconciled(ctx, ev) })
}

// EmitDuplicatePayment emits a skipped redelivery event.
func (r *Registry) EmitDuplicatePayment(ctx context.Context, ev PaymentEvent) {
	emit(ctx, r, "OnDuplicatePayment", func(r *Registry) []OnDuplicatePayment { return r.onDuplicatePayment },
		func(p OnDuplicatePayment) error { return p.OnDuplicatePayment(ctx, ev) })
}

// EmitReconcileFailed emits a reconciliation failure.
func (r *Registry) EmitReconcileFailed(ctx context.Context, orderID string, err error) {
	emit(ctx, r, "OnReconcileFailed", func(r *Registry) []OnReconcileFailed { return r.onReconcileFailed },
		func(p OnReconcileFailed) error { return p.OnReconcileFailed(ctx, orderID, err) })
}

// EmitIssuanceCreated emits a new issuance event.
func (r *Registry) EmitIssuanceCreated(ctx context.Context, iss *issuance.Issuance) {
	emit(ctx, r, "OnIssuanceCreated", func(r *Registry) []OnIssuanceCreated { return r.onIssuanceCreated },
		func(p OnIssuanceCreated) error { return p.OnIssuanceCreated(ctx, iss) })
}

// EmitRateLimited emits a rejected-caller event.
func (r *Registry) EmitRateLimited(ctx context.Context, key string, retryAfter time.Duration) {
	emit(ctx, r, "OnRateLimited", func(r *Registry) []OnRateLimited { return r.onRateLimited },
		func(p OnRateLimited) error { return p.OnRateLimited(ctx, key, retryAfter) })
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the credit pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	t := time.NewTimer(r.timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
