// Package ratelimit implements a fixed-window request limiter keyed by
// arbitrary strings.
//
// A key may be called at most Max times per Window. The window starts at
// the first call and resets all at once, so a client can make up to 2x Max
// calls across a window boundary. Rejected calls do not count.
//
// If the backing store fails, the call is allowed and the error is logged.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for a Limiter built without options.
const (
	DefaultWindow        = 60 * time.Second
	DefaultMax           = 10
	DefaultPurgeInterval = 5 * time.Minute
)

// Result describes the outcome of one Check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter applies one window and limit to every key.
type Limiter struct {
	store         Store
	window        time.Duration
	max           int
	purgeInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow sets the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithMax sets the number of calls allowed per window.
func WithMax(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.max = n
		}
	}
}

// WithPurgeInterval sets how often Start's janitor drops expired windows.
func WithPurgeInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.purgeInterval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter over store. A nil store means a fresh MemoryStore.
func New(store Store, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{
		store:         store,
		window:        DefaultWindow,
		max:           DefaultMax,
		purgeInterval: DefaultPurgeInterval,
		now:           time.Now,
		logger:        slog.Default(),
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Max returns the configured calls per window.
func (l *Limiter) Max() int { return l.max }

// Check consumes one call for key if the window has room.
func (l *Limiter) Check(ctx context.Context, key string) (Result, error) {
	now := l.now()
	w, err := l.store.Take(ctx, key, l.max, l.window, now)
	if err != nil {
		l.logger.Warn("rate limit store failed, allowing request",
			"key", key,
			"error", err,
		)
		return Result{Allowed: true, Limit: l.max, Remaining: l.max, ResetAt: now.Add(l.window)}, nil
	}
	return Result{
		Allowed:   w.Allowed,
		Limit:     l.max,
		Remaining: max(l.max-w.Count, 0),
		ResetAt:   w.ResetAt,
	}, nil
}

// Allow is Check that reports a rejection as *Error.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	res, err := l.Check(ctx, key)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return newError(key, res, l.now())
	}
	return nil
}

// Purge drops expired windows now.
func (l *Limiter) Purge(ctx context.Context) (int, error) {
	return l.store.Purge(ctx, l.now())
}

// Start launches the janitor that purges expired windows.
func (l *Limiter) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.purgeWorker(ctx)
}

// Stop halts the janitor and waits for it to exit. It is safe to call
// more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
}

func (l *Limiter) purgeWorker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Purge(ctx)
			if err != nil {
				l.logger.Error("rate limit purge failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Debug("purged rate limit windows", "count", n)
			}
		}
	}
}

// ActionKey is the limiter key for billable actions.
func ActionKey(accountID, origin string) string {
	return "action:" + accountID + ":" + origin
}

// PurchaseKey is the limiter key for purchase initiation.
func PurchaseKey(accountID, origin string) string {
	return "purchase:" + accountID + ":" + origin
}
