package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/credits/entry"
)

type grantCounter struct {
	name  string
	calls atomic.Int32
	err   error
	sleep time.Duration
}

func (g *grantCounter) Name() string { return g.name }

func (g *grantCounter) OnCreditsGranted(context.Context, *entry.Entry, int64) error {
	g.calls.Add(1)
	if g.sleep > 0 {
		time.Sleep(g.sleep)
	}
	return g.err
}

type nameOnly struct{}

func (nameOnly) Name() string { return "bare" }

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&grantCounter{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&grantCounter{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 || r.Get("a") == nil || r.Get("missing") != nil {
		t.Errorf("Count() = %d", r.Count())
	}
}

func TestEmitReachesOnlyImplementers(t *testing.T) {
	r := NewRegistry()
	g := &grantCounter{name: "grants"}
	_ = r.Register(g)
	_ = r.Register(nameOnly{})

	r.EmitCreditsGranted(context.Background(), &entry.Entry{Amount: 3}, 3)
	r.EmitConsumeDenied(context.Background(), "acct", "issue")

	if g.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", g.calls.Load())
	}
	if hooks := implementedHooks(g); len(hooks) != 1 || hooks[0] != "OnCreditsGranted" {
		t.Errorf("implementedHooks() = %v", hooks)
	}
}

func TestFailingHookDoesNotStopOthers(t *testing.T) {
	r := NewRegistry()
	bad := &grantCounter{name: "bad", err: errors.New("boom")}
	good := &grantCounter{name: "good"}
	_ = r.Register(bad)
	_ = r.Register(good)

	r.EmitCreditsGranted(context.Background(), &entry.Entry{}, 0)

	if bad.calls.Load() != 1 || good.calls.Load() != 1 {
		t.Errorf("bad=%d good=%d", bad.calls.Load(), good.calls.Load())
	}
}

func TestSlowHookTimesOut(t *testing.T) {
	r := NewRegistry().WithTimeout(10 * time.Millisecond)
	slow := &grantCounter{name: "slow", sleep: 200 * time.Millisecond}
	_ = r.Register(slow)

	start := time.Now()
	r.EmitCreditsGranted(context.Background(), &entry.Entry{}, 0)
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("emit blocked for %v", elapsed)
	}
}
