package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unclebandit/commsblock-backend/internal/config"
)

func TestMemoryGateExclusive(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(time.Minute)

	l, ok, err := g.Acquire(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := g.Acquire(ctx, "c1"); ok {
		t.Fatal("second acquire must fail while the lease is held")
	}
	if _, ok, _ := g.Lock(ctx, "c1"); ok {
		t.Fatal("lock must fail while the lease is held")
	}
	if _, ok, _ := g.Acquire(ctx, "c2"); !ok {
		t.Fatal("other campaigns are independent")
	}
	if err := g.Renew(ctx, l); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := g.Release(ctx, l, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := g.Acquire(ctx, "c1"); !ok {
		t.Fatal("acquire after release without pacing should succeed")
	}
}

func TestMemoryGatePacing(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(time.Minute)

	l, _, _ := g.Acquire(ctx, "c1")
	if err := g.Release(ctx, l, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := g.Acquire(ctx, "c1"); ok {
		t.Fatal("acquire must fail while pacing")
	}
	lk, ok, _ := g.Lock(ctx, "c1")
	if !ok {
		t.Fatal("lock ignores pacing")
	}
	_ = g.Release(ctx, lk, 0)

	time.Sleep(80 * time.Millisecond)
	if _, ok, _ := g.Acquire(ctx, "c1"); !ok {
		t.Fatal("acquire should succeed once the delay elapsed")
	}
}

func TestMemoryGateForeignRelease(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(time.Minute)
	_, _, _ = g.Acquire(ctx, "c1")

	stranger := &Lease{CampaignID: "c1", Owner: "someone-else"}
	if err := g.Release(ctx, stranger, 0); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if err := g.Renew(ctx, stranger); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner on renew, got %v", err)
	}
}

func TestMemoryGateExpiredLease(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(30 * time.Millisecond)
	if _, ok, _ := g.Acquire(ctx, "c1"); !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := g.Acquire(ctx, "c1"); !ok {
		t.Fatal("an expired lease must not block a new owner")
	}
}

func TestOpenWithoutAddrUsesMemory(t *testing.T) {
	g, closeFn, err := Open(context.Background(), config.RedisConfig{}, time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeFn()
	if _, ok := g.(*MemoryGate); !ok {
		t.Fatalf("expected memory gate, got %T", g)
	}
}
