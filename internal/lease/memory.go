package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// MemoryGate keeps leases in process memory. Pacing state is lost on restart.
type MemoryGate struct {
	mu    sync.Mutex
	items *cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

var _ Gate = (*MemoryGate)(nil)

func NewMemoryGate(ttl time.Duration) *MemoryGate {
	return &MemoryGate{items: cache.New(ttl, time.Minute), ttl: ttl, now: time.Now}
}

func (g *MemoryGate) Acquire(ctx context.Context, campaignID string) (*Lease, bool, error) {
	return g.take(campaignID, true)
}

func (g *MemoryGate) Lock(ctx context.Context, campaignID string) (*Lease, bool, error) {
	return g.take(campaignID, false)
}

func (g *MemoryGate) take(campaignID string, paced bool) (*Lease, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if paced {
		if _, pacing := g.items.Get(paceKey(campaignID)); pacing {
			return nil, false, nil
		}
	}
	owner := uuid.NewString()
	if err := g.items.Add(lockKey(campaignID), owner, g.ttl); err != nil {
		return nil, false, nil
	}
	return &Lease{CampaignID: campaignID, Owner: owner, AcquiredAt: g.now()}, true, nil
}

func (g *MemoryGate) Renew(ctx context.Context, l *Lease) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.ownedLocked(l) {
		return ErrNotOwner
	}
	g.items.Set(lockKey(l.CampaignID), l.Owner, g.ttl)
	return nil
}

func (g *MemoryGate) Release(ctx context.Context, l *Lease, pace time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.ownedLocked(l) {
		return ErrNotOwner
	}
	g.items.Delete(lockKey(l.CampaignID))
	if pace > 0 {
		g.items.Set(paceKey(l.CampaignID), g.now().Add(pace), pace)
	}
	return nil
}

func (g *MemoryGate) ownedLocked(l *Lease) bool {
	v, ok := g.items.Get(lockKey(l.CampaignID))
	return ok && v.(string) == l.Owner
}
