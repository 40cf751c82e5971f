package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/unclebandit/commsblock-backend/internal/config"
)

var acquireScript = redis.NewScript(`
if ARGV[3] == "1" and redis.call("EXISTS", KEYS[2]) == 1 then return 0 end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then return 1 end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then return 0 end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
if tonumber(ARGV[2]) > 0 then redis.call("SET", KEYS[2], "1", "PX", ARGV[2]) end
return 1`)

// RedisGate shares leases between worker instances.
type RedisGate struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Gate = (*RedisGate)(nil)

func NewRedisGate(rdb *redis.Client, ttl time.Duration) *RedisGate {
	return &RedisGate{rdb: rdb, ttl: ttl}
}

func (g *RedisGate) Acquire(ctx context.Context, campaignID string) (*Lease, bool, error) {
	return g.take(ctx, campaignID, true)
}

func (g *RedisGate) Lock(ctx context.Context, campaignID string) (*Lease, bool, error) {
	return g.take(ctx, campaignID, false)
}

func (g *RedisGate) take(ctx context.Context, campaignID string, paced bool) (*Lease, bool, error) {
	owner := uuid.NewString()
	flag := "0"
	if paced {
		flag = "1"
	}
	ok, err := acquireScript.Run(ctx, g.rdb,
		[]string{lockKey(campaignID), paceKey(campaignID)},
		owner, g.ttl.Milliseconds(), flag).Int()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", campaignID, err)
	}
	if ok != 1 {
		return nil, false, nil
	}
	return &Lease{CampaignID: campaignID, Owner: owner, AcquiredAt: time.Now()}, true, nil
}

func (g *RedisGate) Renew(ctx context.Context, l *Lease) error {
	ok, err := renewScript.Run(ctx, g.rdb, []string{lockKey(l.CampaignID)}, l.Owner, g.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.CampaignID, err)
	}
	if ok != 1 {
		return ErrNotOwner
	}
	return nil
}

func (g *RedisGate) Release(ctx context.Context, l *Lease, pace time.Duration) error {
	ok, err := releaseScript.Run(ctx, g.rdb,
		[]string{lockKey(l.CampaignID), paceKey(l.CampaignID)},
		l.Owner, pace.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.CampaignID, err)
	}
	if ok != 1 {
		return ErrNotOwner
	}
	return nil
}

// Open returns a RedisGate when an address is configured and a MemoryGate
// otherwise. The close func releases the redis client.
func Open(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (Gate, func() error, error) {
	if cfg.Addr == "" {
		return NewMemoryGate(ttl), func() error { return nil }, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisGate(rdb, ttl), rdb.Close, nil
}
