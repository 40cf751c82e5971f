// Package lease coordinates which worker may send the next chunk of a campaign.
//
// A campaign has two keys: a lock held while a chunk is being sent and a pacing
// marker that lives for the campaign's inter-chunk delay after the lock is
// released. Acquire fails while either exists; Lock only looks at the lock.
package lease

import (
	"context"
	"errors"
	"time"
)

var ErrNotOwner = errors.New("lease is held by another owner")

type Lease struct {
	CampaignID string
	Owner      string
	AcquiredAt time.Time
}

type Gate interface {
	// Acquire takes the lock if the campaign is neither locked nor pacing.
	Acquire(ctx context.Context, campaignID string) (*Lease, bool, error)
	// Lock takes the lock regardless of pacing.
	Lock(ctx context.Context, campaignID string) (*Lease, bool, error)
	// Renew extends a held lock.
	Renew(ctx context.Context, l *Lease) error
	// Release drops the lock and keeps the campaign paced for the given delay.
	Release(ctx context.Context, l *Lease, pace time.Duration) error
}

func lockKey(campaignID string) string { return "campaign:lease:" + campaignID }
func paceKey(campaignID string) string { return "campaign:pace:" + campaignID }
