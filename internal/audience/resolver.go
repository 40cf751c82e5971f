// Package audience resolves the contacts a campaign may still send to.
package audience

import (
	"context"
	"fmt"
	"strings"

	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/repository"
)

// Resolution is the eligible audience of a campaign split by ledger state.
// Eligible holds every deduplicated, unsuppressed candidate in resolution order;
// Remaining is the subset with no ledger row yet.
type Resolution struct {
	Eligible  []model.Recipient
	Remaining []model.Recipient
	Processed int
}

type Resolver struct {
	Repo repository.AudienceRepositoryInterface
}

func NewResolver(repo repository.AudienceRepositoryInterface) *Resolver {
	return &Resolver{Repo: repo}
}

// Resolve dedups candidates by lower-cased email keeping the first row, drops emails
// suppressed for the contact's account, then splits off contacts already in the ledger.
// Suppressions are read on every call.
func (r *Resolver) Resolve(ctx context.Context, tenantID, campaignID string) (*Resolution, error) {
	candidates, err := r.Repo.Candidates(ctx, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load candidates for campaign %s: %w", campaignID, err)
	}

	deduped := Dedup(candidates)

	byAccount := map[string][]string{}
	for _, rc := range deduped {
		byAccount[rc.AccountID] = append(byAccount[rc.AccountID], strings.ToLower(rc.Email))
	}
	suppressed := map[string]map[string]bool{}
	for account, emails := range byAccount {
		set, err := r.Repo.SuppressedEmails(ctx, account, emails)
		if err != nil {
			return nil, fmt.Errorf("load suppressions for account %s: %w", account, err)
		}
		suppressed[account] = set
	}

	processed, err := r.Repo.ProcessedContactIDs(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load processed contacts for campaign %s: %w", campaignID, err)
	}

	res := &Resolution{}
	for _, rc := range deduped {
		if suppressed[rc.AccountID][strings.ToLower(rc.Email)] {
			continue
		}
		res.Eligible = append(res.Eligible, rc)
		if processed[rc.ContactID] {
			res.Processed++
			continue
		}
		res.Remaining = append(res.Remaining, rc)
	}
	return res, nil
}

// Dedup keeps the first recipient for each lower-cased email, preserving order.
func Dedup(in []model.Recipient) []model.Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]model.Recipient, 0, len(in))
	for _, rc := range in {
		key := strings.ToLower(strings.TrimSpace(rc.Email))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rc)
	}
	return out
}

// Chunk returns at most size recipients from the front of remaining.
func (res *Resolution) Chunk(size int) []model.Recipient {
	if size <= 0 || size >= len(res.Remaining) {
		return res.Remaining
	}
	return res.Remaining[:size]
}
