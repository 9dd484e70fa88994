package graph

import (
	"github.com/fincrime/mule-signal-service/domain"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// AttributeWriter persists one attribute group onto an account without
// touching attributes owned by other stages.
type AttributeWriter interface {
	WriteAccountAttributes(accountID string, update domain.AccountUpdate) error
}

// AggregateDensity computes per-community size, confirmed-mule count and
// density and writes the values onto every member account. Density is
// muleCount / size, defined as 0 for an empty community rather than NaN.
// The write-back is idempotent and communities are summarized concurrently,
// they are independent of each other once clustering is final. The returned
// order is unspecified, consumers sort if they need an order.
func AggregateDensity(assignment map[string]int64, muleFlags map[string]bool, writer AttributeWriter) ([]domain.CommunitySummary, error) {
	members := make(map[int64][]string)
	for accountID, communityID := range assignment {
		members[communityID] = append(members[communityID], accountID)
	}

	summaries := make([]domain.CommunitySummary, 0, len(members))
	for communityID, accounts := range members {
		summary := domain.CommunitySummary{
			CommunityID:   communityID,
			CommunitySize: int64(len(accounts)),
		}
		for _, accountID := range accounts {
			if muleFlags[accountID] {
				summary.MuleCount++
			}
		}
		if summary.CommunitySize > 0 {
			summary.MuleDensity = float64(summary.MuleCount) / float64(summary.CommunitySize)
		}
		summaries = append(summaries, summary)
	}

	var errorGroup errgroup.Group
	for _, summary := range summaries {
		errorGroup.Go(func() error {
			for _, accountID := range members[summary.CommunityID] {
				err := writer.WriteAccountAttributes(accountID, domain.AccountUpdate{
					Community: &domain.CommunityAttributes{
						CommunityID:   summary.CommunityID,
						CommunitySize: summary.CommunitySize,
						MuleCount:     summary.MuleCount,
						MuleDensity:   summary.MuleDensity,
					},
				})
				if err != nil {
					return errors.Wrapf(err, "writing community attributes for account [%s]", accountID)
				}
			}
			return nil
		})
	}
	if err := errorGroup.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}
