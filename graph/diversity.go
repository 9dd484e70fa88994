package graph

import (
	"github.com/fincrime/mule-signal-service/domain"
	"github.com/pkg/errors"
)

// ComputeDiversity aggregates counterparty diversity for one account from the
// raw edge records incident to it, in either direction. It needs no batch
// output and is the real-time path. Self-transactions are excluded, an account
// is not its own counterparty; the batch mode never sees them either. Ratios
// are nil when the account has no transactions, never zero.
func ComputeDiversity(accountID string, edges []domain.EdgeRecord) domain.DiversityMetrics {
	counterpartyCounts := make(map[string]int64)
	for _, edge := range edges {
		if edge.SourceAccount == edge.TargetAccount {
			continue
		}
		switch accountID {
		case edge.SourceAccount:
			counterpartyCounts[edge.TargetAccount] += edge.Count
		case edge.TargetAccount:
			counterpartyCounts[edge.SourceAccount] += edge.Count
		}
	}
	return diversityFromCounts(accountID, counterpartyCounts)
}

// ComputeAllDiversity computes diversity metrics for every node of the
// working graph and writes them back to the store. Edge weights of the
// working graph are transaction counts, so no second pass over the raw edges
// is needed.
func ComputeAllDiversity(g *WorkingGraph, writer AttributeWriter) ([]domain.DiversityMetrics, error) {
	nodes := g.Nodes()
	results := make([]domain.DiversityMetrics, 0, len(nodes))
	for _, accountID := range nodes {
		counterpartyCounts := make(map[string]int64)
		for neighbor, weight := range g.Neighbors(accountID) {
			counterpartyCounts[neighbor] = int64(weight)
		}
		metrics := diversityFromCounts(accountID, counterpartyCounts)
		if err := WriteDiversity(metrics, writer); err != nil {
			return nil, err
		}
		results = append(results, metrics)
	}
	return results, nil
}

// WriteDiversity persists the diversity attribute group for one account.
func WriteDiversity(metrics domain.DiversityMetrics, writer AttributeWriter) error {
	err := writer.WriteAccountAttributes(metrics.AccountNumber, domain.AccountUpdate{
		Diversity: &domain.DiversityAttributes{
			UniqueCounterparties: metrics.UniqueCounterparties,
			TotalTransactions:    metrics.TotalTransactions,
			DiversityRatio:       metrics.DiversityRatio,
			TopCounterpartyShare: metrics.TopCounterpartyShare,
		},
	})
	return errors.Wrapf(err, "writing diversity attributes for account [%s]", metrics.AccountNumber)
}

func diversityFromCounts(accountID string, counterpartyCounts map[string]int64) domain.DiversityMetrics {
	metrics := domain.DiversityMetrics{
		AccountNumber:        accountID,
		UniqueCounterparties: int64(len(counterpartyCounts)),
	}
	var top int64
	for _, count := range counterpartyCounts {
		metrics.TotalTransactions += count
		if count > top {
			top = count
		}
	}
	if metrics.TotalTransactions > 0 {
		ratio := float64(metrics.UniqueCounterparties) / float64(metrics.TotalTransactions)
		share := float64(top) / float64(metrics.TotalTransactions)
		metrics.DiversityRatio = &ratio
		metrics.TopCounterpartyShare = &share
	}
	return metrics
}
