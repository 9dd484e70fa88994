package domain

type RiskLevel string

const (
	RiskHigh   RiskLevel = "HIGH"
	RiskMedium RiskLevel = "MEDIUM"
	RiskLow    RiskLevel = "LOW"
)

// RiskThresholds are the tunable cut-offs for lookup-time risk evaluation.
type RiskThresholds struct {
	MuleDensity          float64 // community density above this is high risk
	DiversityRatio       float64 // diversity ratio below this is suspicious
	TopCounterpartyShare float64 // concentration above this is medium risk
	MinTransactionVolume int64   // low diversity only counts with enough volume
}

// EvaluateCommunityRisk rates a transaction by the mule density of the two
// involved communities. Accounts without a computed density never raise the
// level, absence of data is not evidence of low risk.
func EvaluateCommunityRisk(sourceDensity, targetDensity *float64, thresholds RiskThresholds) RiskLevel {
	if exceedsDensity(sourceDensity, thresholds.MuleDensity) || exceedsDensity(targetDensity, thresholds.MuleDensity) {
		return RiskHigh
	}
	return RiskLow
}

func exceedsDensity(density *float64, threshold float64) bool {
	return density != nil && *density > threshold
}

// EvaluateDiversityRisk rates one account by its counterparty diversity.
// Low diversity combined with high transaction volume is the classic mule
// pattern; heavy concentration on one counterparty alone is a weaker signal.
func EvaluateDiversityRisk(metrics DiversityMetrics, thresholds RiskThresholds) RiskLevel {
	if metrics.DiversityRatio != nil &&
		*metrics.DiversityRatio < thresholds.DiversityRatio &&
		metrics.TotalTransactions > thresholds.MinTransactionVolume {
		return RiskHigh
	}
	if metrics.TopCounterpartyShare != nil && *metrics.TopCounterpartyShare > thresholds.TopCounterpartyShare {
		return RiskMedium
	}
	return RiskLow
}

// CombinedDiversityRisk rates a transaction by the worse of the two sides.
func CombinedDiversityRisk(source, target DiversityMetrics, thresholds RiskThresholds) RiskLevel {
	sourceRisk := EvaluateDiversityRisk(source, thresholds)
	targetRisk := EvaluateDiversityRisk(target, thresholds)
	if sourceRisk == RiskHigh || targetRisk == RiskHigh {
		return RiskHigh
	}
	if sourceRisk == RiskMedium || targetRisk == RiskMedium {
		return RiskMedium
	}
	return RiskLow
}
