package domain

import "time"

// Account is the persisted per-account record. All analysis attributes are
// nullable: nil means "never computed", never "zero risk". Each batch stage
// owns and overwrites only its own attribute group.
type Account struct {
	AccountNumber   string
	IsConfirmedMule bool

	// written by the community pipeline
	CommunityID   *int64
	CommunitySize *int64
	MuleCount     *int64
	MuleDensity   *float64

	// written by the diversity batch
	UniqueCounterparties *int64
	TotalTransactions    *int64
	DiversityRatio       *float64
	TopCounterpartyShare *float64

	// written by the distance batch
	DistanceToMule *int64
	NearestMule    *string
}

// EdgeRecord is an aggregated, directed transaction edge between two
// accounts. Multi-edges are collapsed into one record with an occurrence
// count. Read-only to the analysis stages.
type EdgeRecord struct {
	SourceAccount string
	TargetAccount string
	Count         int64
	TotalAmount   float64
	LastTimestamp time.Time
}

// CommunitySummary is the per-community result of one batch run. Communities
// are recomputed from scratch each run and are not persisted as first-class
// records, only the summary and the per-account attributes are.
type CommunitySummary struct {
	CommunityID   int64   `json:"communityId"`
	CommunitySize int64   `json:"communitySize"`
	MuleCount     int64   `json:"muleCount"`
	MuleDensity   float64 `json:"muleDensity"`
}

// DiversityMetrics holds counterparty diversity values for one account.
// Ratios are nil when the account has no transactions.
type DiversityMetrics struct {
	AccountNumber        string   `json:"accountNumber"`
	UniqueCounterparties int64    `json:"uniqueCounterparties"`
	TotalTransactions    int64    `json:"totalTransactions"`
	DiversityRatio       *float64 `json:"diversityRatio"`
	TopCounterpartyShare *float64 `json:"topCounterpartyShare"`
}

// MuleDistance is the shortest-hop result for one account. All fields except
// the account number are nil/empty when no confirmed mule is reachable.
type MuleDistance struct {
	AccountNumber  string   `json:"accountNumber"`
	DistanceToMule *int64   `json:"distanceToMule"`
	NearestMule    *string  `json:"nearestMule"`
	PathNodes      []string `json:"pathNodes,omitempty"`
}

// CommunityAttributes is the attribute group owned by the community pipeline.
type CommunityAttributes struct {
	CommunityID   int64
	CommunitySize int64
	MuleCount     int64
	MuleDensity   float64
}

// DiversityAttributes is the attribute group owned by the diversity batch.
type DiversityAttributes struct {
	UniqueCounterparties int64
	TotalTransactions    int64
	DiversityRatio       *float64
	TopCounterpartyShare *float64
}

// DistanceAttributes is the attribute group owned by the distance batch.
// Nil values are a valid computed result (unreachable, or no mules exist).
type DistanceAttributes struct {
	DistanceToMule *int64
	NearestMule    *string
}

// AccountUpdate is a partial account update. Nil groups are left untouched so
// that one stage never clobbers the attributes owned by another.
type AccountUpdate struct {
	Community *CommunityAttributes
	Diversity *DiversityAttributes
	Distance  *DistanceAttributes
}

// Apply writes the non-nil attribute groups onto the account.
func (u AccountUpdate) Apply(account *Account) {
	if u.Community != nil {
		communityID := u.Community.CommunityID
		communitySize := u.Community.CommunitySize
		muleCount := u.Community.MuleCount
		muleDensity := u.Community.MuleDensity
		account.CommunityID = &communityID
		account.CommunitySize = &communitySize
		account.MuleCount = &muleCount
		account.MuleDensity = &muleDensity
	}
	if u.Diversity != nil {
		uniqueCounterparties := u.Diversity.UniqueCounterparties
		totalTransactions := u.Diversity.TotalTransactions
		account.UniqueCounterparties = &uniqueCounterparties
		account.TotalTransactions = &totalTransactions
		account.DiversityRatio = u.Diversity.DiversityRatio
		account.TopCounterpartyShare = u.Diversity.TopCounterpartyShare
	}
	if u.Distance != nil {
		account.DistanceToMule = u.Distance.DistanceToMule
		account.NearestMule = u.Distance.NearestMule
	}
}
