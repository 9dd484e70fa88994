package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/fincrime/mule-signal-service/batch"
	"github.com/fincrime/mule-signal-service/db"
	"github.com/fincrime/mule-signal-service/domain"
	"github.com/fincrime/mule-signal-service/metrics"
	"github.com/pkg/errors"
)

// OnDemandCalculator recomputes signals fresh from current edges, without
// requiring any batch output.
type OnDemandCalculator interface {
	RealtimeDiversity(sourceAccount, targetAccount string) (*domain.DiversityMetrics, *domain.DiversityMetrics, error)
	PathToNearestMule(accountID string) (*domain.MuleDistance, error)
}

// Handler serves the real-time lookup endpoints. A lookup either returns a
// complete result record or an explicit not-found; partial records with
// fields silently defaulted to zero are never returned, a risk decision must
// be able to tell "no data" from "zero risk".
type Handler struct {
	provider   AccountProvider
	calculator OnDemandCalculator
	metrics    *metrics.Metrics
	thresholds domain.RiskThresholds
}

func NewHandler(provider AccountProvider, calculator OnDemandCalculator, m *metrics.Metrics, thresholds domain.RiskThresholds) *Handler {
	return &Handler{
		provider:   provider,
		calculator: calculator,
		metrics:    m,
		thresholds: thresholds,
	}
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type AccountCommunityRisk struct {
	AccountNumber string   `json:"accountNumber"`
	CommunityID   *int64   `json:"communityId"`
	CommunitySize *int64   `json:"communitySize"`
	MuleCount     *int64   `json:"muleCount"`
	MuleDensity   *float64 `json:"muleDensity"`
}

type CommunityRiskResponse struct {
	Source    AccountCommunityRisk `json:"source"`
	Target    AccountCommunityRisk `json:"target"`
	RiskLevel domain.RiskLevel     `json:"riskLevel"`
}

type DiversityResponse struct {
	domain.DiversityMetrics
	RiskLevel domain.RiskLevel `json:"riskLevel"`
}

type RealtimeDiversityResponse struct {
	Source    domain.DiversityMetrics `json:"source"`
	Target    domain.DiversityMetrics `json:"target"`
	RiskLevel domain.RiskLevel        `json:"riskLevel"`
}

type MuleDistanceResponse struct {
	AccountNumber  string  `json:"accountNumber"`
	DistanceToMule *int64  `json:"distanceToMule"`
	NearestMule    *string `json:"nearestMule"`
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, HealthResponse{Status: "UP"})
}

// GetCommunityRisk returns the precomputed community mule density for the
// source and target accounts of a transaction.
func (h *Handler) GetCommunityRisk(w http.ResponseWriter, r *http.Request) {
	h.metrics.IncLookups()
	sourceAccount := r.URL.Query().Get("source")
	targetAccount := r.URL.Query().Get("target")
	if sourceAccount == "" || targetAccount == "" {
		writeError(w, http.StatusBadRequest, "source and target query parameters are required")
		return
	}

	source, ok := h.communityRiskFor(w, sourceAccount)
	if !ok {
		return
	}
	target, ok := h.communityRiskFor(w, targetAccount)
	if !ok {
		return
	}

	writeJSON(w, CommunityRiskResponse{
		Source:    source,
		Target:    target,
		RiskLevel: domain.EvaluateCommunityRisk(source.MuleDensity, target.MuleDensity, h.thresholds),
	})
}

func (h *Handler) communityRiskFor(w http.ResponseWriter, accountID string) (AccountCommunityRisk, bool) {
	account, ok := h.lookup(w, accountID)
	if !ok {
		return AccountCommunityRisk{}, false
	}
	if account.CommunityID == nil {
		h.metrics.IncLookupMisses()
		writeError(w, http.StatusNotFound, "no precomputed community data for account "+accountID)
		return AccountCommunityRisk{}, false
	}
	return AccountCommunityRisk{
		AccountNumber: account.AccountNumber,
		CommunityID:   account.CommunityID,
		CommunitySize: account.CommunitySize,
		MuleCount:     account.MuleCount,
		MuleDensity:   account.MuleDensity,
	}, true
}

// GetDiversity returns the precomputed diversity metrics for one account.
func (h *Handler) GetDiversity(w http.ResponseWriter, r *http.Request) {
	h.metrics.IncLookups()
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account query parameter is required")
		return
	}

	account, ok := h.lookup(w, accountID)
	if !ok {
		return
	}
	if account.TotalTransactions == nil {
		h.metrics.IncLookupMisses()
		writeError(w, http.StatusNotFound, "no precomputed diversity data for account "+accountID)
		return
	}

	diversityMetrics := domain.DiversityMetrics{
		AccountNumber:        account.AccountNumber,
		UniqueCounterparties: *account.UniqueCounterparties,
		TotalTransactions:    *account.TotalTransactions,
		DiversityRatio:       account.DiversityRatio,
		TopCounterpartyShare: account.TopCounterpartyShare,
	}
	writeJSON(w, DiversityResponse{
		DiversityMetrics: diversityMetrics,
		RiskLevel:        domain.EvaluateDiversityRisk(diversityMetrics, h.thresholds),
	})
}

// GetRealtimeDiversity computes diversity for both accounts of a transaction
// fresh from the current edges.
func (h *Handler) GetRealtimeDiversity(w http.ResponseWriter, r *http.Request) {
	h.metrics.IncLookups()
	sourceAccount := r.URL.Query().Get("source")
	targetAccount := r.URL.Query().Get("target")
	if sourceAccount == "" || targetAccount == "" {
		writeError(w, http.StatusBadRequest, "source and target query parameters are required")
		return
	}

	source, target, err := h.calculator.RealtimeDiversity(sourceAccount, targetAccount)
	if errors.Is(err, db.ErrNotFound) {
		h.metrics.IncLookupMisses()
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		log.Printf("Error computing realtime diversity: %v", err)
		writeError(w, http.StatusInternalServerError, "error computing diversity")
		return
	}

	writeJSON(w, RealtimeDiversityResponse{
		Source:    *source,
		Target:    *target,
		RiskLevel: domain.CombinedDiversityRisk(*source, *target, h.thresholds),
	})
}

// GetMuleDistance returns the precomputed shortest-hop distance to the
// nearest confirmed mule. Null distance after a completed batch means
// unreachable, which is a valid result; before any batch it is a not-found.
func (h *Handler) GetMuleDistance(w http.ResponseWriter, r *http.Request) {
	h.metrics.IncLookups()
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account query parameter is required")
		return
	}

	if _, err := h.provider.GetStageRun(batch.StageDistance); errors.Is(err, db.ErrNotFound) {
		h.metrics.IncLookupMisses()
		writeError(w, http.StatusNotFound, "distance batch has not run yet")
		return
	} else if err != nil {
		log.Printf("Error getting distance stage run: %v", err)
		writeError(w, http.StatusInternalServerError, "error reading batch state")
		return
	}

	account, ok := h.lookup(w, accountID)
	if !ok {
		return
	}
	writeJSON(w, MuleDistanceResponse{
		AccountNumber:  account.AccountNumber,
		DistanceToMule: account.DistanceToMule,
		NearestMule:    account.NearestMule,
	})
}

// GetMulePath runs an ad-hoc shortest path search for one account and
// returns the hop path to its nearest confirmed mule.
func (h *Handler) GetMulePath(w http.ResponseWriter, r *http.Request) {
	h.metrics.IncLookups()
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account query parameter is required")
		return
	}

	result, err := h.calculator.PathToNearestMule(accountID)
	if errors.Is(err, db.ErrNotFound) {
		h.metrics.IncLookupMisses()
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		log.Printf("Error computing path to nearest mule: %v", err)
		writeError(w, http.StatusInternalServerError, "error computing path")
		return
	}
	writeJSON(w, result)
}

func (h *Handler) lookup(w http.ResponseWriter, accountID string) (*domain.Account, bool) {
	account, err := h.provider.LookupAccount(accountID)
	if errors.Is(err, db.ErrNotFound) {
		h.metrics.IncLookupMisses()
		writeError(w, http.StatusNotFound, "account not found: "+accountID)
		return nil, false
	}
	if err != nil {
		log.Printf("Error looking up account [%s]: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "error looking up account")
		return nil, false
	}
	return account, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", 500)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
