package batch

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fincrime/mule-signal-service/domain"
	"github.com/fincrime/mule-signal-service/graph"
	"github.com/fincrime/mule-signal-service/metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreNotFound = errors.New("account not found")
var errStoreUnreachable = errors.New("store unreachable")

type fakeGraphStore struct {
	mu         sync.Mutex
	accounts   map[string]*domain.Account
	edges      []domain.EdgeRecord
	stageRuns  map[string]time.Time
	failStages map[string]bool
	readErr    error
}

func newFakeGraphStore() *fakeGraphStore {
	return &fakeGraphStore{
		accounts:   make(map[string]*domain.Account),
		stageRuns:  make(map[string]time.Time),
		failStages: make(map[string]bool),
	}
}

func (f *fakeGraphStore) addAccount(accountID string, isMule bool) {
	f.accounts[accountID] = &domain.Account{AccountNumber: accountID, IsConfirmedMule: isMule}
}

func (f *fakeGraphStore) addEdge(source, target string, count int64) {
	f.edges = append(f.edges, domain.EdgeRecord{SourceAccount: source, TargetAccount: target, Count: count})
}

func (f *fakeGraphStore) ReadAccounts() ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	accounts := make([]domain.Account, 0, len(f.accounts))
	for _, account := range f.accounts {
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

func (f *fakeGraphStore) ReadTransactions() ([]domain.EdgeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.edges, nil
}

func (f *fakeGraphStore) ReadTransactionsFor(accountID string) ([]domain.EdgeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	var incident []domain.EdgeRecord
	for _, edge := range f.edges {
		if edge.SourceAccount == accountID || edge.TargetAccount == accountID {
			incident = append(incident, edge)
		}
	}
	return incident, nil
}

func (f *fakeGraphStore) LookupAccount(accountID string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, exists := f.accounts[accountID]
	if !exists {
		return nil, errStoreNotFound
	}
	copied := *account
	return &copied, nil
}

func (f *fakeGraphStore) WriteAccountAttributes(accountID string, update domain.AccountUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, exists := f.accounts[accountID]
	if !exists {
		return errStoreNotFound
	}
	update.Apply(account)
	return nil
}

func (f *fakeGraphStore) SetStageRun(stage string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStages[stage] {
		return errStoreUnreachable
	}
	f.stageRuns[stage] = completedAt
	return nil
}

type fakeSummarySink struct {
	summaries []domain.CommunitySummary
	err       error
}

func (f *fakeSummarySink) PublishSummaries(_ context.Context, summaries []domain.CommunitySummary) error {
	f.summaries = summaries
	return f.err
}

func (f *fakeSummarySink) IndexSummaries(_ context.Context, summaries []domain.CommunitySummary) error {
	f.summaries = summaries
	return f.err
}

var metricsSequence atomic.Int64

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(fmt.Sprintf("batch_test_%d", metricsSequence.Add(1)))
}

// muleTriangle seeds a store with one confirmed mule in a transaction
// triangle, plus one account without any transactions.
func muleTriangle() *fakeGraphStore {
	store := newFakeGraphStore()
	store.addAccount("ACC-M", true)
	store.addAccount("ACC-A", false)
	store.addAccount("ACC-B", false)
	store.addAccount("ACC-IDLE", false)
	store.addEdge("ACC-M", "ACC-A", 2)
	store.addEdge("ACC-A", "ACC-B", 3)
	store.addEdge("ACC-B", "ACC-M", 1)
	return store
}

func newTestOrchestrator(store GraphStore, catalog *graph.Catalog, publisher SummaryPublisher, indexer SummaryIndexer) *Orchestrator {
	cfg := Config{Interval: time.Hour, TopReportSize: 3, MinReportCommunitySize: 1}
	return NewOrchestrator(store, catalog, NewRunGuard(nil, time.Minute), publisher, indexer, newTestMetrics(), cfg)
}

func TestOrchestrator_run(t *testing.T) {
	store := muleTriangle()
	catalog := graph.NewCatalog()
	orchestrator := newTestOrchestrator(store, catalog, nil, nil)

	summaries, err := orchestrator.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summaries, 1)
	assert.Equal(t, int64(3), summaries[0].CommunitySize)
	assert.Equal(t, int64(1), summaries[0].MuleCount)
	assert.InDelta(t, 1.0/3, summaries[0].MuleDensity, 1e-9)

	account := store.accounts["ACC-A"]
	require.NotNil(t, account.CommunityID)
	assert.Equal(t, int64(3), *account.CommunitySize)
	assert.InDelta(t, 1.0/3, *account.MuleDensity, 1e-9)
	assert.Equal(t, int64(2), *account.UniqueCounterparties)
	assert.Equal(t, int64(5), *account.TotalTransactions)
	assert.InDelta(t, 0.4, *account.DiversityRatio, 1e-9)
	assert.InDelta(t, 0.6, *account.TopCounterpartyShare, 1e-9)
	assert.Equal(t, int64(1), *account.DistanceToMule)
	assert.Equal(t, "ACC-M", *account.NearestMule)

	mule := store.accounts["ACC-M"]
	assert.Equal(t, int64(0), *mule.DistanceToMule)

	for _, stage := range []string{StageCommunity, StageDiversity, StageDistance} {
		_, recorded := store.stageRuns[stage]
		assert.True(t, recorded, "stage [%s] not recorded", stage)
	}
}

func TestOrchestrator_run_leavesIdleAccountAttributesNull(t *testing.T) {
	store := muleTriangle()
	orchestrator := newTestOrchestrator(store, graph.NewCatalog(), nil, nil)

	_, err := orchestrator.Run(context.Background())
	require.NoError(t, err)

	idle := store.accounts["ACC-IDLE"]
	assert.Nil(t, idle.CommunityID)
	require.NotNil(t, idle.TotalTransactions)
	assert.Equal(t, int64(0), *idle.TotalTransactions)
	assert.Nil(t, idle.DiversityRatio)
	assert.Nil(t, idle.DistanceToMule)
	assert.Nil(t, idle.NearestMule)
}

func TestOrchestrator_run_releasesProjection(t *testing.T) {
	catalog := graph.NewCatalog()
	orchestrator := newTestOrchestrator(muleTriangle(), catalog, nil, nil)

	_, err := orchestrator.Run(context.Background())
	require.NoError(t, err)

	_, err = catalog.Get(graph.ProjectionName)
	assert.ErrorIs(t, err, graph.ErrProjectionNotFound)
}

func TestOrchestrator_run_givenCommunityStageFailure(t *testing.T) {
	store := muleTriangle()
	store.failStages[StageCommunity] = true
	catalog := graph.NewCatalog()
	orchestrator := newTestOrchestrator(store, catalog, nil, nil)

	_, err := orchestrator.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreUnreachable)

	// the independent stages still ran and the projection was released
	_, recorded := store.stageRuns[StageDiversity]
	assert.True(t, recorded)
	_, recorded = store.stageRuns[StageDistance]
	assert.True(t, recorded)
	assert.NotNil(t, store.accounts["ACC-A"].DistanceToMule)
	_, err = catalog.Get(graph.ProjectionName)
	assert.ErrorIs(t, err, graph.ErrProjectionNotFound)
}

func TestOrchestrator_run_logsCommunityErrorWhenLaterStageAlsoFails(t *testing.T) {
	store := muleTriangle()
	store.failStages[StageCommunity] = true
	store.failStages[StageDiversity] = true
	orchestrator := newTestOrchestrator(store, graph.NewCatalog(), nil, nil)

	var logged bytes.Buffer
	log.SetOutput(&logged)
	defer log.SetOutput(os.Stdout)

	_, err := orchestrator.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "recording diversity stage run")

	// the earlier community failure must not vanish behind the later error
	assert.Contains(t, logged.String(), "community pipeline failed")
}

func TestOrchestrator_run_givenUnreachableStore(t *testing.T) {
	store := muleTriangle()
	store.readErr = errStoreUnreachable
	catalog := graph.NewCatalog()
	orchestrator := newTestOrchestrator(store, catalog, nil, nil)

	_, err := orchestrator.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreUnreachable)

	_, err = catalog.Get(graph.ProjectionName)
	assert.ErrorIs(t, err, graph.ErrProjectionNotFound)
}

func TestOrchestrator_run_givenRunInProgress(t *testing.T) {
	guard := NewRunGuard(nil, time.Minute)
	require.NoError(t, guard.Acquire(context.Background(), graph.ProjectionName))
	cfg := Config{Interval: time.Hour, TopReportSize: 3, MinReportCommunitySize: 1}
	orchestrator := NewOrchestrator(muleTriangle(), graph.NewCatalog(), guard, nil, nil, newTestMetrics(), cfg)

	_, err := orchestrator.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestOrchestrator_run_publishesSummaries(t *testing.T) {
	publisher := &fakeSummarySink{}
	indexer := &fakeSummarySink{}
	orchestrator := newTestOrchestrator(muleTriangle(), graph.NewCatalog(), publisher, indexer)

	summaries, err := orchestrator.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, summaries, publisher.summaries)
	assert.Equal(t, summaries, indexer.summaries)
}

func TestOrchestrator_run_givenPublisherFailure(t *testing.T) {
	publisher := &fakeSummarySink{err: errors.New("broker down")}
	orchestrator := newTestOrchestrator(muleTriangle(), graph.NewCatalog(), publisher, nil)

	_, err := orchestrator.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "publishing community summaries")
}

func TestOrchestrator_realtimeDiversity(t *testing.T) {
	orchestrator := newTestOrchestrator(muleTriangle(), graph.NewCatalog(), nil, nil)

	source, target, err := orchestrator.RealtimeDiversity("ACC-A", "ACC-IDLE")
	require.NoError(t, err)

	assert.Equal(t, int64(2), source.UniqueCounterparties)
	assert.Equal(t, int64(5), source.TotalTransactions)
	require.NotNil(t, source.DiversityRatio)
	assert.InDelta(t, 0.4, *source.DiversityRatio, 1e-9)

	assert.Equal(t, int64(0), target.TotalTransactions)
	assert.Nil(t, target.DiversityRatio)
}

func TestOrchestrator_realtimeDiversity_givenUnknownAccount(t *testing.T) {
	orchestrator := newTestOrchestrator(muleTriangle(), graph.NewCatalog(), nil, nil)

	_, _, err := orchestrator.RealtimeDiversity("ACC-A", "ACC-UNKNOWN")
	assert.ErrorIs(t, err, errStoreNotFound)
}

func TestOrchestrator_pathToNearestMule(t *testing.T) {
	store := newFakeGraphStore()
	store.addAccount("ACC-M", true)
	store.addAccount("ACC-A", false)
	store.addAccount("ACC-B", false)
	store.addEdge("ACC-M", "ACC-A", 1)
	store.addEdge("ACC-A", "ACC-B", 1)
	orchestrator := newTestOrchestrator(store, graph.NewCatalog(), nil, nil)

	result, err := orchestrator.PathToNearestMule("ACC-B")
	require.NoError(t, err)
	require.NotNil(t, result.DistanceToMule)
	assert.Equal(t, int64(2), *result.DistanceToMule)
	assert.Equal(t, "ACC-M", *result.NearestMule)
	assert.Equal(t, []string{"ACC-B", "ACC-A", "ACC-M"}, result.PathNodes)
}

func TestOrchestrator_pathToNearestMule_givenUnreachableMule(t *testing.T) {
	store := muleTriangle()
	store.addAccount("ACC-FAR", false)
	store.addAccount("ACC-NEAR", false)
	store.addEdge("ACC-FAR", "ACC-NEAR", 1)
	orchestrator := newTestOrchestrator(store, graph.NewCatalog(), nil, nil)

	result, err := orchestrator.PathToNearestMule("ACC-FAR")
	require.NoError(t, err)
	assert.Nil(t, result.DistanceToMule)
	assert.Nil(t, result.NearestMule)
	assert.Empty(t, result.PathNodes)
}
