package batch

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/fincrime/mule-signal-service/domain"
	"github.com/fincrime/mule-signal-service/graph"
	"github.com/fincrime/mule-signal-service/metrics"
	"github.com/fincrime/mule-signal-service/util"
	"github.com/pkg/errors"
)

// Batch stage markers persisted after each successful stage so that lookups
// can distinguish "never computed" from a computed null result.
const (
	StageCommunity = "community"
	StageDiversity = "diversity"
	StageDistance  = "distance"
)

const totalStages = 5

type GraphStore interface {
	ReadAccounts() ([]domain.Account, error)
	ReadTransactions() ([]domain.EdgeRecord, error)
	ReadTransactionsFor(accountID string) ([]domain.EdgeRecord, error)
	LookupAccount(accountID string) (*domain.Account, error)
	WriteAccountAttributes(accountID string, update domain.AccountUpdate) error
	SetStageRun(stage string, completedAt time.Time) error
}

type SummaryPublisher interface {
	PublishSummaries(ctx context.Context, summaries []domain.CommunitySummary) error
}

type SummaryIndexer interface {
	IndexSummaries(ctx context.Context, summaries []domain.CommunitySummary) error
}

type Config struct {
	ProjectionName         string
	Interval               time.Duration
	TopReportSize          int
	MinReportCommunitySize int64
}

// Orchestrator sequences the batch stages and serves the on-demand
// real-time computations. One batch run executes the community pipeline
// (project, cluster, aggregate density, release projection), then the
// diversity batch and the distance batch. The projection release is
// guaranteed regardless of stage failures.
type Orchestrator struct {
	store       GraphStore
	catalog     *graph.Catalog
	guard       *RunGuard
	publisher   SummaryPublisher // optional
	indexer     SummaryIndexer   // optional
	metrics     *metrics.Metrics
	cfg         Config
	errorsCount uint
}

func NewOrchestrator(store GraphStore, catalog *graph.Catalog, guard *RunGuard,
	publisher SummaryPublisher, indexer SummaryIndexer, m *metrics.Metrics, cfg Config) *Orchestrator {

	if cfg.ProjectionName == "" {
		cfg.ProjectionName = graph.ProjectionName
	}
	return &Orchestrator{
		store:     store,
		catalog:   catalog,
		guard:     guard,
		publisher: publisher,
		indexer:   indexer,
		metrics:   m,
		cfg:       cfg,
	}
}

// StartScheduling runs the batch periodically until the context is canceled.
// A run executes immediately on start.
func (o *Orchestrator) StartScheduling(ctx context.Context) {
	o.runAndLog(ctx)
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("batch: Scheduling stopped.")
			return
		case <-ticker.C:
			o.runAndLog(ctx)
		}
	}
}

func (o *Orchestrator) runAndLog(ctx context.Context) {
	if _, err := o.Run(ctx); err == nil {
		o.errorsCount = 0
	} else {
		o.errorsCount++
		log.Printf("Batch run failed: %v", err)
	}
	o.metrics.SetErrors(o.errorsCount)
}

// Run executes one full batch run and returns the community summaries. A
// failing stage aborts its own pipeline only; the independent stages still
// run and the first error is surfaced with the number of completed stages.
func (o *Orchestrator) Run(ctx context.Context) ([]domain.CommunitySummary, error) {
	if err := o.guard.Acquire(ctx, o.cfg.ProjectionName); err != nil {
		return nil, err
	}
	defer func() {
		if err := o.guard.Release(ctx, o.cfg.ProjectionName); err != nil {
			log.Printf("[WARN] batch: releasing run lock: %v", err)
		}
	}()

	started := time.Now()
	stagesCompleted := 0

	summaries, communityStages, communityErr := o.runCommunityPipeline()
	stagesCompleted += communityStages
	if communityErr != nil {
		// surfaced after the independent stages, they still run
		log.Printf("[ERROR] batch: community pipeline failed: %v", communityErr)
	}

	if err := o.runDiversityBatch(); err != nil {
		return nil, errors.Wrapf(err, "batch failed after [%d] of [%d] stages", stagesCompleted, totalStages)
	}
	stagesCompleted++

	if err := o.runDistanceBatch(); err != nil {
		return nil, errors.Wrapf(err, "batch failed after [%d] of [%d] stages", stagesCompleted, totalStages)
	}
	stagesCompleted++

	if communityErr != nil {
		return nil, errors.Wrapf(communityErr, "batch failed after [%d] of [%d] stages", stagesCompleted, totalStages)
	}

	if err := o.publishResults(ctx, summaries); err != nil {
		return nil, errors.Wrapf(err, "batch failed after [%d] of [%d] stages", stagesCompleted, totalStages)
	}

	o.metrics.SetBatchCompleted(time.Now().Unix(), time.Since(started).Seconds())
	o.logTopCommunities(summaries)
	log.Printf("batch: Completed [%d] stages in [%s].", stagesCompleted, time.Since(started).Round(time.Millisecond))
	return summaries, nil
}

// runCommunityPipeline performs project -> detect -> aggregate with a
// guaranteed projection release. It returns the number of completed stages
// together with the first error.
func (o *Orchestrator) runCommunityPipeline() (summaries []domain.CommunitySummary, stagesCompleted int, err error) {
	defer func() {
		if dropped := o.catalog.Drop(o.cfg.ProjectionName); dropped {
			log.Printf("batch: Dropped projection [%s].", o.cfg.ProjectionName)
		}
	}()

	projector := graph.NewProjector(o.store, o.catalog)
	g, err := projector.Project(o.cfg.ProjectionName)
	if err != nil {
		return nil, stagesCompleted, errors.Wrap(err, "projecting working graph")
	}
	stagesCompleted++
	o.metrics.SetProjectionSize(g.NodeCount(), g.EdgeCount())
	log.Printf("batch: Projected graph [%s]: [%d] nodes, [%d] edges.", o.cfg.ProjectionName, g.NodeCount(), g.EdgeCount())

	assignment, err := graph.DetectCommunities(g)
	if err != nil {
		return nil, stagesCompleted, errors.Wrap(err, "detecting communities")
	}
	stagesCompleted++

	accounts, err := o.store.ReadAccounts()
	if err != nil {
		return nil, stagesCompleted, errors.Wrap(err, "reading accounts for density aggregation")
	}
	muleFlags := make(map[string]bool, len(accounts))
	known := util.NewSet()
	for _, account := range accounts {
		muleFlags[account.AccountNumber] = account.IsConfirmedMule
		util.AddToSet(known, account.AccountNumber)
	}
	warnUnknownEndpoints(known, g)

	summaries, err = graph.AggregateDensity(assignment, muleFlags, o.store)
	if err != nil {
		return nil, stagesCompleted, errors.Wrap(err, "aggregating community density")
	}
	stagesCompleted++
	o.metrics.SetCommunitiesDetected(len(summaries))
	log.Printf("batch: Detected [%d] communities, wrote attributes to [%d] accounts.", len(summaries), len(assignment))

	if err := o.store.SetStageRun(StageCommunity, time.Now()); err != nil {
		return nil, stagesCompleted, errors.Wrap(err, "recording community stage run")
	}
	return summaries, stagesCompleted, nil
}

// warnUnknownEndpoints logs edge endpoints without an account record. They
// still take part in the analysis, the inconsistency points at an ingestion
// problem.
func warnUnknownEndpoints(known map[string]bool, g *graph.WorkingGraph) {
	unknown := util.Difference(known, util.ToSet(g.Nodes()))
	for accountID := range unknown {
		if !known[accountID] {
			log.Printf("[WARN] batch: edge endpoint [%s] has no account record.", accountID)
		}
	}
}

// runDiversityBatch computes counterparty diversity for every account and
// writes it to the store. Accounts without transactions get zero counts and
// null ratios.
func (o *Orchestrator) runDiversityBatch() error {
	edges, err := o.store.ReadTransactions()
	if err != nil {
		return errors.Wrap(err, "reading transactions for diversity batch")
	}
	g := graph.BuildWorkingGraph(edges)
	results, err := graph.ComputeAllDiversity(g, o.store)
	if err != nil {
		return errors.Wrap(err, "computing diversity metrics")
	}

	accounts, err := o.store.ReadAccounts()
	if err != nil {
		return errors.Wrap(err, "reading accounts for diversity batch")
	}
	idle := 0
	for _, account := range accounts {
		if g.HasNode(account.AccountNumber) {
			continue
		}
		err := graph.WriteDiversity(domain.DiversityMetrics{AccountNumber: account.AccountNumber}, o.store)
		if err != nil {
			return err
		}
		idle++
	}
	log.Printf("batch: Updated diversity metrics for [%d] accounts ([%d] without transactions).", len(results)+idle, idle)
	return errors.Wrap(o.store.SetStageRun(StageDiversity, time.Now()), "recording diversity stage run")
}

// runDistanceBatch runs the multi-source shortest path search from all
// confirmed mules and writes distance and nearest mule to every account.
func (o *Orchestrator) runDistanceBatch() error {
	accounts, err := o.store.ReadAccounts()
	if err != nil {
		return errors.Wrap(err, "reading accounts for distance batch")
	}
	edges, err := o.store.ReadTransactions()
	if err != nil {
		return errors.Wrap(err, "reading transactions for distance batch")
	}
	g := graph.BuildWorkingGraph(edges)

	var mules []string
	for _, account := range accounts {
		if account.IsConfirmedMule {
			mules = append(mules, account.AccountNumber)
		}
	}
	distances := graph.MuleDistances(g, mules, nil)

	for _, account := range accounts {
		result, computed := distances[account.AccountNumber]
		update := domain.AccountUpdate{Distance: &domain.DistanceAttributes{}}
		if computed {
			update.Distance.DistanceToMule = result.DistanceToMule
			update.Distance.NearestMule = result.NearestMule
		}
		err := o.store.WriteAccountAttributes(account.AccountNumber, update)
		if err != nil {
			return errors.Wrapf(err, "writing distance attributes for account [%s]", account.AccountNumber)
		}
	}
	log.Printf("batch: Updated mule distances for [%d] accounts ([%d] mule seeds).", len(accounts), len(mules))
	return errors.Wrap(o.store.SetStageRun(StageDistance, time.Now()), "recording distance stage run")
}

func (o *Orchestrator) publishResults(ctx context.Context, summaries []domain.CommunitySummary) error {
	if o.publisher != nil {
		if err := o.publisher.PublishSummaries(ctx, summaries); err != nil {
			return errors.Wrap(err, "publishing community summaries")
		}
	}
	if o.indexer != nil {
		if err := o.indexer.IndexSummaries(ctx, summaries); err != nil {
			return errors.Wrap(err, "indexing community summaries")
		}
	}
	return nil
}

// logTopCommunities reports the densest communities above the size floor.
func (o *Orchestrator) logTopCommunities(summaries []domain.CommunitySummary) {
	report := make([]domain.CommunitySummary, 0, len(summaries))
	for _, summary := range summaries {
		if summary.CommunitySize >= o.cfg.MinReportCommunitySize {
			report = append(report, summary)
		}
	}
	sort.Slice(report, func(i, j int) bool { return report[i].MuleDensity > report[j].MuleDensity })
	if len(report) > o.cfg.TopReportSize {
		report = report[:o.cfg.TopReportSize]
	}
	for _, summary := range report {
		log.Printf("batch: Community [%d]: size [%d], mules [%d], density [%.2f%%].",
			summary.CommunityID, summary.CommunitySize, summary.MuleCount, summary.MuleDensity*100)
	}
}

// RealtimeDiversity computes diversity for the two accounts of a transaction
// fresh from the current edges, without requiring any batch output.
func (o *Orchestrator) RealtimeDiversity(sourceAccount, targetAccount string) (*domain.DiversityMetrics, *domain.DiversityMetrics, error) {
	source, err := o.realtimeDiversityFor(sourceAccount)
	if err != nil {
		return nil, nil, err
	}
	target, err := o.realtimeDiversityFor(targetAccount)
	if err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

func (o *Orchestrator) realtimeDiversityFor(accountID string) (*domain.DiversityMetrics, error) {
	if _, err := o.store.LookupAccount(accountID); err != nil {
		return nil, errors.Wrapf(err, "looking up account [%s]", accountID)
	}
	edges, err := o.store.ReadTransactionsFor(accountID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading transactions of account [%s]", accountID)
	}
	metrics := graph.ComputeDiversity(accountID, edges)
	return &metrics, nil
}

// PathToNearestMule runs an ad-hoc shortest path search for one account. The
// search is pruned once the target is settled.
func (o *Orchestrator) PathToNearestMule(accountID string) (*domain.MuleDistance, error) {
	if _, err := o.store.LookupAccount(accountID); err != nil {
		return nil, errors.Wrapf(err, "looking up account [%s]", accountID)
	}
	accounts, err := o.store.ReadAccounts()
	if err != nil {
		return nil, errors.Wrap(err, "reading accounts for path search")
	}
	edges, err := o.store.ReadTransactions()
	if err != nil {
		return nil, errors.Wrap(err, "reading transactions for path search")
	}
	var mules []string
	for _, account := range accounts {
		if account.IsConfirmedMule {
			mules = append(mules, account.AccountNumber)
		}
	}
	distances := graph.MuleDistances(graph.BuildWorkingGraph(edges), mules, util.ToSet([]string{accountID}))
	result := distances[accountID]
	return &result, nil
}
