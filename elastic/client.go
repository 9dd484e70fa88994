package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/fincrime/mule-signal-service/domain"
	"github.com/pkg/errors"
)

// Client indexes batch results for analyst search and dashboards.
type Client struct {
	esClient  *elasticsearch.Client
	indexName string
}

func NewClient(esClient *elasticsearch.Client, indexName string) *Client {
	return &Client{
		esClient:  esClient,
		indexName: indexName,
	}
}

type summaryDocument struct {
	domain.CommunitySummary
	ComputedAt string `json:"computedAt"`
}

// IndexSummaries bulk-indexes the community summaries of one batch run.
// Document ids are stable per community, a rerun replaces the previous
// summaries.
func (c *Client) IndexSummaries(ctx context.Context, summaries []domain.CommunitySummary) error {
	start := time.Now().UnixMilli()
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      c.indexName,
		Client:     c.esClient,
		NumWorkers: min(runtime.NumCPU(), 8), // 8 parallel connections are enough
	})
	if err != nil {
		return errors.Wrap(err, "creating bulk indexer")
	}

	computedAt := time.Now().UTC().Format(time.RFC3339)
	for _, summary := range summaries {
		payload, err := json.Marshal(summaryDocument{CommunitySummary: summary, ComputedAt: computedAt})
		if err != nil {
			return errors.Wrapf(err, "marshalling summary for community [%d]", summary.CommunityID)
		}
		documentID := fmt.Sprintf("community-%d", summary.CommunityID)
		item := esutil.BulkIndexerItem{
			Action:     "index", // creates or replaces
			DocumentID: documentID,
			Body:       bytes.NewReader(payload),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				msg := "Error indexing document"
				if err != nil {
					log.Printf("%s [%s]: [%s]", msg, documentID, err)
				} else {
					log.Printf("%s [%s]: [%s: %s]", msg, documentID, res.Error.Type, res.Error.Reason)
				}
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			return errors.Wrapf(err, "adding summary for community [%d]", summary.CommunityID)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return errors.Wrap(err, "closing bulk indexer")
	}

	biStats := bi.Stats()
	end := time.Now().UnixMilli()
	if biStats.NumFailed > 0 {
		return errors.Errorf("%d errors indexing [%d] documents", biStats.NumFailed, biStats.NumFlushed)
	}
	log.Printf("Indexed %d community summaries (%d bytes, %d requests) in %dms.",
		biStats.NumFlushed,
		biStats.FlushedBytes,
		biStats.NumRequests,
		end-start,
	)
	return nil
}
