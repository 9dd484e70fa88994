package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/fincrime/mule-signal-service/domain"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// SummaryProducer publishes the community summaries of a completed batch run
// so that downstream scoring systems can react to density changes.
type SummaryProducer struct {
	kcl *kgo.Client
}

func NewSummaryProducer(client *kgo.Client) *SummaryProducer {
	return &SummaryProducer{
		kcl: client,
	}
}

func (p *SummaryProducer) PublishSummaries(ctx context.Context, summaries []domain.CommunitySummary) error {
	records := make([]*kgo.Record, 0, len(summaries))
	for _, summary := range summaries {
		record, err := createRecord(summary)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	// one batch run produces one synchronous batch of records
	if err := p.kcl.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return errors.Wrap(err, "failed to produce records")
	}
	return nil
}

func createRecord(summary domain.CommunitySummary) (*kgo.Record, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling to json")
	}
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, uint64(summary.CommunityID))

	return &kgo.Record{
		Key:   key,
		Value: payload,
	}, nil
}
