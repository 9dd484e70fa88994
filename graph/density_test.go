package graph

import (
	"sync"
	"testing"

	"github.com/fincrime/mule-signal-service/domain"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAttributeWriter struct {
	mu      sync.Mutex
	updates map[string][]domain.AccountUpdate
	err     error
}

func newFakeAttributeWriter() *fakeAttributeWriter {
	return &fakeAttributeWriter{updates: make(map[string][]domain.AccountUpdate)}
}

func (f *fakeAttributeWriter) WriteAccountAttributes(accountID string, update domain.AccountUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates[accountID] = append(f.updates[accountID], update)
	return nil
}

func (f *fakeAttributeWriter) lastUpdate(t *testing.T, accountID string) domain.AccountUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.updates[accountID])
	return f.updates[accountID][len(f.updates[accountID])-1]
}

func TestAggregateDensity(t *testing.T) {
	assignment := map[string]int64{
		"ACC-1": 0,
		"ACC-2": 0,
		"ACC-3": 0,
		"ACC-4": 0,
		"ACC-5": 1,
	}
	muleFlags := map[string]bool{"ACC-1": true, "ACC-3": true}
	writer := newFakeAttributeWriter()

	summaries, err := AggregateDensity(assignment, muleFlags, writer)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	var totalSize int64
	byID := make(map[int64]domain.CommunitySummary)
	for _, summary := range summaries {
		byID[summary.CommunityID] = summary
		totalSize += summary.CommunitySize
		assert.GreaterOrEqual(t, summary.MuleDensity, 0.0)
		assert.LessOrEqual(t, summary.MuleDensity, 1.0)
		assert.LessOrEqual(t, summary.MuleCount, summary.CommunitySize)
	}
	// every account belongs to exactly one community
	assert.Equal(t, int64(len(assignment)), totalSize)

	assert.Equal(t, int64(4), byID[0].CommunitySize)
	assert.Equal(t, int64(2), byID[0].MuleCount)
	assert.Equal(t, 0.5, byID[0].MuleDensity)
	assert.Equal(t, int64(1), byID[1].CommunitySize)
	assert.Equal(t, int64(0), byID[1].MuleCount)
	assert.Equal(t, 0.0, byID[1].MuleDensity)

	update := writer.lastUpdate(t, "ACC-2")
	require.NotNil(t, update.Community)
	assert.Equal(t, int64(0), update.Community.CommunityID)
	assert.Equal(t, 0.5, update.Community.MuleDensity)
	assert.Nil(t, update.Diversity)
	assert.Nil(t, update.Distance)
}

func TestAggregateDensity_isIdempotent(t *testing.T) {
	assignment := map[string]int64{"ACC-1": 0, "ACC-2": 0}
	muleFlags := map[string]bool{"ACC-1": true}

	writer := newFakeAttributeWriter()
	first, err := AggregateDensity(assignment, muleFlags, writer)
	require.NoError(t, err)
	second, err := AggregateDensity(assignment, muleFlags, writer)
	require.NoError(t, err)

	assert.ElementsMatch(t, first, second)
	assert.Equal(t, writer.updates["ACC-1"][0], writer.updates["ACC-1"][1])
}

func TestAggregateDensity_givenEmptyAssignment(t *testing.T) {
	summaries, err := AggregateDensity(map[string]int64{}, map[string]bool{}, newFakeAttributeWriter())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestAggregateDensity_givenWriterError(t *testing.T) {
	writer := newFakeAttributeWriter()
	writer.err = errors.New("store unreachable")

	_, err := AggregateDensity(map[string]int64{"ACC-1": 0}, map[string]bool{}, writer)
	assert.ErrorContains(t, err, "store unreachable")
}
