package graph

import (
	"testing"

	"github.com/fincrime/mule-signal-service/domain"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWorkingGraph(t *testing.T) {
	edges := []domain.EdgeRecord{
		{SourceAccount: "ACC-1", TargetAccount: "ACC-2", Count: 3},
		{SourceAccount: "ACC-2", TargetAccount: "ACC-1", Count: 2},
		{SourceAccount: "ACC-2", TargetAccount: "ACC-3", Count: 1},
	}

	g := BuildWorkingGraph(edges)

	assert.Equal(t, 3, g.NodeCount())
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, []string{"ACC-1", "ACC-2", "ACC-3"}, g.Nodes())
	// both directions collapse into one undirected weight
	assert.Equal(t, 5.0, g.Neighbors("ACC-1")["ACC-2"])
	assert.Equal(t, 5.0, g.Neighbors("ACC-2")["ACC-1"])
	assert.Equal(t, 1.0, g.Neighbors("ACC-3")["ACC-2"])
}

func TestBuildWorkingGraph_excludesSelfLoopsAndZeroWeights(t *testing.T) {
	edges := []domain.EdgeRecord{
		{SourceAccount: "ACC-1", TargetAccount: "ACC-1", Count: 5},
		{SourceAccount: "ACC-2", TargetAccount: "ACC-3", Count: 0},
	}

	g := BuildWorkingGraph(edges)

	assert.Equal(t, 0, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())
}

func TestCatalog_createAndDrop(t *testing.T) {
	catalog := NewCatalog()

	err := catalog.Create("test-graph", NewWorkingGraph())
	require.NoError(t, err)

	g, err := catalog.Get("test-graph")
	require.NoError(t, err)
	assert.NotNil(t, g)

	assert.True(t, catalog.Drop("test-graph"))
	assert.False(t, catalog.Drop("test-graph"))

	_, err = catalog.Get("test-graph")
	assert.ErrorIs(t, err, ErrProjectionNotFound)
}

func TestCatalog_createRejectsCollision(t *testing.T) {
	catalog := NewCatalog()

	require.NoError(t, catalog.Create("test-graph", NewWorkingGraph()))

	err := catalog.Create("test-graph", NewWorkingGraph())
	assert.ErrorIs(t, err, ErrProjectionExists)
}

type fakeEdgeReader struct {
	edges []domain.EdgeRecord
	err   error
}

func (f *fakeEdgeReader) ReadTransactions() ([]domain.EdgeRecord, error) {
	return f.edges, f.err
}

func TestProjector_project(t *testing.T) {
	reader := &fakeEdgeReader{edges: []domain.EdgeRecord{
		{SourceAccount: "ACC-1", TargetAccount: "ACC-2", Count: 1},
	}}
	catalog := NewCatalog()
	projector := NewProjector(reader, catalog)

	g, err := projector.Project("test-graph")
	require.NoError(t, err)
	assert.Equal(t, 2, g.NodeCount())

	registered, err := catalog.Get("test-graph")
	require.NoError(t, err)
	assert.Same(t, g, registered)
}

func TestProjector_project_givenExistingProjection(t *testing.T) {
	reader := &fakeEdgeReader{}
	catalog := NewCatalog()
	projector := NewProjector(reader, catalog)

	_, err := projector.Project("test-graph")
	require.NoError(t, err)

	_, err = projector.Project("test-graph")
	assert.ErrorIs(t, err, ErrProjectionExists)
}

func TestProjector_project_givenUnreachableStore(t *testing.T) {
	reader := &fakeEdgeReader{err: errors.New("store unreachable")}
	projector := NewProjector(reader, NewCatalog())

	_, err := projector.Project("test-graph")
	assert.ErrorContains(t, err, "store unreachable")
}
