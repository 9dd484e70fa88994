package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunGuard_acquireAndRelease(t *testing.T) {
	guard := NewRunGuard(nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, guard.Acquire(ctx, "working-graph"))

	err := guard.Acquire(ctx, "working-graph")
	assert.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, guard.Release(ctx, "working-graph"))
	assert.NoError(t, guard.Acquire(ctx, "working-graph"))
}

func TestRunGuard_locksAreScopedByName(t *testing.T) {
	guard := NewRunGuard(nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, guard.Acquire(ctx, "graph-a"))
	assert.NoError(t, guard.Acquire(ctx, "graph-b"))
}

func TestRunGuard_releaseWithoutAcquireIsNoOp(t *testing.T) {
	guard := NewRunGuard(nil, time.Minute)
	assert.NoError(t, guard.Release(context.Background(), "working-graph"))
}
