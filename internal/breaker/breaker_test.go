package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	t.Parallel()

	trips := 0
	b := New(3, WithTripHook(func() { trips++ }))

	require.NoError(t, b.Allow())
	assert.False(t, b.Failure())
	assert.False(t, b.Failure())
	require.NoError(t, b.Allow())
	assert.True(t, b.Failure())

	require.ErrorIs(t, b.Allow(), graph.ErrBreakerOpen)
	assert.True(t, b.Open())
	assert.Equal(t, 1, trips)

	// sticky: further calls change nothing
	b.Success()
	assert.True(t, b.Failure())
	require.ErrorIs(t, b.Allow(), graph.ErrBreakerOpen)
	assert.Equal(t, 1, trips)
}

func TestBreakerSuccessResets(t *testing.T) {
	t.Parallel()

	b := New(3)
	b.Failure()
	b.Failure()
	b.Success()
	assert.Equal(t, 0, b.Failures())

	b.Failure()
	b.Failure()
	require.NoError(t, b.Allow())
	assert.False(t, b.Open())
}

func TestBreakerDefaultThreshold(t *testing.T) {
	t.Parallel()

	b := New(0)
	for i := 0; i < DefaultThreshold-1; i++ {
		b.Failure()
	}
	require.NoError(t, b.Allow())
	b.Failure()
	require.ErrorIs(t, b.Allow(), graph.ErrBreakerOpen)
}

func TestBreakerLogsTripOnce(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	b := New(1, WithLogger(zap.New(core)))
	b.Failure()
	b.Failure()

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(1), logs.All()[0].ContextMap()["consecutive_failures"])
}
