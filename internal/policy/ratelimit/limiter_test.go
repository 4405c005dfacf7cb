package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitSpacesRequestsPerHost(t *testing.T) {
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://api.example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://api.example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A different host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.com/a"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, l.Hosts())
}

func TestWaitUnlimited(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://api.example.com"))
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(Config{RPS: 0.001, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://api.example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx, "https://api.example.com"))
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "api.example.com", hostOf("https://api.example.com:8443/x"))
	assert.Equal(t, "unknown", hostOf("::not a url"))
	assert.Equal(t, "unknown", hostOf(""))
}
