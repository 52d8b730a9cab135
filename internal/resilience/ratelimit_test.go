package resilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

func TestLimiterAllowsBurstThenRejects(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 2})
	defer l.Close()

	require.NoError(t, l.Allow("global"))
	require.NoError(t, l.Allow("global"))

	err := l.Allow("global")
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindRateLimited, ge.Kind)
	assert.Greater(t, ge.RetryAfterMs, int64(0))
}

func TestLimiterDisabledAllowsEverything(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Enabled: false})
	defer l.Close()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow("global"))
	}
}

func TestLimiterScopesAreIndependent(t *testing.T) {
	l := NewLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1})
	defer l.Close()

	require.NoError(t, l.Allow("ip-a"))
	require.NoError(t, l.Allow("ip-b"))
	require.Error(t, l.Allow("ip-a"))
}
