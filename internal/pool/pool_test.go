package pool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fauxdb/mongopg-gateway/internal/pool"
)

func TestNewRejectsMalformedConnectionString(t *testing.T) {
	_, err := pool.New(context.Background(), pool.Config{
		ConnectionString: "://not-a-valid-dsn",
	}, zap.NewNop())
	assert.Error(t, err)
}
