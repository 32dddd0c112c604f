//go:build integration
// +build integration

package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/reliable-mq/pkg/clickhouse/testutils"
)

func TestClientIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	addr := testutils.StartContainer(t, ctx)
	log := zaptest.NewLogger(t).Sugar()

	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.Hosts = []string{addr}
	cfg.Username = testutils.ContainerUser
	cfg.Password = testutils.ContainerPassword
	cfg.DialTimeout = 5 * time.Second

	t.Run("ping and close", func(t *testing.T) {
		client, err := New(ctx, cfg, log)
		require.NoError(t, err)
		assert.NotNil(t, client.Conn())
		require.NoError(t, client.Ping(ctx))
		require.NoError(t, client.Close())
	})

	t.Run("bad credentials return an exception", func(t *testing.T) {
		bad := cfg
		bad.Username = "invaliduser"
		bad.Password = "invalidpass"

		client, err := New(ctx, bad, log)
		require.Error(t, err)
		assert.Nil(t, client)

		var exception *clickhouse.Exception
		require.ErrorAs(t, err, &exception)
		assert.NotZero(t, exception.Code)
	})
}
