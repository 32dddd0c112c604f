//go:build integration
// +build integration

package recordrepo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/reliable-mq/pkg/clickhouse"
	"github.com/ava-labs/reliable-mq/pkg/clickhouse/testutils"
	"github.com/ava-labs/reliable-mq/pkg/record"
)

func TestRepositoryIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	cfg, err := clickhouse.LoadConfig()
	require.NoError(t, err)
	cfg.Hosts = []string{testutils.StartContainer(t, ctx)}
	cfg.Username = testutils.ContainerUser
	cfg.Password = testutils.ContainerPassword

	client, err := clickhouse.New(ctx, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer client.Close()

	repo, err := NewRepository(ctx, client, "default", "", record.KindSend)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := record.New("m-1", "trace-1", "orders", "order-42", `{"n":1}`, now.Add(-time.Hour))
	require.NoError(t, repo.Insert(ctx, rec))

	got, ok, err := repo.FindByMsgID(ctx, "m-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.StatusInit, got.Status)

	got.Transition(now.Add(-time.Minute), record.StatusFail, "broker nack")
	got.RetryCount = 1
	require.NoError(t, repo.UpdateByID(ctx, got))

	got, ok, err = repo.FindByMsgID(ctx, "m-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.StatusFail, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.CreatedAt.Equal(now.Add(-time.Hour)))

	pending, err := repo.ListPending(ctx, record.PendingQuery{
		InitBefore:    now,
		UpdatedBefore: now,
		MaxRetries:    3,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, pending, 1, "superseded versions are hidden by FINAL")
	assert.Equal(t, rec.ID, pending[0].ID)

	assert.ErrorIs(t, repo.UpdateByID(ctx, &record.Record{ID: "missing"}), record.ErrNotFound)
}
