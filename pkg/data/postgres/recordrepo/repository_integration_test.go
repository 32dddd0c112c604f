//go:build integration
// +build integration

package recordrepo

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/reliable-mq/pkg/record"
)

func TestRepositoryIntegration(t *testing.T) {
	dsn := os.Getenv("MQ_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("MQ_POSTGRES_TEST_DSN is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	schema := "mq_it_" + uuid.NewString()[:8]
	_, err = pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schema))
	})

	repo := NewRepository(pool, schema, record.KindSend)
	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.Migrate(ctx), "migrate is idempotent")

	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := record.New(fmt.Sprintf("m-%d", i), "", "orders", "", "{}", base)
		rec.UpdatedAt = base.Add(time.Duration(i) * time.Second)
		if i%2 == 1 {
			rec.Status = record.StatusFail
		}
		require.NoError(t, repo.Insert(ctx, rec))
	}

	got, ok, err := repo.FindByMsgID(ctx, "m-3")
	require.NoError(t, err)
	require.True(t, ok)
	got.Transition(time.Now().UTC(), record.StatusSuccess, "acked")
	require.NoError(t, repo.UpdateByID(ctx, got))

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.AddRemark(ctx, got.ID, at, "skipped"))
	remarked, _, err := repo.FindByMsgID(ctx, "m-3")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, remarked.Status)
	assert.Equal(t, got.Remark, remarked.Remark[strings.Index(remarked.Remark, "\n")+1:])
	assert.True(t, at.Equal(remarked.UpdatedAt))

	q := record.PendingQuery{InitBefore: base.Add(time.Minute), UpdatedBefore: base.Add(time.Minute), MaxRetries: 3, Limit: 2}
	var seen []string
	for {
		page, err := repo.ListPending(ctx, q)
		require.NoError(t, err)
		for _, r := range page {
			seen = append(seen, r.MsgID)
		}
		if len(page) < q.Limit {
			break
		}
		q.After = record.CursorOf(page[len(page)-1])
	}
	assert.Equal(t, []string{"m-0", "m-1", "m-2", "m-4"}, seen)

	assert.ErrorIs(t, repo.UpdateByID(ctx, &record.Record{ID: "missing"}), record.ErrNotFound)
}
