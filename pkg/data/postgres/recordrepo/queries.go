package recordrepo

import (
	"fmt"
	"strings"

	"github.com/ava-labs/reliable-mq/pkg/record"
)

const recordColumns = `id, msg_id, trace_id, search_key, business_type, status, retry_count, payload, remark, created_at, updated_at`

func createTableQuery(table, name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
  id            TEXT        NOT NULL,
  msg_id        TEXT        NOT NULL,
  trace_id      TEXT        NOT NULL DEFAULT '',
  search_key    TEXT        NOT NULL DEFAULT '',
  business_type TEXT        NOT NULL,
  status        TEXT        NOT NULL,
  retry_count   INT         NOT NULL DEFAULT 0,
  payload       TEXT        NOT NULL DEFAULT '',
  remark        TEXT        NOT NULL DEFAULT '',
  created_at    TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL,
  CONSTRAINT %[2]s_pkey PRIMARY KEY (id),
  CONSTRAINT %[2]s_retry_count_nonnegative CHECK (retry_count >= 0)
);
CREATE INDEX IF NOT EXISTS %[2]s_msg_id_idx ON %[1]s (msg_id);
CREATE INDEX IF NOT EXISTS %[2]s_pending_idx ON %[1]s (updated_at, id) WHERE status IN ('INIT', 'FAIL');
`, table, name)
}

func insertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, table, recordColumns)
}

func findByMsgIDQuery(table string) string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE msg_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, recordColumns, table)
}

// updateQuery leaves msg_id and created_at untouched.
func updateQuery(table string) string {
	return fmt.Sprintf(`UPDATE %s SET
  trace_id = $2,
  search_key = $3,
  business_type = $4,
  status = $5,
  retry_count = $6,
  payload = $7,
  remark = $8,
  updated_at = $9
WHERE id = $1`, table)
}

// addRemarkQuery prepends $2 to the remark history in place. left() counts
// characters, so the bound is conservative for multi-byte text.
func addRemarkQuery(table string) string {
	return fmt.Sprintf(`UPDATE %s SET
  remark = left(CASE WHEN remark = '' THEN $2 ELSE $2 || E'\n' || remark END, $3),
  updated_at = $4
WHERE id = $1`, table)
}

// listPendingQuery builds the keyset query for q and returns it with its
// arguments.
func listPendingQuery(table string, q record.PendingQuery) (string, []any) {
	args := []any{q.MaxRetries, string(record.StatusInit), q.InitBefore, string(record.StatusFail)}
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT %s FROM %s
WHERE retry_count < $1
  AND ((status = $2 AND created_at < $3) OR status = $4)`, recordColumns, table)

	next := func(v any) int {
		args = append(args, v)
		return len(args)
	}
	if !q.UpdatedBefore.IsZero() {
		fmt.Fprintf(&b, "\n  AND updated_at < $%d", next(q.UpdatedBefore))
	}
	if q.After != nil {
		ts, id := next(q.After.UpdatedAt), next(q.After.ID)
		fmt.Fprintf(&b, "\n  AND (updated_at, id) > ($%d, $%d)", ts, id)
	}
	b.WriteString("\nORDER BY updated_at, id")
	if q.Limit > 0 {
		fmt.Fprintf(&b, "\nLIMIT $%d", next(q.Limit))
	}
	return b.String(), args
}
