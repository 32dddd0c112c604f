package recordrepo

import (
	"fmt"

	"github.com/ava-labs/reliable-mq/pkg/record"
)

const (
	// recordColumns is the column list shared by reads and writes (12 columns)
	recordColumns = `id, msg_id, trace_id, search_key, business_type, status,
		retry_count, payload, remark, created_at, updated_at, version`

	recordValuesPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`
)

// TableName returns the table that holds records of the given kind.
func TableName(kind record.Kind) string {
	return "mq_" + string(kind) + "_records"
}

// CreateTableQuery returns the CREATE TABLE query for a record table.
//
// Rows are versioned: every write inserts a full row and ReplacingMergeTree
// keeps the highest version per id. Reads use FINAL so they never see a
// superseded version.
func CreateTableQuery(tableName, cluster string) string {
	engine := `ReplacingMergeTree(version)`
	onCluster := ``
	if cluster != "" {
		onCluster = ` ON CLUSTER ` + cluster
		engine = `ReplicatedReplacingMergeTree('/clickhouse/tables/{shard}/{database}/{table}', '{replica}', version)`
	}
	return `CREATE TABLE IF NOT EXISTS ` + tableName + onCluster + ` (
		id String,
		msg_id String,
		trace_id String,
		search_key String,
		business_type LowCardinality(String),
		status LowCardinality(String),
		retry_count UInt32,
		payload String,
		remark String,
		created_at DateTime64(3, 'UTC'),
		updated_at DateTime64(3, 'UTC'),
		version UInt64,
		INDEX idx_msg_id msg_id TYPE bloom_filter GRANULARITY 4
	)
	ENGINE = ` + engine + `
	ORDER BY id
	SETTINGS index_granularity = 8192`
}

// InsertQuery returns the INSERT query for a record table.
// The query expects 12 parameters in recordColumns order.
func InsertQuery(tableName string) string {
	return `INSERT INTO ` + tableName + ` (` + recordColumns + `) VALUES (` + recordValuesPlaceholders + `)`
}

// FindByMsgIDQuery returns the newest record for a msg_id.
func FindByMsgIDQuery(tableName string) string {
	return `SELECT ` + recordColumns + ` FROM ` + tableName + ` FINAL
	WHERE msg_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT 1`
}

// FindByIDQuery returns the immutable columns of a record.
func FindByIDQuery(tableName string) string {
	return `SELECT msg_id, created_at FROM ` + tableName + ` FINAL WHERE id = ? LIMIT 1`
}

// FindRecordByIDQuery returns the current version of a record.
func FindRecordByIDQuery(tableName string) string {
	return `SELECT ` + recordColumns + ` FROM ` + tableName + ` FINAL WHERE id = ? LIMIT 1`
}

// ListPendingQuery returns the keyset query for a reconciler sweep. The
// parameters are max retries, init cutoff, then the optional updated_at bound
// and the optional cursor (updated_at, updated_at, id), then the limit.
func ListPendingQuery(tableName string, bounded, withCursor bool) string {
	q := `SELECT ` + recordColumns + ` FROM ` + tableName + ` FINAL
	WHERE retry_count < ?
	AND ((status = '` + string(record.StatusInit) + `' AND created_at < ?) OR status = '` + string(record.StatusFail) + `')`
	if bounded {
		q += `
	AND updated_at < ?`
	}
	if withCursor {
		q += `
	AND (updated_at > ? OR (updated_at = ? AND id > ?))`
	}
	return q + `
	ORDER BY updated_at, id
	LIMIT ?`
}

func qualified(database, table string) string {
	if database == "" {
		return table
	}
	return fmt.Sprintf("%s.%s", database, table)
}
