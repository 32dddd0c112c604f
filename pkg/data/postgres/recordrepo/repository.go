package recordrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ava-labs/reliable-mq/pkg/record"
)

// DB is the subset of *pgxpool.Pool (or pgx.Tx) the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ record.Store = (*Repository)(nil)

// Repository is a record.Store over a PostgreSQL table. msg_id is indexed
// but not unique.
type Repository struct {
	db    DB
	table pgx.Identifier
	name  string
}

// NewRepository returns the repository for kind in schema. It does not touch
// the database; call Migrate to create the table.
func NewRepository(db DB, schema string, kind record.Kind) *Repository {
	name := "mq_" + string(kind) + "_records"
	table := pgx.Identifier{name}
	if schema != "" {
		table = pgx.Identifier{schema, name}
	}
	return &Repository{db: db, table: table, name: name}
}

// Table returns the sanitized table name.
func (r *Repository) Table() string { return r.table.Sanitize() }

// Migrate creates the table and its indexes if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createTableQuery(r.Table(), r.name)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", r.Table(), err)
	}
	return nil
}

func (r *Repository) FindByMsgID(ctx context.Context, msgID string) (*record.Record, bool, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, findByMsgIDQuery(r.Table()), msgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to find record by msg_id %s: %w", msgID, err)
	}
	return rec, true, nil
}

func (r *Repository) Insert(ctx context.Context, rec *record.Record) error {
	if rec.MsgID == "" {
		return record.ErrEmptyMsgID
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx, insertQuery(r.Table()),
		rec.ID, rec.MsgID, rec.TraceID, rec.SearchKey, rec.BusinessType,
		string(rec.Status), rec.RetryCount, rec.Payload, rec.Remark,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.MsgID, err)
	}
	return nil
}

func (r *Repository) UpdateByID(ctx context.Context, rec *record.Record) error {
	tag, err := r.db.Exec(ctx, updateQuery(r.Table()),
		rec.ID, rec.TraceID, rec.SearchKey, rec.BusinessType,
		string(rec.Status), rec.RetryCount, rec.Payload, rec.Remark, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return record.ErrNotFound
	}
	return nil
}

// AddRemark prepends a remark line in a single UPDATE, so concurrent writes to
// status and retry_count are never overwritten.
func (r *Repository) AddRemark(ctx context.Context, id string, at time.Time, text string) error {
	line := record.PrependRemark("", at, text)
	tag, err := r.db.Exec(ctx, addRemarkQuery(r.Table()), id, line, record.MaxRemarkLen, at)
	if err != nil {
		return fmt.Errorf("failed to add remark to record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return record.ErrNotFound
	}
	return nil
}

func (r *Repository) ListPending(ctx context.Context, q record.PendingQuery) ([]*record.Record, error) {
	query, args := listPendingQuery(r.Table(), q)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*record.Record, error) {
	var (
		rec    record.Record
		status string
	)
	err := row.Scan(
		&rec.ID, &rec.MsgID, &rec.TraceID, &rec.SearchKey, &rec.BusinessType,
		&status, &rec.RetryCount, &rec.Payload, &rec.Remark,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = record.Status(status)
	return &rec, nil
}
