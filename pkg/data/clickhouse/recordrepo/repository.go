package recordrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ava-labs/reliable-mq/pkg/clickhouse"
	"github.com/ava-labs/reliable-mq/pkg/record"
)

var _ record.Store = (*Repository)(nil)

// Repository is a record.Store backed by one ClickHouse table per record kind.
// ClickHouse has no in-place update, so UpdateByID appends a new row version.
type Repository struct {
	client    clickhouse.Client
	tableName string
	cluster   string

	mu          sync.Mutex
	lastVersion uint64
	now         func() time.Time
}

// NewRepository creates the repository for kind and makes sure its table
// exists.
func NewRepository(ctx context.Context, client clickhouse.Client, database, cluster string, kind record.Kind) (*Repository, error) {
	repo := &Repository{
		client:    client,
		tableName: qualified(database, TableName(kind)),
		cluster:   cluster,
		now:       time.Now,
	}
	if err := repo.CreateTableIfNotExists(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s records table: %w", kind, err)
	}
	return repo, nil
}

// TableName returns the fully qualified table name.
func (r *Repository) TableName() string { return r.tableName }

func (r *Repository) CreateTableIfNotExists(ctx context.Context) error {
	if err := r.client.Conn().Exec(ctx, CreateTableQuery(r.tableName, r.cluster)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", r.tableName, err)
	}
	return nil
}

func (r *Repository) FindByMsgID(ctx context.Context, msgID string) (*record.Record, bool, error) {
	row := r.client.Conn().QueryRow(ctx, FindByMsgIDQuery(r.tableName), msgID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if err := r.write(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.MsgID, err)
	}
	return nil
}

// UpdateByID writes a new version of the record. msg_id and created_at are
// taken from the stored row.
func (r *Repository) UpdateByID(ctx context.Context, rec *record.Record) error {
	var (
		msgID     string
		createdAt time.Time
	)
	err := r.client.Conn().QueryRow(ctx, FindByIDQuery(r.tableName), rec.ID).Scan(&msgID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.ErrNotFound
		}
		return fmt.Errorf("failed to load record %s: %w", rec.ID, err)
	}

	next := rec.Clone()
	next.MsgID = msgID
	next.CreatedAt = createdAt
	if err := r.write(ctx, next); err != nil {
		return fmt.Errorf("failed to update record %s: %w", rec.ID, err)
	}
	return nil
}

// AddRemark writes a new version that differs from the current one only in
// remark and updated_at. ClickHouse has no in-place update, so a write that
// lands between the read and the insert here can still be superseded; the
// window is one round trip instead of a whole reconcile attempt.
func (r *Repository) AddRemark(ctx context.Context, id string, at time.Time, text string) error {
	cur, err := scanRecord(r.client.Conn().QueryRow(ctx, FindRecordByIDQuery(r.tableName), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.ErrNotFound
		}
		return fmt.Errorf("failed to load record %s: %w", id, err)
	}
	cur.Remark = record.PrependRemark(cur.Remark, at, text)
	cur.UpdatedAt = at
	if err := r.write(ctx, cur); err != nil {
		return fmt.Errorf("failed to add remark to record %s: %w", id, err)
	}
	return nil
}

func (r *Repository) ListPending(ctx context.Context, q record.PendingQuery) ([]*record.Record, error) {
	bounded := !q.UpdatedBefore.IsZero()
	args := []any{uint32(max(q.MaxRetries, 0)), q.InitBefore.UTC()}
	if bounded {
		args = append(args, q.UpdatedBefore.UTC())
	}
	if q.After != nil {
		args = append(args, q.After.UpdatedAt.UTC(), q.After.UpdatedAt.UTC(), q.After.ID)
	}
	limit := uint64(math.MaxUint32)
	if q.Limit > 0 {
		limit = uint64(q.Limit)
	}
	args = append(args, limit)

	rows, err := r.client.Conn().Query(ctx, ListPendingQuery(r.tableName, bounded, q.After != nil), args...)
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

func (r *Repository) write(ctx context.Context, rec *record.Record) error {
	return r.client.Conn().Exec(ctx, InsertQuery(r.tableName),
		rec.ID,
		rec.MsgID,
		rec.TraceID,
		rec.SearchKey,
		rec.BusinessType,
		string(rec.Status),
		uint32(max(rec.RetryCount, 0)),
		rec.Payload,
		rec.Remark,
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
		r.nextVersion(),
	)
}

// nextVersion returns a strictly increasing version so two writes of the same
// id within one clock tick still replace each other in order.
func (r *Repository) nextVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := uint64(r.now().UnixNano())
	if v <= r.lastVersion {
		v = r.lastVersion + 1
	}
	r.lastVersion = v
	return v
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*record.Record, error) {
	var (
		rec        record.Record
		status     string
		retryCount uint32
		version    uint64
	)
	err := s.Scan(
		&rec.ID,
		&rec.MsgID,
		&rec.TraceID,
		&rec.SearchKey,
		&rec.BusinessType,
		&status,
		&retryCount,
		&rec.Payload,
		&rec.Remark,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&version,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = record.Status(status)
	rec.RetryCount = int(retryCount)
	return &rec, nil
}
