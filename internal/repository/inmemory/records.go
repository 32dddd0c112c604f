package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ava-labs/reliable-mq/pkg/record"
)

var _ record.Store = (*RecordRepository)(nil)

// RecordRepository is a thread-safe in-memory implementation of record.Store.
// Records are copied on the way in and out so callers never share state with
// the repository.
type RecordRepository struct {
	mu      sync.Mutex
	byID    map[string]*record.Record
	byMsgID map[string]string
}

// NewRecordRepository creates an empty repository.
func NewRecordRepository() *RecordRepository {
	return &RecordRepository{
		byID:    make(map[string]*record.Record, 64),
		byMsgID: make(map[string]string, 64),
	}
}

func (r *RecordRepository) FindByMsgID(_ context.Context, msgID string) (*record.Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byMsgID[msgID]
	if !ok {
		return nil, false, nil
	}
	return r.byID[id].Clone(), true, nil
}

// Insert stores rec. A second insert for an existing msg_id is accepted and
// shadows the earlier row for FindByMsgID, mirroring a table without a
// unique constraint.
func (r *RecordRepository) Insert(_ context.Context, rec *record.Record) error {
	if rec.MsgID == "" {
		return record.ErrEmptyMsgID
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rec.ID] = rec.Clone()
	r.byMsgID[rec.MsgID] = rec.ID
	return nil
}

func (r *RecordRepository) UpdateByID(_ context.Context, rec *record.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[rec.ID]
	if !ok {
		return record.ErrNotFound
	}
	next := rec.Clone()
	// created_at and msg_id are immutable once written
	next.CreatedAt = cur.CreatedAt
	next.MsgID = cur.MsgID
	r.byID[rec.ID] = next
	return nil
}

func (r *RecordRepository) AddRemark(_ context.Context, id string, at time.Time, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok {
		return record.ErrNotFound
	}
	cur.Remark = record.PrependRemark(cur.Remark, at, text)
	cur.UpdatedAt = at
	return nil
}

func (r *RecordRepository) ListPending(_ context.Context, q record.PendingQuery) ([]*record.Record, error) {
	r.mu.Lock()
	out := make([]*record.Record, 0, q.Limit)
	for _, rec := range r.byID {
		if q.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len returns the number of stored rows.
func (r *RecordRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// All returns a snapshot of every stored row, in no particular order.
func (r *RecordRepository) All() []*record.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*record.Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec.Clone())
	}
	return out
}
