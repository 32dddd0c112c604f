package record

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Status is the delivery state of a send or receive attempt.
type Status string

const (
	StatusInit    Status = "INIT"
	StatusFail    Status = "FAIL"
	StatusSuccess Status = "SUCCESS"
)

// Kind selects which of the two record tables a store serves.
type Kind string

const (
	KindSend    Kind = "send"
	KindReceive Kind = "receive"
)

// MaxRemarkLen bounds the remark column. Older history is dropped first.
const MaxRemarkLen = 4096

var (
	// ErrNotFound is returned by UpdateByID when no record has the given id.
	ErrNotFound = errors.New("record not found")
	// ErrEmptyMsgID is returned when a record without a msg_id is written.
	ErrEmptyMsgID = errors.New("record msg_id is empty")
)

// Record is one outbound publish attempt (send side) or one inbound
// processing attempt (receive side). Both kinds share the same shape.
type Record struct {
	ID           string
	MsgID        string
	TraceID      string
	SearchKey    string
	BusinessType string
	Status       Status
	RetryCount   int
	Payload      string
	Remark       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// New builds a fresh INIT record with retry_count 0.
func New(msgID, traceID, businessType, searchKey, payload string, now time.Time) *Record {
	return &Record{
		MsgID:        msgID,
		TraceID:      traceID,
		SearchKey:    searchKey,
		BusinessType: businessType,
		Status:       StatusInit,
		Payload:      payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a copy that can be mutated without affecting r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// AppendRemark prepends a timestamped line to the remark history and
// truncates the result to MaxRemarkLen.
func (r *Record) AppendRemark(now time.Time, format string, args ...any) {
	r.Remark = PrependRemark(r.Remark, now, fmt.Sprintf(format, args...))
}

// PrependRemark returns history with a timestamped text line in front,
// truncated to MaxRemarkLen.
func PrependRemark(history string, now time.Time, text string) string {
	line := fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), text)
	if history != "" {
		line += "\n" + history
	}
	return truncate(line, MaxRemarkLen)
}

// Transition sets a new status, records it in the remark history and bumps
// updated_at.
func (r *Record) Transition(now time.Time, status Status, format string, args ...any) {
	prev := r.Status
	r.Status = status
	r.UpdatedAt = now
	reason := fmt.Sprintf(format, args...)
	if prev == status {
		r.AppendRemark(now, "%s: %s", status, reason)
		return
	}
	r.AppendRemark(now, "%s -> %s: %s", prev, status, reason)
}

// Exhausted reports whether the record has used up its retry budget.
func (r *Record) Exhausted(maxRetries int) bool {
	return r.RetryCount >= maxRetries
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Cursor is a keyset position within a pending scan.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// PendingQuery selects records the reconciler should re-drive:
//
//	(status = INIT AND created_at < InitBefore AND retry_count < MaxRetries)
//	OR (status = FAIL AND retry_count < MaxRetries)
//
// restricted to updated_at < UpdatedBefore and positioned strictly after
// After in (updated_at, id) order.
type PendingQuery struct {
	InitBefore    time.Time
	UpdatedBefore time.Time
	MaxRetries    int
	After         *Cursor
	Limit         int
}

// Matches reports whether r satisfies q, ignoring Limit.
func (q PendingQuery) Matches(r *Record) bool {
	if r.RetryCount >= q.MaxRetries {
		return false
	}
	switch r.Status {
	case StatusInit:
		if !r.CreatedAt.Before(q.InitBefore) {
			return false
		}
	case StatusFail:
	default:
		return false
	}
	if !q.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	if q.After != nil {
		if r.UpdatedAt.Before(q.After.UpdatedAt) {
			return false
		}
		if r.UpdatedAt.Equal(q.After.UpdatedAt) && r.ID <= q.After.ID {
			return false
		}
	}
	return true
}

// CursorOf returns the keyset position of r.
func CursorOf(r *Record) *Cursor {
	return &Cursor{UpdatedAt: r.UpdatedAt, ID: r.ID}
}

// Store persists records of one kind. msg_id is unique by convention only:
// callers look up first and then insert or update.
type Store interface {
	// FindByMsgID returns the record with the given msg_id, if any.
	FindByMsgID(ctx context.Context, msgID string) (*Record, bool, error)
	// Insert stores a new record, assigning an id when it is empty.
	Insert(ctx context.Context, r *Record) error
	// UpdateByID overwrites the mutable fields of the record with r.ID.
	UpdateByID(ctx context.Context, r *Record) error
	// AddRemark prepends text to the remark history of the record with the
	// given id and sets updated_at to at. Status and retry_count are left as
	// stored, so it is safe to call without holding the record's lock.
	AddRemark(ctx context.Context, id string, at time.Time, text string) error
	// ListPending returns up to q.Limit records matching q in
	// (updated_at, id) ascending order.
	ListPending(ctx context.Context, q PendingQuery) ([]*Record, error)
}

// Save inserts r when isNew, otherwise updates it by id.
func Save(ctx context.Context, s Store, r *Record, isNew bool) error {
	if isNew {
		return s.Insert(ctx, r)
	}
	return s.UpdateByID(ctx, r)
}
