// Package reconciler re-drives send and receive records left unresolved,
// one msg_id at a time under a distributed lock.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/pkg/lock"
	"github.com/ava-labs/reliable-mq/pkg/metrics"
	"github.com/ava-labs/reliable-mq/pkg/record"
)

// Republisher publishes a payload under an existing msg_id.
type Republisher interface {
	ProvideWithID(ctx context.Context, msgID, traceID, businessType, searchKey, payload string) error
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Pages      int
	Candidates int
	Attempted  int
	Skipped    int
	Failed     int
}

type Reconciler struct {
	cfg      Config
	sends    record.Store
	receives record.Store
	locker   lock.Locker
	sender   Republisher
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics

	now      func() time.Time
	newToken func() string
}

func New(
	cfg Config,
	sends, receives record.Store,
	locker lock.Locker,
	sender Republisher,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		sends:    sends,
		receives: receives,
		locker:   locker,
		sender:   sender,
		log:      log,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: uuid.NewString,
	}
}

// RunOnce runs a send sweep and then a receive sweep. A failed send sweep
// does not prevent the receive sweep.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	_, sendErr := r.SweepSend(ctx)
	_, recvErr := r.SweepReceive(ctx)
	return errors.Join(sendErr, recvErr)
}

// SweepSend republishes stale INIT and retryable FAIL send records.
func (r *Reconciler) SweepSend(ctx context.Context) (SweepStats, error) {
	return r.sweep(ctx, record.KindSend, r.sends, r.cfg.MaxSendRetries, r.retrySend)
}

// SweepReceive puts stale INIT and retryable FAIL receive records back on the
// broker under their original msg_id so the consumer sees them again.
func (r *Reconciler) SweepReceive(ctx context.Context) (SweepStats, error) {
	return r.sweep(ctx, record.KindReceive, r.receives, r.cfg.MaxReceiveRetries, r.retryReceive)
}

type attemptFunc func(ctx context.Context, rec *record.Record) error

func (r *Reconciler) sweep(
	ctx context.Context,
	kind record.Kind,
	store record.Store,
	maxRetries int,
	attempt attemptFunc,
) (SweepStats, error) {
	var stats SweepStats
	begin := time.Now()
	start := r.now()

	// Rows touched after start (including by this sweep) drop out of later
	// pages, so each candidate is visited at most once.
	q := record.PendingQuery{
		InitBefore:    start.Add(-r.cfg.GracePeriod),
		UpdatedBefore: start,
		MaxRetries:    maxRetries,
		Limit:         r.cfg.BatchSize,
	}

	var err error
	for {
		if err = ctx.Err(); err != nil {
			break
		}

		var page []*record.Record
		page, err = store.ListPending(ctx, q)
		if err != nil {
			err = fmt.Errorf("failed to list pending %s records: %w", kind, err)
			break
		}
		stats.Pages++
		stats.Candidates += len(page)

		for _, rec := range page {
			r.visit(ctx, kind, store, rec, attempt, &stats)
		}

		if len(page) < q.Limit {
			break
		}
		q.After = record.CursorOf(page[len(page)-1])
	}

	r.metrics.RecordSweep(string(kind), err, stats.Attempted, stats.Skipped, stats.Failed, time.Since(begin).Seconds())
	r.log.Infow("sweep finished",
		"kind", kind,
		"pages", stats.Pages,
		"candidates", stats.Candidates,
		"attempted", stats.Attempted,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"duration", time.Since(begin),
		"error", err,
	)
	return stats, err
}

func (r *Reconciler) visit(
	ctx context.Context,
	kind record.Kind,
	store record.Store,
	rec *record.Record,
	attempt attemptFunc,
	stats *SweepStats,
) {
	log := r.log.With("kind", kind, "msgID", rec.MsgID, "status", rec.Status, "retryCount", rec.RetryCount)
	key := string(kind) + ":" + rec.MsgID
	token := r.newToken()

	ok, err := r.locker.TryLock(ctx, key, token, r.cfg.LockTTL)
	if err != nil {
		log.Errorw("failed to acquire lock", "error", err)
		stats.Failed++
		return
	}
	if !ok {
		log.Debugw("record locked by another worker, skipping")
		r.metrics.IncLockContention(string(kind))
		stats.Skipped++
		// Only the remark changes; the holder owns status and retry_count.
		if err := store.AddRemark(ctx, rec.ID, r.now(), "reconcile skipped: locked by another worker"); err != nil {
			log.Warnw("failed to record lock contention", "error", err)
		}
		return
	}
	defer func() {
		// Release on a fresh context so a cancelled sweep still frees the key.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if released, err := r.locker.Unlock(unlockCtx, key, token); err != nil {
			log.Warnw("failed to release lock", "error", err)
		} else if !released {
			log.Warnw("lock expired before release", "ttl", r.cfg.LockTTL)
		}
	}()

	// The page is a snapshot. Another worker may have re-driven the record
	// between the listing and the lock.
	cur, found, err := store.FindByMsgID(ctx, rec.MsgID)
	if err != nil {
		log.Errorw("failed to reload record", "error", err)
		stats.Failed++
		return
	}
	if !found || changedSince(rec, cur) {
		log.Debugw("record changed since listing, skipping")
		stats.Skipped++
		return
	}

	stats.Attempted++
	if err := attempt(ctx, cur); err != nil {
		log.Warnw("reconcile attempt failed", "error", err)
		stats.Failed++
	}
}

// changedSince reports whether cur was written after listed was read.
func changedSince(listed, cur *record.Record) bool {
	return cur.ID != listed.ID ||
		cur.Status != listed.Status ||
		cur.RetryCount != listed.RetryCount ||
		!cur.UpdatedAt.Equal(listed.UpdatedAt)
}

func (r *Reconciler) retrySend(ctx context.Context, rec *record.Record) error {
	return r.sender.ProvideWithID(ctx, rec.MsgID, rec.TraceID, rec.BusinessType, rec.SearchKey, rec.Payload)
}

// retryReceive marks the record before republishing. The consumer may settle
// the redelivery before ProvideWithID returns, and its write must stand.
func (r *Reconciler) retryReceive(ctx context.Context, rec *record.Record) error {
	if err := r.receives.AddRemark(ctx, rec.ID, r.now(), "republished for redelivery"); err != nil {
		return fmt.Errorf("failed to mark receive record %s: %w", rec.MsgID, err)
	}
	return r.sender.ProvideWithID(ctx, rec.MsgID, rec.TraceID, rec.BusinessType, rec.SearchKey, rec.Payload)
}
