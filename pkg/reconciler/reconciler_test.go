package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/reliable-mq/internal/repository/inmemory"
	brokertest "github.com/ava-labs/reliable-mq/pkg/broker/testutils"
	"github.com/ava-labs/reliable-mq/pkg/lock"
	locktest "github.com/ava-labs/reliable-mq/pkg/lock/testutils"
	"github.com/ava-labs/reliable-mq/pkg/outbox"
	"github.com/ava-labs/reliable-mq/pkg/record"
	"github.com/ava-labs/reliable-mq/pkg/topology"
)

type republish struct {
	MsgID, TraceID, BusinessType, SearchKey, Payload string
}

type fakeRepublisher struct {
	mu    sync.Mutex
	calls []republish
	err   error
	// onProvide runs after the call is recorded, outside the lock.
	onProvide func(msgID string)
}

func (f *fakeRepublisher) ProvideWithID(_ context.Context, msgID, traceID, businessType, searchKey, payload string) error {
	f.mu.Lock()
	f.calls = append(f.calls, republish{msgID, traceID, businessType, searchKey, payload})
	err, hook := f.err, f.onProvide
	f.mu.Unlock()
	if hook != nil {
		hook(msgID)
	}
	return err
}

func (f *fakeRepublisher) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.MsgID
	}
	return ids
}

func seed(t *testing.T, store record.Store, msgID string, status record.Status, retries int, age time.Duration) *record.Record {
	t.Helper()
	at := time.Now().UTC().Add(-age)
	rec := record.New(msgID, "trace-"+msgID, "orders", "key-"+msgID, `{"n":"`+msgID+`"}`, at)
	rec.Status = status
	rec.RetryCount = retries
	require.NoError(t, store.Insert(context.Background(), rec))
	return rec
}

func testConfig(batch int) Config {
	cfg := DefaultConfig()
	cfg.BatchSize = batch
	return cfg
}

func TestReconciler_SendSweep_Converges(t *testing.T) {
	ctx := context.Background()
	sends := inmemory.NewRecordRepository()
	routes, err := topology.New(topology.Route{BusinessType: "orders", Exchange: "orders.exchange", RoutingKey: "orders.created"})
	require.NoError(t, err)
	pub := brokertest.NewFakePublisher()
	log := zaptest.NewLogger(t).Sugar()
	sender := outbox.NewSender(outbox.DefaultConfig(), routes, sends, pub, log, nil)

	var want []string
	for i := range 7 {
		id := fmt.Sprintf("m-%d", i)
		seed(t, sends, id, record.StatusFail, i%3, time.Duration(10+i)*time.Minute)
		want = append(want, id)
	}

	r := New(testConfig(3), sends, inmemory.NewRecordRepository(), lock.NewMemoryLocker(), sender, log, nil)
	stats, err := r.SweepSend(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Pages, "pages of 3, 3 and a short page of 1")
	assert.Equal(t, 7, stats.Candidates)
	assert.Equal(t, 7, stats.Attempted)
	assert.Zero(t, stats.Skipped)
	assert.Zero(t, stats.Failed)

	got := pub.PublishedIDs()
	sort.Strings(got)
	assert.Equal(t, want, got, "every eligible record attempted exactly once")

	for _, id := range want {
		rec, found, err := sends.FindByMsgID(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, record.StatusInit, rec.Status)
		assert.Contains(t, rec.Remark, "republish")
	}
	assert.Equal(t, 7, sends.Len(), "republish never adds rows")
}

func TestReconciler_AckedInitRecordRepublishesUpToCap(t *testing.T) {
	ctx := context.Background()
	sends := inmemory.NewRecordRepository()
	seed(t, sends, "m-1", record.StatusInit, 0, time.Hour)

	routes, err := topology.New(topology.Route{BusinessType: "orders", Exchange: "orders.exchange", RoutingKey: "orders.created"})
	require.NoError(t, err)
	pub := brokertest.NewFakePublisher()
	log := zaptest.NewLogger(t).Sugar()
	// Acks are logged only, so every republish leaves the record INIT.
	sender := outbox.NewSender(outbox.DefaultConfig(), routes, sends, pub, log, nil)

	r := New(testConfig(10), sends, inmemory.NewRecordRepository(), lock.NewMemoryLocker(), sender, log, nil)
	clock := time.Now().UTC()
	for range 6 {
		clock = clock.Add(time.Hour)
		r.now = func() time.Time { return clock }
		_, err := r.SweepSend(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"m-1", "m-1", "m-1"}, pub.PublishedIDs(), "one copy per sweep until the retry cap")
	rec, _, err := sends.FindByMsgID(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusInit, rec.Status)
	assert.Equal(t, DefaultConfig().MaxSendRetries, rec.RetryCount)
}

func TestReconciler_SendSweep_Eligibility(t *testing.T) {
	ctx := context.Background()
	sends := inmemory.NewRecordRepository()
	seed(t, sends, "stale-init", record.StatusInit, 0, time.Hour)
	seed(t, sends, "fresh-init", record.StatusInit, 0, time.Minute)
	seed(t, sends, "fail", record.StatusFail, 2, time.Minute)
	seed(t, sends, "exhausted", record.StatusFail, 3, time.Hour)
	seed(t, sends, "done", record.StatusSuccess, 0, time.Hour)

	rep := &fakeRepublisher{}
	r := New(testConfig(10), sends, inmemory.NewRecordRepository(), lock.NewMemoryLocker(), rep, zaptest.NewLogger(t).Sugar(), nil)

	stats, err := r.SweepSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pages)
	assert.ElementsMatch(t, []string{"stale-init", "fail"}, rep.ids())

	rep.mu.Lock()
	defer rep.mu.Unlock()
	for _, c := range rep.calls {
		assert.Equal(t, "orders", c.BusinessType)
		assert.Equal(t, "trace-"+c.MsgID, c.TraceID)
		assert.Equal(t, "key-"+c.MsgID, c.SearchKey)
		assert.Equal(t, `{"n":"`+c.MsgID+`"}`, c.Payload)
	}
}

func TestReconciler_LockContention(t *testing.T) {
	ctx := context.Background()
	sends := inmemory.NewRecordRepository()
	held := seed(t, sends, "m-held", record.StatusFail, 1, time.Hour)
	seed(t, sends, "m-free", record.StatusFail, 1, time.Hour)

	locker := &locktest.MockLocker{}
	locker.On("TryLock", mock.Anything, "send:m-held", mock.Anything, 30*time.Second).Return(false, nil)
	locker.On("TryLock", mock.Anything, "send:m-free", mock.Anything, 30*time.Second).Return(true, nil)
	locker.On("Unlock", mock.Anything, "send:m-free", mock.Anything).Return(true, nil)

	rep := &fakeRepublisher{}
	r := New(testConfig(10), sends, inmemory.NewRecordRepository(), locker, rep, zaptest.NewLogger(t).Sugar(), nil)

	stats, err := r.SweepSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, []string{"m-free"}, rep.ids())

	rec, _, err := sends.FindByMsgID(ctx, "m-held")
	require.NoError(t, err)
	assert.Equal(t, record.StatusFail, rec.Status, "status unchanged when skipped")
	assert.Equal(t, held.RetryCount, rec.RetryCount)
	assert.Contains(t, rec.Remark, "locked by another worker")
	locker.AssertExpectations(t)
}

// overwrite applies fn to the stored record, as a concurrent writer would.
func overwrite(t *testing.T, store record.Store, msgID string, fn func(*record.Record)) {
	t.Helper()
	rec, found, err := store.FindByMsgID(context.Background(), msgID)
	require.NoError(t, err)
	require.True(t, found)
	fn(rec)
	require.NoError(t, store.UpdateByID(context.Background(), rec))
}

func TestReconciler_LockContention_KeepsHolderWrite(t *testing.T) {
	ctx := context.Background()
	sends := inmemory.NewRecordRepository()
	seed(t, sends, "m-1", record.StatusFail, 1, time.Hour)

	// The holder republishes m-1 after this worker listed the page but
	// before it tried the lock.
	locker := &locktest.MockLocker{}
	locker.On("TryLock", mock.Anything, "send:m-1", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			overwrite(t, sends, "m-1", func(rec *record.Record) {
				rec.RetryCount = 2
				rec.Transition(time.Now().UTC(), record.StatusInit, "republish by holder")
			})
		}).
		Return(false, nil)

	rep := &fakeRepublisher{}
	r := New(testConfig(10), sends, inmemory.NewRecordRepository(), locker, rep, zaptest.NewLogger(t).Sugar(), nil)

	stats, err := r.SweepSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, rep.ids())

	rec, _, err := sends.FindByMsgID(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusInit, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Contains(t, rec.Remark, "locked by another worker")
	assert.Contains(t, rec.Remark, "republish by holder")
	locker.AssertNotCalled(t, "Unlock", mock.Anything, mock.Anything, mock.Anything)
}

// interleavedStore runs between once, right after the first page is listed.
type interleavedStore struct {
	*inmemory.RecordRepository
	once    sync.Once
	between func()
}

func (s *interleavedStore) ListPending(ctx context.Context, q record.PendingQuery) ([]*record.Record, error) {
	page, err := s.RecordRepository.ListPending(ctx, q)
	s.once.Do(s.between)
	return page, err
}

func TestReconciler_ConcurrentSweepsRepublishOnce(t *testing.T) {
	ctx := context.Background()
	sends := inmemory.NewRecordRepository()
	seed(t, sends, "m-1", record.StatusFail, 1, time.Hour)

	routes, err := topology.New(topology.Route{BusinessType: "orders", Exchange: "orders.exchange", RoutingKey: "orders.created"})
	require.NoError(t, err)
	pub := brokertest.NewFakePublisher()
	log := zaptest.NewLogger(t).Sugar()
	sender := outbox.NewSender(outbox.DefaultConfig(), routes, sends, pub, log, nil)
	locker := lock.NewMemoryLocker()

	other := New(testConfig(10), sends, inmemory.NewRecordRepository(), locker, sender, log, nil)
	store := &interleavedStore{
		RecordRepository: sends,
		between: func() {
			stats, err := other.SweepSend(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 1, stats.Attempted)
		},
	}
	r := New(testConfig(10), store, inmemory.NewRecordRepository(), locker, sender, log, nil)

	stats, err := r.SweepSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
	assert.Zero(t, stats.Attempted)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, []string{"m-1"}, pub.PublishedIDs())

	rec, _, err := sends.FindByMsgID(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusInit, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
}

func TestReconciler_LockTokensMatch(t *testing.T) {
	sends := inmemory.NewRecordRepository()
	seed(t, sends, "m-1", record.StatusFail, 0, time.Hour)

	locker := &locktest.MockLocker{}
	locker.On("TryLock", mock.Anything, "send:m-1", "token-1", 30*time.Second).Return(true, nil).Once()
	locker.On("Unlock", mock.Anything, "send:m-1", "token-1").Return(true, nil).Once()

	r := New(testConfig(10), sends, inmemory.NewRecordRepository(), locker, &fakeRepublisher{}, zaptest.NewLogger(t).Sugar(), nil)
	r.newToken = func() string { return "token-1" }

	_, err := r.SweepSend(context.Background())
	require.NoError(t, err)
	locker.AssertExpectations(t)
}

func TestReconciler_FailuresDoNotAbortSweep(t *testing.T) {
	sends := inmemory.NewRecordRepository()
	seed(t, sends, "m-1", record.StatusFail, 0, time.Hour)
	seed(t, sends, "m-2", record.StatusFail, 0, 2*time.Hour)
	seed(t, sends, "m-3", record.StatusFail, 0, 3*time.Hour)

	locker := &locktest.MockLocker{}
	locker.On("TryLock", mock.Anything, "send:m-2", mock.Anything, mock.Anything).Return(false, errors.New("redis timeout"))
	locker.On("TryLock", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	locker.On("Unlock", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	rep := &fakeRepublisher{err: errors.New("channel closed")}
	r := New(testConfig(10), sends, inmemory.NewRecordRepository(), locker, rep, zaptest.NewLogger(t).Sugar(), nil)

	stats, err := r.SweepSend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Candidates)
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, 3, stats.Failed)
	assert.ElementsMatch(t, []string{"m-1", "m-3"}, rep.ids())
	locker.AssertNumberOfCalls(t, "Unlock", 2)
}

func TestReconciler_ReceiveSweep(t *testing.T) {
	ctx := context.Background()
	receives := inmemory.NewRecordRepository()
	seed(t, receives, "r-1", record.StatusFail, 1, time.Hour)
	seed(t, receives, "r-done", record.StatusSuccess, 0, time.Hour)

	rep := &fakeRepublisher{}
	r := New(testConfig(10), inmemory.NewRecordRepository(), receives, lock.NewMemoryLocker(), rep, zaptest.NewLogger(t).Sugar(), nil)

	stats, err := r.SweepReceive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, []string{"r-1"}, rep.ids())

	rec, _, err := receives.FindByMsgID(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusFail, rec.Status, "the consumer decides the final status")
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.Remark, "republished for redelivery")
}

func TestReconciler_ReceiveSweep_KeepsConsumerOutcome(t *testing.T) {
	ctx := context.Background()
	receives := inmemory.NewRecordRepository()
	seed(t, receives, "r-1", record.StatusFail, 1, time.Hour)

	// The consumer settles the redelivery before ProvideWithID returns.
	rep := &fakeRepublisher{onProvide: func(msgID string) {
		overwrite(t, receives, msgID, func(rec *record.Record) {
			rec.RetryCount++
			rec.Transition(time.Now().UTC(), record.StatusSuccess, "handled")
		})
	}}
	r := New(testConfig(10), inmemory.NewRecordRepository(), receives, lock.NewMemoryLocker(), rep, zaptest.NewLogger(t).Sugar(), nil)

	_, err := r.SweepReceive(ctx)
	require.NoError(t, err)

	rec, _, err := receives.FindByMsgID(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Contains(t, rec.Remark, "republished for redelivery")

	_, err = r.SweepReceive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1"}, rep.ids(), "a settled record is not republished again")
}

type brokenStore struct {
	record.Store
}

func (brokenStore) ListPending(context.Context, record.PendingQuery) ([]*record.Record, error) {
	return nil, errors.New("connection refused")
}

func TestReconciler_RunOnce_JoinsErrors(t *testing.T) {
	receives := inmemory.NewRecordRepository()
	seed(t, receives, "r-1", record.StatusFail, 0, time.Hour)

	rep := &fakeRepublisher{}
	r := New(testConfig(10), brokenStore{}, receives, lock.NewMemoryLocker(), rep, zaptest.NewLogger(t).Sugar(), nil)

	err := r.RunOnce(context.Background())
	require.ErrorContains(t, err, "failed to list pending send records")
	assert.Equal(t, []string{"r-1"}, rep.ids(), "receive sweep still runs")
}

func TestReconciler_CancelledContext(t *testing.T) {
	sends := inmemory.NewRecordRepository()
	seed(t, sends, "m-1", record.StatusFail, 0, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := &fakeRepublisher{}
	r := New(testConfig(10), sends, inmemory.NewRecordRepository(), lock.NewMemoryLocker(), rep, zaptest.NewLogger(t).Sugar(), nil)
	_, err := r.SweepSend(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.ids())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	cfg.LockTTL = 0
	err := cfg.Validate()
	require.ErrorContains(t, err, "batch size")
	require.ErrorContains(t, err, "lock ttl")
}
