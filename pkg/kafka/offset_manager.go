package kafka

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/pkg/metrics"
)

const (
	// Default suggested Offset Manager parameters
	OffsetManagerCommitInterval  = 5 * time.Second
	OffsetManagerAutoOffsetReset = "latest"

	WindowLengthWarningThreshold = 10000

	brokerQueryTimeoutMs = 5000
)

// offsetStore is the part of *kafka.Consumer the OffsetManager talks to.
type offsetStore interface {
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Committed(partitions []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error)
	QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error)
}

type offsetState struct {
	window        []kafka.TopicPartition
	lastCommitted kafka.Offset
}

/*
OffsetManager is a thread-safe, in-memory sliding window of settled offsets
for each assigned partition. A message's offset only becomes committable once
every earlier offset on the partition has been settled (acked, requeued or
dead-lettered), so a crash never skips an unsettled delivery. A single
OffsetManager supports one topic subscription at a time.

At every commit interval the manager finds, per partition, the longest run of
contiguous offsets following lastCommitted and commits its end.

The window length is unbounded, meaning a handler that never settles blocks
commits for its partition. Above WindowLengthWarningThreshold a warning is
logged to help diagnose.
*/
type OffsetManager struct {
	store           offsetStore
	autoOffsetReset string                 // auto.offset.reset config: "earliest" or "latest"
	partitionStates map[int32]*offsetState // map of offset states for each assigned partition
	mutex           sync.Mutex
	log             *zap.SugaredLogger
	metrics         *metrics.Metrics
}

// NewOffsetManager creates an OffsetManager and starts its commit loop, which
// runs until ctx is done.
func NewOffsetManager(
	ctx context.Context,
	store offsetStore,
	interval time.Duration,
	autoOffsetReset string,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *OffsetManager {
	om := &OffsetManager{
		store:           store,
		autoOffsetReset: autoOffsetReset,
		partitionStates: make(map[int32]*offsetState),
		log:             log,
		metrics:         m,
	}
	go om.managerLoop(ctx, interval)
	return om
}

func (om *OffsetManager) managerLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			om.commitLatestValidOffsets()
		case <-ctx.Done():
			return
		}
	}
}

// contiguousEnd returns the index of the last offset in window that can be
// committed after lastCommitted, or -1 when the head of the window is not yet
// adjacent to it. Offsets at or below lastCommitted are swept up as well; they
// appear when a new group joins with auto.offset.reset="latest" while a
// producer is writing.
func contiguousEnd(window []kafka.TopicPartition, lastCommitted kafka.Offset) int {
	if len(window) == 0 || window[0].Offset > lastCommitted+1 {
		return -1
	}
	end := 0
	for i := 1; i < len(window); i++ {
		if window[i].Offset <= lastCommitted {
			end = i
			continue
		}
		if window[i].Offset != window[i-1].Offset+1 {
			break
		}
		end = i
	}
	return end
}

// For each assigned partition, commit the end of the contiguous run of
// settled offsets and truncate the window accordingly.
func (om *OffsetManager) commitLatestValidOffsets() {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	for partition, state := range om.partitionStates {
		end := contiguousEnd(state.window, state.lastCommitted)
		if end >= 0 {
			committed := state.window[end]
			_, err := om.store.CommitOffsets([]kafka.TopicPartition{committed})
			om.metrics.RecordOffsetCommit(err)
			if err != nil {
				om.log.Errorw("failed to commit offsets", "partition", partition, "offset", committed.Offset, "error", err)
				return
			}

			om.log.Debugw("committed offset", "partition", partition, "offset", committed.Offset)
			om.partitionStates[partition] = &offsetState{
				window:        slices.Clone(state.window[end+1:]),
				lastCommitted: committed.Offset,
			}
		}

		if n := len(om.partitionStates[partition].window); n > WindowLengthWarningThreshold {
			om.log.Warnw("partition window length is high", "partition", partition, "length", n)
		}
	}
}

// InsertOffset adds a settled offset into the sliding window for partition
// offset.Partition. offset.Offset must be one higher than the offset of the
// settled message, which is the offset Kafka expects to be committed. See
// https://github.com/confluentinc/confluent-kafka-go/issues/350
//
// Topic, Partition, and Offset fields are required.
func (om *OffsetManager) InsertOffset(ctx context.Context, offset kafka.TopicPartition) error {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	state := om.partitionStates[offset.Partition]
	if state == nil {
		om.log.Warnw("partition not assigned, ignoring offset", "partition", offset.Partition, "offset", offset.Offset)
		return nil
	}

	// The first offset inserted after assignment without a valid stored
	// offset initializes lastCommitted to the message just before it.
	if state.lastCommitted < 0 {
		state.lastCommitted = offset.Offset - 1
		om.log.Infow("initialized partition lastCommitted", "partition", offset.Partition, "offset", state.lastCommitted)
	}

	window := state.window
	i := sort.Search(len(window), func(j int) bool { return window[j].Offset >= offset.Offset })
	if i < len(window) && window[i].Offset == offset.Offset {
		return nil
	}
	state.window = slices.Insert(window, i, offset)
	return nil
}

// InsertOffsetWithRetry marks msg as settled, retrying until it succeeds or
// ctx is done.
func (om *OffsetManager) InsertOffsetWithRetry(ctx context.Context, msg *kafka.Message) {
	for {
		err := om.InsertOffset(ctx, kafka.TopicPartition{
			Topic:     msg.TopicPartition.Topic,
			Partition: msg.TopicPartition.Partition,
			Offset:    msg.TopicPartition.Offset + 1,
		})
		if err == nil || ctx.Err() != nil {
			return
		}

		om.log.Errorw("retrying InsertOffset", "error", err)
		time.Sleep(200 * time.Millisecond)
	}
}

// OnAssigned initializes partition states from the group's committed offsets.
// Stored offsets that are missing or below the low watermark (lost to
// retention) are invalidated so the first settled offset seeds the window.
func (om *OffsetManager) OnAssigned(partitions []kafka.TopicPartition) error {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	// Rebalance events carry kafka.InvalidOffset when joining an idle group,
	// so the committed offsets are fetched explicitly.
	committed, err := om.store.Committed(partitions, brokerQueryTimeoutMs)
	if err != nil {
		return fmt.Errorf("failed to get committed offsets: %w", err)
	}

	logStr := make([]string, len(committed))
	for i, co := range committed {
		state := &offsetState{window: []kafka.TopicPartition{}, lastCommitted: co.Offset}
		om.partitionStates[co.Partition] = state

		low, high, err := om.store.QueryWatermarkOffsets(*co.Topic, co.Partition, brokerQueryTimeoutMs)
		if err != nil {
			return fmt.Errorf("failed to query watermark offsets for partition %d: %w", co.Partition, err)
		}
		om.log.Debugw("watermark offsets",
			"partition", co.Partition,
			"low", low,
			"high", high,
			"autoOffsetReset", om.autoOffsetReset,
		)
		if co.Offset < 0 || co.Offset < kafka.Offset(low) {
			state.lastCommitted = kafka.OffsetInvalid
		}
		logStr[i] = fmt.Sprintf("(partition: %d, lastCommitted: %d)", co.Partition, state.lastCommitted)
	}

	om.log.Infof("rebalance event, adding partition states: %s", strings.Join(logStr, ","))
	return nil
}

// OnRevoked drops the state of revoked partitions. Offsets settled after this
// point are ignored and the messages are redelivered to the new owner.
func (om *OffsetManager) OnRevoked(partitions []kafka.TopicPartition) {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	logStr := make([]string, len(partitions))
	for i, partition := range partitions {
		logStr[i] = strconv.Itoa(int(partition.Partition))
		delete(om.partitionStates, partition.Partition)
	}
	om.log.Infof("rebalance event, removing state for partitions: %s", strings.Join(logStr, ","))
}

// Flush commits whatever is committable right now. Used on shutdown.
func (om *OffsetManager) Flush() {
	om.commitLatestValidOffsets()
}
