// Package inbox deduplicates and settles inbound deliveries against a
// receive record per msg_id, bounding how often a failing delivery is
// redelivered.
package inbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/pkg/broker"
	"github.com/ava-labs/reliable-mq/pkg/message"
	"github.com/ava-labs/reliable-mq/pkg/metrics"
	"github.com/ava-labs/reliable-mq/pkg/record"
)

// Handler is the business logic run for one message payload.
type Handler func(ctx context.Context, payload string) error

// Outcome describes how a delivery was settled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeDropped   Outcome = "dropped"
)

type Receiver struct {
	cfg     Config
	store   record.Store
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReceiver(cfg Config, store record.Store, log *zap.SugaredLogger, m *metrics.Metrics) *Receiver {
	return &Receiver{
		cfg:     cfg,
		store:   store,
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type inbound struct {
	msgID        string
	traceID      string
	businessType string
	searchKey    string
	payload      string
}

// Consume handles an enveloped delivery. The msg_id comes from the broker
// message-id header, then the envelope, then a scan of common id fields.
func (r *Receiver) Consume(ctx context.Context, d broker.Delivery, h Handler) Outcome {
	body := d.Body()
	in := inbound{
		msgID:        d.MessageID(),
		traceID:      d.CorrelationID(),
		businessType: d.Header(broker.HeaderBusinessType),
		searchKey:    d.Source(),
		payload:      string(body),
	}

	env, err := message.Open(body)
	switch {
	case err == nil:
		if in.msgID == "" {
			in.msgID = env.MsgID
		}
		if in.traceID == "" {
			in.traceID = env.TraceID
		}
		if env.BusinessType != "" {
			in.businessType = env.BusinessType
		}
		in.payload = env.Payload
	case in.msgID == "":
		in.msgID, _ = message.ExtractMsgID(body)
	}

	return r.process(ctx, d, in, h)
}

// ConsumeRaw handles a delivery whose body is the business payload itself.
// businessType is bound to the queue rather than read from the message.
func (r *Receiver) ConsumeRaw(ctx context.Context, queue, businessType string, d broker.Delivery, h Handler) Outcome {
	body := d.Body()
	in := inbound{
		msgID:        d.MessageID(),
		traceID:      d.CorrelationID(),
		businessType: businessType,
		searchKey:    queue,
		payload:      string(body),
	}
	if in.msgID == "" {
		in.msgID, _ = message.ExtractMsgID(body)
	}
	return r.process(ctx, d, in, h)
}

// Handle adapts Consume to a broker.DeliveryHandler.
func (r *Receiver) Handle(h Handler) broker.DeliveryHandler {
	return func(ctx context.Context, d broker.Delivery) {
		r.Consume(ctx, d, h)
	}
}

// HandleRaw adapts ConsumeRaw to a broker.DeliveryHandler.
func (r *Receiver) HandleRaw(queue, businessType string, h Handler) broker.DeliveryHandler {
	return func(ctx context.Context, d broker.Delivery) {
		r.ConsumeRaw(ctx, queue, businessType, d, h)
	}
}

func (r *Receiver) process(ctx context.Context, d broker.Delivery, in inbound, h Handler) Outcome {
	outcome := r.settle(ctx, d, in, h)
	r.metrics.RecordDelivery(labelOr(in.businessType), string(outcome))
	return outcome
}

func (r *Receiver) settle(ctx context.Context, d broker.Delivery, in inbound, h Handler) Outcome {
	log := r.log.With("msgID", in.msgID, "traceID", in.traceID, "businessType", in.businessType, "source", d.Source())

	if in.msgID == "" {
		log.Errorw("dropping delivery without a message id")
		r.ack(log, d)
		return OutcomeDropped
	}

	rec, found, err := r.store.FindByMsgID(ctx, in.msgID)
	if err != nil {
		log.Errorw("failed to look up receive record, requeueing", "error", err)
		r.nack(log, d)
		return OutcomeRequeued
	}

	now := r.now()
	if found {
		rec.RetryCount++
		if rec.TraceID == "" {
			rec.TraceID = in.traceID
		}
	} else {
		rec = record.New(in.msgID, in.traceID, in.businessType, in.searchKey, string(d.Body()), now)
	}

	if found && rec.Status == record.StatusSuccess {
		log.Infow("duplicate delivery of processed message", "retryCount", rec.RetryCount)
		r.ack(log, d)
		rec.UpdatedAt = now
		rec.AppendRemark(now, "duplicate delivery #%d acked without processing", rec.RetryCount)
		r.save(ctx, log, rec, false)
		return OutcomeDuplicate
	}

	start := time.Now()
	herr := invoke(ctx, h, in.payload)
	r.metrics.ObserveHandlerDuration(labelOr(in.businessType), time.Since(start).Seconds())

	now = r.now()
	attempt := rec.RetryCount + 1
	switch {
	case herr == nil:
		r.ack(log, d)
		rec.Transition(now, record.StatusSuccess, "processed on attempt %d", attempt)
		r.save(ctx, log, rec, !found)
		return OutcomeProcessed

	case !rec.Exhausted(r.cfg.MaxConsumerRetries):
		log.Warnw("handler failed, requeueing", "attempt", attempt, "error", herr)
		r.nack(log, d)
		rec.Transition(now, record.StatusFail, "attempt %d failed, requeued: %v", attempt, herr)
		r.save(ctx, log, rec, !found)
		return OutcomeRequeued

	default:
		log.Errorw("handler failed, retries exhausted", "attempt", attempt, "error", herr)
		r.ack(log, d)
		rec.Transition(now, record.StatusFail, "exhausted retries after %d attempts: %v", attempt, herr)
		r.save(ctx, log, rec, !found)
		return OutcomeExhausted
	}
}

// invoke runs h, turning a panic into an error so one bad message cannot take
// down the consumer loop.
func invoke(ctx context.Context, h Handler, payload string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, payload)
}

func (r *Receiver) ack(log *zap.SugaredLogger, d broker.Delivery) {
	if err := d.Ack(); err != nil {
		log.Errorw("failed to ack delivery", "error", err)
		r.metrics.IncSettleError("ack")
	}
}

func (r *Receiver) nack(log *zap.SugaredLogger, d broker.Delivery) {
	if err := d.Nack(true); err != nil {
		log.Errorw("failed to nack delivery", "error", err)
		r.metrics.IncSettleError("nack")
	}
}

// save persists rec. The broker owns delivery, so a failed write is logged
// and the delivery outcome stands.
func (r *Receiver) save(ctx context.Context, log *zap.SugaredLogger, rec *record.Record, isNew bool) {
	if err := record.Save(ctx, r.store, rec, isNew); err != nil {
		log.Errorw("failed to persist receive record", "status", rec.Status, "retryCount", rec.RetryCount, "error", err)
	}
}

func labelOr(businessType string) string {
	if businessType == "" {
		return "unknown"
	}
	return businessType
}
