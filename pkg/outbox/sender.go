// Package outbox publishes messages through a broker while keeping a send
// record per msg_id, and reacts to the broker's asynchronous confirmations
// and unroutable returns.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ava-labs/reliable-mq/pkg/broker"
	"github.com/ava-labs/reliable-mq/pkg/message"
	"github.com/ava-labs/reliable-mq/pkg/metrics"
	"github.com/ava-labs/reliable-mq/pkg/record"
	"github.com/ava-labs/reliable-mq/pkg/topology"
)

// Sender is safe for concurrent use. Run must be started once to process
// broker callbacks.
type Sender struct {
	cfg       Config
	routes    *topology.Table
	store     record.Store
	publisher broker.Publisher
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	now   func() time.Time
	newID func() string
}

func NewSender(
	cfg Config,
	routes *topology.Table,
	store record.Store,
	publisher broker.Publisher,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Sender {
	return &Sender{
		cfg:       cfg,
		routes:    routes,
		store:     store,
		publisher: publisher,
		log:       log,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Provide wraps payload in an Envelope under a fresh msg_id and publishes it.
// An empty traceID is replaced by a generated one. The returned error only
// reflects the synchronous publish step.
func (s *Sender) Provide(ctx context.Context, traceID, businessType, searchKey, payload string) (string, error) {
	msgID := s.newID()
	if traceID == "" {
		traceID = s.newID()
	}
	body, err := message.New(msgID, traceID, businessType, payload, s.now()).Marshal()
	if err != nil {
		return "", err
	}
	return msgID, s.publish(ctx, msgID, traceID, businessType, searchKey, string(body), "")
}

// ProvideRaw publishes payload as-is under a fresh msg_id.
func (s *Sender) ProvideRaw(ctx context.Context, traceID, businessType, searchKey, payload string) (string, error) {
	msgID := s.newID()
	if traceID == "" {
		traceID = s.newID()
	}
	return msgID, s.publish(ctx, msgID, traceID, businessType, searchKey, payload, "")
}

// ProvideWithID publishes payload as-is under an existing msg_id. When a send
// record for msgID exists its retry_count is incremented instead of a new row
// being written.
func (s *Sender) ProvideWithID(ctx context.Context, msgID, traceID, businessType, searchKey, payload string) error {
	if msgID == "" {
		return record.ErrEmptyMsgID
	}
	return s.publish(ctx, msgID, traceID, businessType, searchKey, payload, "republish")
}

func (s *Sender) publish(ctx context.Context, msgID, traceID, businessType, searchKey, payload, cause string) error {
	start := time.Now()

	route, err := s.routes.Lookup(businessType)
	if err != nil {
		return err
	}

	rec, found, err := s.store.FindByMsgID(ctx, msgID)
	if err != nil {
		return fmt.Errorf("failed to find send record %s: %w", msgID, err)
	}

	now := s.now()
	if found {
		rec.RetryCount++
		if traceID == "" {
			traceID = rec.TraceID
		}
		rec.TraceID = traceID
		rec.BusinessType = businessType
		if searchKey != "" {
			rec.SearchKey = searchKey
		}
		rec.Payload = payload
		rec.Transition(now, record.StatusInit, "retry #%d: %s", rec.RetryCount, cause)
	} else {
		rec = record.New(msgID, traceID, businessType, searchKey, payload, now)
		rec.AppendRemark(now, "created")
	}

	// The row must exist before the broker can call back about it.
	if err := record.Save(ctx, s.store, rec, !found); err != nil {
		return fmt.Errorf("failed to save send record %s: %w", msgID, err)
	}

	pubCtx := ctx
	if s.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, s.cfg.PublishTimeout)
		defer cancel()
	}
	err = s.publisher.Publish(pubCtx, broker.Message{
		Exchange:      route.Exchange,
		RoutingKey:    route.RoutingKey,
		MessageID:     msgID,
		CorrelationID: traceID,
		Headers:       map[string]string{broker.HeaderBusinessType: businessType},
		Body:          []byte(payload),
		Persistent:    true,
	})
	s.metrics.RecordPublish(businessType, err, time.Since(start).Seconds())
	if err != nil {
		rec.Transition(s.now(), record.StatusFail, "publish failed: %v", err)
		if uerr := s.store.UpdateByID(ctx, rec); uerr != nil {
			s.log.Errorw("failed to mark send record failed",
				"msgID", msgID,
				"error", uerr,
			)
		}
		return fmt.Errorf("failed to publish %s: %w", msgID, err)
	}

	s.log.Debugw("message published",
		"msgID", msgID,
		"traceID", traceID,
		"businessType", businessType,
		"exchange", route.Exchange,
		"routingKey", route.RoutingKey,
		"retryCount", rec.RetryCount,
	)
	return nil
}

// HandleConfirm processes one broker confirmation. A nack republishes the
// message under the same msg_id until MaxProviderRetries is reached.
func (s *Sender) HandleConfirm(ctx context.Context, c broker.Confirmation) error {
	s.metrics.RecordConfirm(c.Ack)

	if c.Ack {
		s.log.Debugw("broker ack", "msgID", c.MessageID, "traceID", c.CorrelationID)
		if !s.cfg.PromoteOnAck {
			return nil
		}
		rec, found, err := s.store.FindByMsgID(ctx, c.MessageID)
		if err != nil {
			return fmt.Errorf("failed to find send record %s: %w", c.MessageID, err)
		}
		if !found || rec.Status != record.StatusInit {
			return nil
		}
		rec.Transition(s.now(), record.StatusSuccess, "broker ack")
		return s.update(ctx, rec)
	}

	s.log.Warnw("broker nack",
		"msgID", c.MessageID,
		"traceID", c.CorrelationID,
		"reason", c.Reason,
	)
	rec, found, err := s.store.FindByMsgID(ctx, c.MessageID)
	if err != nil {
		return fmt.Errorf("failed to find send record %s: %w", c.MessageID, err)
	}
	if !found {
		s.log.Warnw("nack for unknown send record", "msgID", c.MessageID)
		return nil
	}

	if rec.Exhausted(s.cfg.MaxProviderRetries) {
		rec.Transition(s.now(), record.StatusFail, "broker nack (%s), retries exhausted after %d attempts",
			reasonOr(c.Reason, "rejected"), rec.RetryCount)
		s.metrics.RecordSendExhausted(rec.BusinessType)
		return s.update(ctx, rec)
	}

	return s.publish(ctx, rec.MsgID, rec.TraceID, rec.BusinessType, rec.SearchKey, rec.Payload,
		"broker nack: "+reasonOr(c.Reason, "rejected"))
}

// HandleReturn marks the send record of an unroutable message FAIL. Returns
// are never retried.
func (s *Sender) HandleReturn(ctx context.Context, r broker.Return) error {
	rec, found, err := s.store.FindByMsgID(ctx, r.MessageID)
	if err != nil {
		return fmt.Errorf("failed to find send record %s: %w", r.MessageID, err)
	}
	if !found {
		s.log.Warnw("return for unknown send record",
			"msgID", r.MessageID,
			"replyCode", r.ReplyCode,
			"replyText", r.ReplyText,
		)
		return nil
	}

	s.metrics.RecordReturn(rec.BusinessType)
	s.log.Warnw("message returned unroutable",
		"msgID", r.MessageID,
		"exchange", r.Exchange,
		"routingKey", r.RoutingKey,
		"replyCode", r.ReplyCode,
		"replyText", r.ReplyText,
	)
	rec.Transition(s.now(), record.StatusFail, "unroutable return %d %s (exchange=%s routingKey=%s)",
		r.ReplyCode, r.ReplyText, r.Exchange, r.RoutingKey)
	return s.update(ctx, rec)
}

func (s *Sender) update(ctx context.Context, rec *record.Record) error {
	if err := s.store.UpdateByID(ctx, rec); err != nil {
		return fmt.Errorf("failed to update send record %s: %w", rec.MsgID, err)
	}
	return nil
}

// Run dispatches broker callbacks until ctx is cancelled or the publisher
// shuts down. Callbacks are handled one at a time. Errors handling a single
// callback are logged and do not stop the loop.
func (s *Sender) Run(ctx context.Context) error {
	confirms := s.publisher.Confirms()
	returns := s.publisher.Returns()
	errs := s.publisher.Errors()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-confirms:
			if !ok {
				return ErrCallbacksClosed
			}
			// Returns sent ahead of this confirm must be applied first, or
			// an unroutable message would look acked.
			returns = s.drainReturns(ctx, returns)
			if err := s.HandleConfirm(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Errorw("failed to handle confirm", "msgID", c.MessageID, "ack", c.Ack, "error", err)
			}
		case r, ok := <-returns:
			if !ok {
				return ErrCallbacksClosed
			}
			s.handleReturnLogged(ctx, r)
		case err, ok := <-errs:
			if !ok {
				return ErrCallbacksClosed
			}
			return fmt.Errorf("publisher failed: %w", err)
		}
	}
}

// drainReturns handles every return already queued without blocking. It
// returns nil once returns is closed so the caller stops selecting on it.
func (s *Sender) drainReturns(ctx context.Context, returns <-chan broker.Return) <-chan broker.Return {
	for {
		select {
		case r, ok := <-returns:
			if !ok {
				return nil
			}
			s.handleReturnLogged(ctx, r)
		default:
			return returns
		}
	}
}

func (s *Sender) handleReturnLogged(ctx context.Context, r broker.Return) {
	if err := s.HandleReturn(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Errorw("failed to handle return", "msgID", r.MessageID, "error", err)
	}
}

// ErrCallbacksClosed is returned by Run when the publisher closes its
// callback channels.
var ErrCallbacksClosed = fmt.Errorf("callback channels closed: %w", broker.ErrPublisherClosed)

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
