package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/reliable-mq/pkg/broker"
	"github.com/ava-labs/reliable-mq/pkg/outbox"
	"github.com/ava-labs/reliable-mq/pkg/record"
)

type outcome string

const (
	outcomeAcked    outcome = "acked"
	outcomeReturned outcome = "returned"
	outcomeFailed   outcome = "failed"
)

// publish provides one message, then handles broker callbacks until the
// message is acked, returned or has exhausted its retries. The msg_id is
// printed to stdout.
func publish(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.sync()
	sugar := e.log

	ctx := c.Context
	b := &backends{}
	defer b.close()
	if err := openStores(ctx, e.cfg, b, sugar); err != nil {
		return err
	}
	publisher, err := openPublisher(ctx, e.cfg, e.routes, b, sugar)
	if err != nil {
		return err
	}
	sender := outbox.NewSender(e.cfg.Outbox, e.routes, b.sends, publisher, sugar.Named("sender"), e.metrics)

	provide := sender.Provide
	if c.Bool("raw") {
		provide = sender.ProvideRaw
	}
	msgID, err := provide(ctx, c.String("trace-id"), c.String("business-type"), c.String("search-key"), c.String("payload"))
	if msgID != "" {
		fmt.Fprintln(c.App.Writer, msgID)
	}
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.Duration("confirm-timeout"))
	defer cancel()
	out, err := awaitOutcome(waitCtx, publisher, sender, b.sends, msgID)
	if err != nil {
		return fmt.Errorf("no broker outcome for %s: %w", msgID, err)
	}
	sugar.Infow("publish finished", "msgID", msgID, "outcome", out)
	if out != outcomeAcked {
		return fmt.Errorf("message %s %s", msgID, out)
	}
	return nil
}

// awaitOutcome feeds publisher callbacks to sender until one settles msgID.
// A nack that leads to a republish keeps waiting.
func awaitOutcome(
	ctx context.Context,
	publisher broker.Publisher,
	sender *outbox.Sender,
	store record.Store,
	msgID string,
) (outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case conf, ok := <-publisher.Confirms():
			if !ok {
				return "", outbox.ErrCallbacksClosed
			}
			// A return queued ahead of the ack decides the outcome.
			returned, err := drainReturns(ctx, publisher, sender, msgID)
			if err != nil {
				return "", err
			}
			if returned {
				return outcomeReturned, nil
			}
			if err := sender.HandleConfirm(ctx, conf); err != nil {
				return "", err
			}
			if conf.MessageID != msgID {
				continue
			}
			if conf.Ack {
				return outcomeAcked, nil
			}
			rec, found, err := store.FindByMsgID(ctx, msgID)
			if err != nil {
				return "", err
			}
			if !found || rec.Status == record.StatusFail {
				return outcomeFailed, nil
			}

		case ret, ok := <-publisher.Returns():
			if !ok {
				return "", outbox.ErrCallbacksClosed
			}
			if err := sender.HandleReturn(ctx, ret); err != nil {
				return "", err
			}
			if ret.MessageID == msgID {
				return outcomeReturned, nil
			}

		case err, ok := <-publisher.Errors():
			if !ok {
				return "", outbox.ErrCallbacksClosed
			}
			return "", fmt.Errorf("publisher failed: %w", err)
		}
	}
}

// drainReturns hands every return already queued to sender without blocking
// and reports whether one of them was for msgID.
func drainReturns(ctx context.Context, publisher broker.Publisher, sender *outbox.Sender, msgID string) (bool, error) {
	returned := false
	for {
		select {
		case ret, ok := <-publisher.Returns():
			if !ok {
				return returned, nil
			}
			if err := sender.HandleReturn(ctx, ret); err != nil {
				return false, err
			}
			returned = returned || ret.MessageID == msgID
		default:
			return returned, nil
		}
	}
}
