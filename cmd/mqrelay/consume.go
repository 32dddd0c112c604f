package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/reliable-mq/pkg/inbox"
)

var errConsumerStopped = errors.New("consumer stopped before shutdown")

// consume runs the inbox for one business type with a handler that logs each
// payload. It is the reference consumer for a route.
func consume(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.sync()

	businessType := c.String("business-type")
	route, err := e.routes.Lookup(businessType)
	if err != nil {
		return err
	}
	source := consumeSource(e.cfg, route)
	sugar := e.log.With("businessType", businessType, "source", source)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := &backends{}
	defer b.close()
	if err := openStores(ctx, e.cfg, b, sugar); err != nil {
		return err
	}

	receiver := inbox.NewReceiver(e.cfg.Inbox, b.receives, sugar.Named("receiver"), e.metrics)
	handler := receiver.Handle(logPayload(sugar))
	if c.Bool("raw") {
		handler = receiver.HandleRaw(source, businessType, logPayload(sugar))
	}

	cons, err := openConsumer(ctx, e.cfg, e.routes, route, handler, b, sugar, e.metrics)
	if err != nil {
		return err
	}

	metricsErrCh, stopMetrics := e.startMetricsServer(b.checks)
	defer stopMetrics()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := cons.Start(gctx)
		if err == nil && gctx.Err() == nil {
			err = errConsumerStopped
		}
		if err != nil {
			return fmt.Errorf("consumer failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return waitMetricsServer(gctx, metricsErrCh)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	} else if err != nil {
		sugar.Errorw("consume failed", "error", err)
	}
	return err
}

func logPayload(log *zap.SugaredLogger) inbox.Handler {
	return func(_ context.Context, payload string) error {
		log.Infow("message received", "payload", payload)
		return nil
	}
}
