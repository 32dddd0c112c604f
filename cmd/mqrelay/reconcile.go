package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/reliable-mq/pkg/outbox"
	"github.com/ava-labs/reliable-mq/pkg/reconciler"
)

// reconcile runs one send sweep and one receive sweep, then keeps handling
// broker callbacks for drain-timeout so republished messages get their
// confirms recorded.
func reconcile(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.sync()
	sugar := e.log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := &backends{}
	defer b.close()
	if err := openStores(ctx, e.cfg, b, sugar); err != nil {
		return err
	}
	if err := openLocker(ctx, e.cfg, b, sugar); err != nil {
		return err
	}
	publisher, err := openPublisher(ctx, e.cfg, e.routes, b, sugar)
	if err != nil {
		return err
	}

	sender := outbox.NewSender(e.cfg.Outbox, e.routes, b.sends, publisher, sugar.Named("sender"), e.metrics)
	rec := reconciler.New(e.cfg.Reconciler, b.sends, b.receives, b.locker, sender, sugar.Named("reconciler"), e.metrics)

	senderCtx, cancelSender := context.WithCancel(ctx)
	defer cancelSender()
	g, gctx := errgroup.WithContext(senderCtx)
	g.Go(func() error {
		return sender.Run(gctx)
	})

	sendStats, sendErr := rec.SweepSend(ctx)
	sugar.Infow("send sweep finished", "pages", sendStats.Pages, "candidates", sendStats.Candidates,
		"attempted", sendStats.Attempted, "skipped", sendStats.Skipped, "failed", sendStats.Failed)
	recvStats, recvErr := rec.SweepReceive(ctx)
	sugar.Infow("receive sweep finished", "pages", recvStats.Pages, "candidates", recvStats.Candidates,
		"attempted", recvStats.Attempted, "skipped", recvStats.Skipped, "failed", recvStats.Failed)

	if sendStats.Attempted+recvStats.Attempted > 0 {
		drain := c.Duration("drain-timeout")
		sugar.Infow("waiting for broker callbacks", "timeout", drain)
		select {
		case <-time.After(drain):
		case <-gctx.Done():
		}
	}
	cancelSender()

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if err := errors.Join(sendErr, recvErr, runErr); err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	return nil
}
