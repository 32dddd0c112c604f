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
	"github.com/ava-labs/reliable-mq/pkg/scheduler"
)

const (
	reconcileJobRetries = 2
	reconcileJobBackoff = time.Second
)

// run serves broker callbacks for the send records and sweeps both record
// tables on a schedule until SIGINT or SIGTERM.
func run(c *cli.Context) error {
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

	sched := scheduler.New(sugar.Named("scheduler"))
	err = sched.Add(scheduler.Job{
		Name:    "reconcile",
		Spec:    e.cfg.ReconcileSchedule,
		Run:     rec.RunOnce,
		Retries: reconcileJobRetries,
		Backoff: reconcileJobBackoff,
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}

	metricsErrCh, stopMetrics := e.startMetricsServer(b.checks)
	defer stopMetrics()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sender.Run(gctx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return waitMetricsServer(gctx, metricsErrCh)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	} else if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	sugar.Info("shutdown complete")
	return err
}
