// Package scheduler triggers periodic jobs, such as reconciler sweeps, from
// cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultRetries = 2
	defaultBackoff = 300 * time.Millisecond
)

// Job is one scheduled unit of work. Run receives the scheduler's context.
type Job struct {
	Name string
	// Spec is a cron expression ("*/5 * * * *", optionally with a leading
	// seconds field) or a descriptor ("@every 1m", "@hourly").
	Spec string
	Run  func(ctx context.Context) error
	// Retries is how many times a failed run is retried before giving up
	// until the next tick. Negative means the default.
	Retries int
	Backoff time.Duration
}

// Scheduler runs jobs on cron schedules. A run still in progress when its
// next tick fires causes that tick to be skipped, and a panicking job is
// recovered and logged.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.SugaredLogger
	ctx  context.Context
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func New(log *zap.SugaredLogger) *Scheduler {
	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Desugar().Named("cron")))
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log: log,
		ctx: context.Background(),
	}
}

// Add registers a job. Jobs must be added before Run.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}
	if job.Retries < 0 {
		job.Retries = defaultRetries
	}
	if job.Backoff <= 0 {
		job.Backoff = defaultBackoff
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(s.ctx, job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", job.Spec, job.Name, err)
	}
	return nil
}

// Run starts the schedule and blocks until ctx is done, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.log.Infow("scheduler started", "jobs", len(s.cron.Entries()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Infow("scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	start := time.Now()
	var err error
	for attempt := 0; attempt <= job.Retries; attempt++ {
		if err = job.Run(ctx); err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < job.Retries {
			s.log.Warnw("job failed, retrying", "job", job.Name, "attempt", attempt+1, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(job.Backoff):
			}
		}
	}
	if err != nil {
		s.log.Errorw("job failed", "job", job.Name, "duration", time.Since(start), "error", err)
		return
	}
	s.log.Debugw("job finished", "job", job.Name, "duration", time.Since(start))
}
