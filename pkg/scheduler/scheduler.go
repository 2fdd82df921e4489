package scheduler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"golang.org/x/sync/errgroup"
)

// Scheduler enqueues a message for each job whenever its trigger fires.
// Only one scheduler should run against a shared broker.
type Scheduler struct {
	broker interfaces.Broker
	jobs   []Job
	opts   options
}

func NewScheduler(broker interfaces.Broker, jobs []Job, opts ...Option) *Scheduler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{broker: broker, jobs: jobs, opts: o}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		eg.Go(func() error {
			return s.loop(ctx, job)
		})
	}
	return eg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	logger := ctxlog.From(ctx).With(slog.String("job", job.Name))
	logger.Debug("job scheduled", slog.String("trigger", job.Trigger.String()))

	for {
		now := s.opts.clock.Now()
		timer := s.opts.clock.NewTimer(job.Trigger.Next(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}

		if err := s.Enqueue(ctx, job); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("failed to enqueue job", slog.Any("error", err))
		}
	}
}

// Enqueue sends one message for job regardless of its trigger.
func (s *Scheduler) Enqueue(ctx context.Context, job Job) error {
	msg := &model.JobMessage{
		ID:       uuid.NewString(),
		Job:      job.Name,
		Enqueued: s.opts.clock.Now().UTC(),
	}
	if err := s.broker.Enqueue(ctx, job.Queue, msg); err != nil {
		return goerr.Wrap(err, "failed to enqueue job", goerr.V("job", job.Name), goerr.V("queue", job.Queue))
	}
	ctxlog.From(ctx).Debug("job enqueued",
		slog.String("job", job.Name),
		slog.String("id", msg.ID),
	)
	return nil
}
