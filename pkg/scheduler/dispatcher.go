package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"golang.org/x/sync/errgroup"
)

// Handler runs a job once.
type Handler = func(ctx context.Context) error

// Dispatcher consumes job messages and runs the matching handlers.
type Dispatcher struct {
	broker   interfaces.Broker
	jobs     map[string]Job
	handlers map[string]Handler
	queues   []string
	opts     options
}

func NewDispatcher(broker interfaces.Broker, jobs []Job, handlers map[string]Handler, opts ...Option) *Dispatcher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Dispatcher{
		broker:   broker,
		jobs:     make(map[string]Job, len(jobs)),
		handlers: handlers,
		queues:   o.queues,
		opts:     o,
	}
	for _, j := range jobs {
		d.jobs[j.Name] = j
	}
	if len(d.queues) == 0 {
		d.queues = Queues(jobs)
	}
	return d
}

// Run consumes every queue with the configured number of workers until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, queue := range d.queues {
		for range d.opts.workers {
			eg.Go(func() error {
				d.consume(ctx, queue)
				return nil
			})
		}
	}
	return eg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, queue string) {
	logger := ctxlog.From(ctx).With(slog.String("queue", queue))

	for ctx.Err() == nil {
		msg, err := d.broker.Dequeue(ctx, queue, d.opts.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue job message", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-d.opts.clock.After(d.opts.wait):
			}
			continue
		}
		if msg == nil {
			continue
		}

		if err := d.Process(ctx, msg); err != nil {
			logger.Error("job failed",
				slog.String("job", msg.Job),
				slog.String("id", msg.ID),
				slog.Any("error", err),
			)
		}
	}
}

// Process runs the handler of msg with the retry budget of its job.
// Expired messages are dropped without running.
func (d *Dispatcher) Process(ctx context.Context, msg *model.JobMessage) error {
	job, ok := d.jobs[msg.Job]
	handler := d.handlers[msg.Job]
	if !ok || handler == nil {
		return domain.ErrInvalidArgument.Wrap(goerr.New("unknown job"), goerr.V("job", msg.Job))
	}

	logger := ctxlog.From(ctx).With(
		slog.String("job", msg.Job),
		slog.String("id", msg.ID),
	)

	if age := d.opts.clock.Since(msg.Enqueued); job.MaxAge > 0 && age > job.MaxAge {
		logger.Warn("dropping expired job message",
			slog.Duration("age", age),
			slog.Duration("max_age", job.MaxAge),
		)
		return nil
	}

	jctx := ctxlog.With(ctx, logger)
	started := d.opts.clock.Now()
	logger.Info("job started")

	_, err := backoff.Retry(jctx, func() (struct{}, error) {
		return struct{}{}, handler(jctx)
	},
		backoff.WithBackOff(d.opts.newBackOff()),
		backoff.WithMaxTries(uint(job.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("job attempt failed",
				slog.Any("error", err),
				slog.Duration("retry_in", next),
			)
		}),
	)

	elapsed := d.opts.clock.Since(started)
	d.opts.metrics.JobFinished(msg.Job, elapsed, err == nil)
	if err != nil {
		return goerr.Wrap(err, "job failed", goerr.V("job", msg.Job))
	}

	logger.Info("job finished", slog.Duration("elapsed", elapsed))
	return nil
}
