package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/scheduler"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func workerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "workers",
			Aliases: []string{"w"},
			Usage:   "Concurrent consumers per queue",
			Value:   1,
			Sources: cli.EnvVars("LIFEMON_WORKERS"),
		},
	}
}

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler, a dispatcher and the metrics endpoint",
		Flags: append(workerFlags(),
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Listen address of the metrics endpoint; empty disables it",
				Value:   NewConfig().MetricsAddr,
				Sources: cli.EnvVars("LIFEMON_METRICS_ADDR"),
			},
		),
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	ctx, rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	broker, err := rt.newBroker()
	if err != nil {
		return err
	}
	defer broker.Close()

	jobs := rt.jobs()
	sched := scheduler.NewScheduler(broker, jobs)
	dispatcher := rt.dispatcher(broker)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sched.Run(ctx) })
	eg.Go(func() error { return dispatcher.Run(ctx) })

	if addr := rt.config.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		eg.Go(func() error {
			rt.logger.Info("metrics endpoint started", slog.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return goerr.Wrap(err, "metrics endpoint failed", goerr.V("addr", addr))
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	rt.logger.Info("lifemon started", slog.Int("jobs", len(jobs)), slog.String("broker", rt.config.Broker))
	return eg.Wait()
}

func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume jobs from the broker without scheduling them",
		Flags: append(workerFlags(),
			&cli.StringSliceFlag{
				Name:    "queue",
				Aliases: []string{"q"},
				Usage:   "Queues to consume; all queues when omitted",
			},
		),
		Action: workerAction,
	}
}

func workerAction(ctx context.Context, cmd *cli.Command) error {
	ctx, rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	broker, err := rt.newBroker()
	if err != nil {
		return err
	}
	defer broker.Close()

	var opts []scheduler.Option
	if queues := cmd.StringSlice("queue"); len(queues) > 0 {
		opts = append(opts, scheduler.WithQueues(queues...))
	}
	return rt.dispatcher(broker, opts...).Run(ctx)
}

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one job once in this process",
		ArgsUsage: "<job>",
		Action:    runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return domain.ErrInvalidArgument.Wrap(goerr.New("job name is required"))
	}

	ctx, rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, ok := rt.monitor.Jobs()[name]; !ok {
		return domain.ErrInvalidArgument.Wrap(goerr.New("unknown job"), goerr.V("job", name))
	}

	ctxlog.From(ctx).Info("running job", slog.String("job", name))
	return rt.dispatcher(nil).Process(ctx, &model.JobMessage{
		ID:       uuid.NewString(),
		Job:      name,
		Enqueued: time.Now().UTC(),
	})
}
