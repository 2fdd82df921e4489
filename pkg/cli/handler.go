package cli

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/adapter"
	"github.com/m-mizutani/lifemon/pkg/cache"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/metrics"
	"github.com/m-mizutani/lifemon/pkg/repository"
	"github.com/m-mizutani/lifemon/pkg/rocrate"
	"github.com/m-mizutani/lifemon/pkg/scheduler"
	"github.com/m-mizutani/lifemon/pkg/usecase"
	"github.com/urfave/cli/v3"
)

func newLogger(cmd *cli.Command) *slog.Logger {
	logLevel := slog.LevelWarn
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	} else if cmd.Bool("verbose") {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.EqualFold(cmd.String("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// runtime is the set of collaborators shared by the commands.
type runtime struct {
	config   *Config
	file     *model.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	repo     interfaces.Repository
	backend  interfaces.CacheBackend
	cache    *cache.Cache
	registry *adapter.Registry
	monitor  *usecase.MonitorUseCase

	closers []func()
}

func setup(ctx context.Context, cmd *cli.Command) (context.Context, *runtime, error) {
	logger := newLogger(cmd)
	ctx = ctxlog.With(ctx, logger)

	rt := &runtime{
		config:  ConfigFromCommand(cmd),
		logger:  logger,
		metrics: metrics.New(),
	}

	file, err := loadConfigFile(rt.config.ConfigPath)
	if err != nil {
		return ctx, nil, err
	}
	rt.file = file

	if err := rt.openRepository(ctx); err != nil {
		rt.Close()
		return ctx, nil, err
	}

	backend, err := cache.NewBackend(rt.config.BackendConfig())
	if err != nil {
		rt.Close()
		return ctx, nil, err
	}
	rt.backend = backend
	rt.closers = append(rt.closers, func() { _ = backend.Close() })
	rt.cache = cache.New(backend,
		cache.WithTimeouts(rt.config.Timeouts),
		cache.WithMetrics(rt.metrics),
	)

	httpClient := adapter.NewHTTPClient(logger)
	rt.registry = adapter.NewRegistry(adapter.Deps{
		Limiters: adapter.NewRateLimiters(5, 10),
		HTTP:     httpClient,
		Logger:   logger,
		Metrics:  rt.metrics,
	}, adapter.WithServiceStore(rt.repo))

	stored, err := usecase.NewTokenStorage().Tokens()
	if err != nil {
		logger.Warn("failed to read stored tokens", slog.Any("error", err))
	}
	rt.registry.Tokens().LoadTokens(os.Getenv, append(stored, file.Services...))

	mailer, announcer, err := usecase.NewDeliverers(rt.config.Delivery(file.Delivery))
	if err != nil {
		rt.Close()
		return ctx, nil, err
	}

	schedule := file.Schedule
	opts := usecase.MonitorUseCaseOptions{
		Repository:             rt.repo,
		Registry:               rt.registry,
		Loader:                 rocrate.NewLoader(httpClient),
		Cache:                  rt.cache,
		Mailer:                 mailer,
		Announcer:              announcer,
		Logger:                 logger,
		Metrics:                rt.metrics,
		PeriodicBuildThreshold: schedule.PeriodicBuildThreshold,
		NotificationRetention:  schedule.NotificationRetention,
	}
	if schedule.PeriodicBuildPause > 0 {
		pause := schedule.PeriodicBuildPause
		opts.PeriodicBuildPause = &pause
	}
	rt.monitor = usecase.NewMonitorUseCase(opts)

	return ctx, rt, nil
}

func loadConfigFile(path string) (*model.Config, error) {
	service := usecase.NewConfigService()
	if path != "" {
		return service.Load(path)
	}

	if dir, err := os.Getwd(); err == nil {
		cfg, found, err := service.LoadFromDirectory(dir)
		if err != nil {
			return nil, err
		}
		if found != "" {
			return cfg, nil
		}
	}
	return service.LoadDefault()
}

func (rt *runtime) openRepository(ctx context.Context) error {
	if rt.config.DatabaseURL == "" {
		rt.logger.Info("using in-memory repository")
		rt.repo = repository.NewMemory()
		return nil
	}

	pg, err := repository.NewPostgres(ctx, rt.config.DatabaseURL)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, pg.Close)
	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}
	rt.repo = pg
	return nil
}

func (rt *runtime) newBroker() (interfaces.Broker, error) {
	switch strings.ToLower(rt.config.Broker) {
	case "", "memory":
		return scheduler.NewMemoryBroker(), nil
	case "redis":
		addr := net.JoinHostPort(rt.config.RedisHost, strconv.Itoa(rt.config.RedisPort))
		return scheduler.NewRedisBroker(cache.NewRedisPool(addr, rt.config.RedisPassword)), nil
	}
	return nil, domain.ErrConfiguration.Wrap(goerr.New("unknown broker"), goerr.V("broker", rt.config.Broker))
}

// jobs returns the job table with the schedule overrides of the file.
func (rt *runtime) jobs() []scheduler.Job {
	jobs := scheduler.DefaultJobs(rt.config.Timeouts)
	if hour := rt.file.Schedule.PeriodicBuildHour; hour != nil {
		for i := range jobs {
			if jobs[i].Name == usecase.JobPeriodicBuilds {
				jobs[i].Trigger = scheduler.Daily(*hour, 0)
			}
		}
	}
	return jobs
}

func (rt *runtime) dispatcher(broker interfaces.Broker, opts ...scheduler.Option) *scheduler.Dispatcher {
	opts = append([]scheduler.Option{
		scheduler.WithMetrics(rt.metrics),
		scheduler.WithWorkers(rt.config.Workers),
	}, opts...)
	return scheduler.NewDispatcher(broker, rt.jobs(), rt.monitor.Jobs(), opts...)
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
