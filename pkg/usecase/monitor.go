package usecase

import (
	"context"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/m-mizutani/lifemon/pkg/cache"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/metrics"
)

const (
	JobCheckWorkflows         = "check_workflows"
	JobCheckLastBuild         = "check_last_build"
	JobPeriodicBuilds         = "periodic_builds"
	JobSendEmailNotifications = "send_email_notifications"
	JobCleanupNotifications   = "cleanup_notifications"
)

const (
	defaultHistoryLimit          = 10
	defaultPeriodicThreshold     = 24 * time.Hour
	defaultPeriodicPause         = 10 * time.Second
	defaultNotificationRetention = 7 * 24 * time.Hour
)

// MonitorUseCase runs the background monitoring jobs.
type MonitorUseCase struct {
	repo       interfaces.Repository
	registry   interfaces.ServiceRegistry
	loader     interfaces.CrateLoader
	cache      *cache.Cache
	resolver   *BuildHistoryResolver
	aggregator *StatusAggregator
	planner    *NotificationPlanner
	mailer     interfaces.Deliverer
	announcer  interfaces.Deliverer
	listeners  []interfaces.SyncListener
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Collector

	periodicThreshold time.Duration
	periodicPause     time.Duration
	retention         time.Duration
}

type MonitorUseCaseOptions struct {
	Repository interfaces.Repository
	Registry   interfaces.ServiceRegistry
	Loader     interfaces.CrateLoader
	Cache      *cache.Cache
	// Mailer sends email to subscribed users; email jobs are skipped when nil.
	Mailer interfaces.Deliverer
	// Announcer receives every new notification once, e.g. Slack.
	Announcer interfaces.Deliverer
	Listeners []interfaces.SyncListener
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Collector

	PeriodicBuildThreshold time.Duration
	PeriodicBuildPause     *time.Duration
	NotificationRetention  time.Duration
}

func NewMonitorUseCase(opts MonitorUseCaseOptions) *MonitorUseCase {
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := opts.Cache
	if c == nil {
		c = cache.New(cache.NullBackend{})
	}

	u := &MonitorUseCase{
		repo:              opts.Repository,
		registry:          opts.Registry,
		loader:            opts.Loader,
		cache:             c,
		mailer:            opts.Mailer,
		announcer:         opts.Announcer,
		listeners:         opts.Listeners,
		clock:             clk,
		logger:            logger,
		metrics:           opts.Metrics,
		periodicThreshold: opts.PeriodicBuildThreshold,
		periodicPause:     defaultPeriodicPause,
		retention:         opts.NotificationRetention,
	}
	if u.periodicThreshold == 0 {
		u.periodicThreshold = defaultPeriodicThreshold
	}
	if opts.PeriodicBuildPause != nil {
		u.periodicPause = *opts.PeriodicBuildPause
	}
	if u.retention == 0 {
		u.retention = defaultNotificationRetention
	}
	if u.announcer == nil {
		u.announcer = NewNoOpDeliverer()
	}

	u.resolver = NewBuildHistoryResolver(opts.Registry, opts.Repository, c)
	u.aggregator = NewStatusAggregator(u.resolver)
	u.planner = NewNotificationPlanner(opts.Repository, clk, opts.Metrics)
	return u
}

func (u *MonitorUseCase) Resolver() *BuildHistoryResolver {
	return u.resolver
}

func (u *MonitorUseCase) Aggregator() *StatusAggregator {
	return u.aggregator
}

// Jobs maps job names to their entry points.
func (u *MonitorUseCase) Jobs() map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		JobCheckWorkflows:         u.CheckWorkflows,
		JobCheckLastBuild:         u.CheckLastBuild,
		JobPeriodicBuilds:         u.PeriodicBuilds,
		JobSendEmailNotifications: u.SendEmailNotifications,
		JobCleanupNotifications:   u.CleanupNotifications,
	}
}
