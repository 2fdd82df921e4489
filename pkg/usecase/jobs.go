package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// eachVersion calls fn for every version of every workflow. Errors of fn
// are logged and do not stop the iteration.
func (u *MonitorUseCase) eachVersion(ctx context.Context, fn func(ctx context.Context, version *model.WorkflowVersion) error) error {
	logger := ctxlog.From(ctx)

	workflows, err := u.repo.ListWorkflows(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to list workflows")
	}

	for _, wf := range workflows {
		versions, err := u.repo.ListVersions(ctx, wf.ID)
		if err != nil {
			logger.Error("failed to list versions",
				slog.String("workflow", wf.ID),
				slog.Any("error", err),
			)
			continue
		}

		for _, v := range versions {
			if err := ctx.Err(); err != nil {
				return goerr.Wrap(err, "job interrupted")
			}

			vctx := ctxlog.With(ctx, logger.With(
				slog.String("workflow", wf.ID),
				slog.String("version", v.Version),
			))
			if err := fn(vctx, v); err != nil {
				ctxlog.From(vctx).Error("failed to process workflow version", slog.Any("error", err))
			}
		}
	}
	return nil
}

// CheckWorkflows reloads the RO-Crate of every version and refreshes its
// cached status inside a cache transaction named after the version.
func (u *MonitorUseCase) CheckWorkflows(ctx context.Context) error {
	return u.eachVersion(ctx, func(ctx context.Context, v *model.WorkflowVersion) error {
		err := u.cache.WithTransaction(ctx, "version:"+v.ID, func(ctx context.Context) error {
			return u.syncVersion(ctx, v)
		})
		if err != nil {
			return err
		}

		for _, l := range u.listeners {
			l.VersionSynced(ctx, v)
		}
		return nil
	})
}

func (u *MonitorUseCase) syncVersion(ctx context.Context, v *model.WorkflowVersion) error {
	logger := ctxlog.From(ctx)

	suites, err := u.loader.LoadSuites(ctx, v)
	if err != nil {
		return goerr.Wrap(err, "failed to load test suites", goerr.V("crate", v.CrateURI))
	}

	kept := make([]*model.TestSuite, 0, len(suites))
	for _, s := range suites {
		instances := s.Instances[:0]
		for _, inst := range s.Instances {
			if _, err := u.registry.Instance(ctx, inst.Service); err != nil {
				logger.Warn("skipping test instance",
					slog.String("instance", inst.ID),
					slog.String("service", inst.Service.URL),
					slog.Any("error", err),
				)
				continue
			}
			instances = append(instances, inst)
		}
		s.Instances = instances
		kept = append(kept, s)
	}
	v.Suites = kept

	if err := u.repo.SaveVersion(ctx, v); err != nil {
		return goerr.Wrap(err, "failed to save workflow version")
	}

	report := u.aggregator.WorkflowStatus(ctx, v)
	logger.Info("workflow version synced",
		slog.Int("suites", len(v.Suites)),
		slog.String("status", string(report.Status)),
		slog.Int("issues", len(report.Issues)),
	)
	return nil
}

// CheckLastBuild plans notifications for every instance of every version
// that is not managed by the Git hosting app integration.
func (u *MonitorUseCase) CheckLastBuild(ctx context.Context) error {
	return u.eachVersion(ctx, func(ctx context.Context, v *model.WorkflowVersion) error {
		if v.AppManaged {
			return nil
		}
		logger := ctxlog.From(ctx)

		var planned []*model.Notification
		for _, inst := range v.Instances() {
			ictx := ctxlog.With(ctx, logger.With(slog.String("instance", inst.ID)))

			var n *model.Notification
			err := u.cache.WithTransaction(ictx, "instance:"+inst.ID, func(ctx context.Context) error {
				builds, err := u.resolver.Builds(ctx, v, inst, defaultHistoryLimit)
				if err != nil {
					return err
				}
				if len(builds) == 0 {
					return nil
				}
				n, err = u.planner.Plan(ctx, v.WorkflowID, inst, builds)
				return err
			})
			if err != nil {
				ctxlog.From(ictx).Warn("failed to check last build", slog.Any("error", err))
				continue
			}
			if n != nil {
				planned = append(planned, n)
			}
		}

		if len(planned) == 0 {
			return nil
		}
		inserted, err := u.repo.SaveNotifications(ctx, planned)
		if err != nil {
			return goerr.Wrap(err, "failed to save notifications", goerr.V("count", len(planned)))
		}
		if skipped := len(planned) - len(inserted); skipped > 0 {
			logger.Debug("notifications already stored by another worker", slog.Int("count", skipped))
		}

		for _, n := range inserted {
			logger.Info("notification emitted",
				slog.String("name", n.Name),
				slog.String("event", n.Event.String()),
				slog.Int("recipients", len(n.Users)),
			)
			if err := u.announcer.Deliver(ctx, n, nil); err != nil {
				logger.Warn("failed to announce notification",
					slog.String("name", n.Name),
					slog.Any("error", err),
				)
			}
		}
		return nil
	})
}

// PeriodicBuilds starts a build for every instance whose last build is older
// than the threshold, pausing between triggers.
func (u *MonitorUseCase) PeriodicBuilds(ctx context.Context) error {
	seen := make(map[string]bool)
	return u.eachVersion(ctx, func(ctx context.Context, v *model.WorkflowVersion) error {
		logger := ctxlog.From(ctx)

		for _, inst := range v.Instances() {
			key := inst.Service.URL + "|" + inst.Resource
			if seen[key] {
				continue
			}
			seen[key] = true

			started, err := u.triggerIfStale(ctx, inst)
			if err != nil {
				logger.Warn("failed to trigger periodic build",
					slog.String("instance", inst.ID),
					slog.Any("error", err),
				)
				continue
			}
			if started && u.periodicPause > 0 {
				select {
				case <-ctx.Done():
					return goerr.Wrap(ctx.Err(), "periodic builds interrupted")
				case <-u.clock.After(u.periodicPause):
				}
			}
		}
		return nil
	})
}

func (u *MonitorUseCase) triggerIfStale(ctx context.Context, inst *model.TestInstance) (bool, error) {
	svc, err := u.registry.Instance(ctx, inst.Service)
	if err != nil {
		return false, err
	}

	last, err := svc.GetLastBuild(ctx, inst)
	if err != nil && !errors.Is(err, domain.ErrEntityNotFound) {
		return false, err
	}
	if last != nil && u.clock.Since(time.Unix(last.Timestamp, 0)) <= u.periodicThreshold {
		return false, nil
	}

	ok, err := svc.StartBuild(ctx, inst, "")
	if err != nil {
		return false, err
	}
	ctxlog.From(ctx).Info("periodic build triggered",
		slog.String("instance", inst.ID),
		slog.Bool("accepted", ok),
	)
	return ok, nil
}

// SendEmailNotifications mails pending notifications to reachable users and
// marks them delivered.
func (u *MonitorUseCase) SendEmailNotifications(ctx context.Context) error {
	logger := ctxlog.From(ctx)
	if u.mailer == nil {
		logger.Debug("email delivery not configured")
		return nil
	}

	pending, err := u.repo.ListPendingDeliveries(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to list pending deliveries")
	}

	for _, p := range pending {
		var delivered []string
		for _, user := range p.Users {
			if !user.Reachable() {
				continue
			}
			if err := u.mailer.Deliver(ctx, p.Notification, []*model.User{user}); err != nil {
				u.metrics.NotificationDelivered(false)
				logger.Warn("failed to deliver notification",
					slog.String("notification", p.Notification.Name),
					slog.String("user", user.ID),
					slog.Any("error", err),
				)
				continue
			}
			u.metrics.NotificationDelivered(true)
			delivered = append(delivered, user.ID)
		}

		if len(delivered) == 0 {
			continue
		}
		if err := u.repo.MarkEmailed(ctx, p.Notification.ID, delivered, u.clock.Now().UTC()); err != nil {
			logger.Error("failed to mark notification delivered",
				slog.String("notification", p.Notification.Name),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// CleanupNotifications deletes notifications older than the retention window.
func (u *MonitorUseCase) CleanupNotifications(ctx context.Context) error {
	before := u.clock.Now().Add(-u.retention)
	n, err := u.repo.DeleteNotificationsBefore(ctx, before)
	if err != nil {
		return goerr.Wrap(err, "failed to delete notifications", goerr.V("before", before))
	}
	ctxlog.From(ctx).Info("notifications cleaned up",
		slog.Int("deleted", n),
		slog.Time("before", before),
	)
	return nil
}
