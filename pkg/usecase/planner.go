package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/metrics"
)

// NotificationPlanner turns a refreshed build history into at most one
// notification about a status transition of the instance.
type NotificationPlanner struct {
	repo    interfaces.Repository
	clock   clock.Clock
	metrics *metrics.Collector
}

func NewNotificationPlanner(repo interfaces.Repository, clk clock.Clock, m *metrics.Collector) *NotificationPlanner {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &NotificationPlanner{repo: repo, clock: clk, metrics: m}
}

// NotificationName is the stable identity of a notification about build.
func NotificationName(build *model.BuildRecord, instance *model.TestInstance, event model.EventType) string {
	direction := "FAILED"
	if event == model.EventBuildRecovered {
		direction = "RECOVERED"
	}
	return fmt.Sprintf("%s@%s %s", build.ID, instance.ID, direction)
}

// Plan returns the notification to emit for builds (newest first), or nil.
// The result is not persisted.
func (p *NotificationPlanner) Plan(ctx context.Context, workflowID string, instance *model.TestInstance, builds []*model.BuildRecord) (*model.Notification, error) {
	completed := make([]*model.BuildRecord, 0, len(builds))
	for _, b := range builds {
		if !b.Status.IsTransient() {
			completed = append(completed, b)
		}
	}
	if len(completed) == 0 {
		return nil, nil
	}

	b0 := completed[0]
	if b0.Status != model.BuildStatusPassed && b0.Status != model.BuildStatusFailed {
		return nil, nil
	}

	last, err := p.repo.LatestNotification(ctx, instance.ID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get latest notification", goerr.V("instance", instance.ID))
	}

	event, ok := transition(b0, completed, last)
	if !ok {
		return nil, nil
	}

	name := NotificationName(b0, instance, event)
	existing, err := p.repo.FindNotificationByName(ctx, name)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to look up notification", goerr.V("name", name))
	}
	if existing != nil {
		return nil, nil
	}

	subs, err := p.repo.ListSubscriptions(ctx, workflowID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list subscriptions", goerr.V("workflow", workflowID))
	}

	data, err := json.Marshal(b0)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode build", goerr.V("build", b0.ID))
	}

	n := &model.Notification{
		ID:         uuid.NewString(),
		Name:       name,
		Event:      event,
		WorkflowID: workflowID,
		InstanceID: instance.ID,
		Data:       data,
		Created:    p.clock.Now().UTC(),
		Users:      []model.UserNotification{},
	}
	for _, s := range subs {
		if s.HasEvent(event) {
			n.Users = append(n.Users, model.UserNotification{UserID: s.UserID})
		}
	}

	p.metrics.NotificationEmitted(event.String())
	return n, nil
}

func transition(b0 *model.BuildRecord, completed []*model.BuildRecord, last *model.Notification) (model.EventType, bool) {
	failed := b0.Status == model.BuildStatusFailed

	if last != nil {
		if failed {
			return model.EventBuildFailed, last.Event != model.EventBuildFailed
		}
		return model.EventBuildRecovered, last.Event == model.EventBuildFailed
	}

	if failed {
		return model.EventBuildFailed, true
	}
	if len(completed) > 1 && completed[1].Status == model.BuildStatusFailed {
		return model.EventBuildRecovered, true
	}
	return 0, false
}
