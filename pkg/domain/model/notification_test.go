package model_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

func TestSubscriptionHasEvent(t *testing.T) {
	t.Run("ALL matches every event", func(t *testing.T) {
		s := &model.Subscription{Events: []model.EventType{model.EventAll}}
		gt.True(t, s.HasEvent(model.EventBuildFailed))
		gt.True(t, s.HasEvent(model.EventBuildRecovered))
	})

	t.Run("explicit mask", func(t *testing.T) {
		s := &model.Subscription{Events: []model.EventType{model.EventBuildFailed}}
		gt.True(t, s.HasEvent(model.EventBuildFailed))
		gt.False(t, s.HasEvent(model.EventBuildRecovered))
	})

	t.Run("empty mask", func(t *testing.T) {
		s := &model.Subscription{}
		gt.False(t, s.HasEvent(model.EventBuildFailed))
	})
}

func TestUserReachable(t *testing.T) {
	gt.True(t, (&model.User{Email: "a@example.org", NotificationsEnabled: true}).Reachable())
	gt.False(t, (&model.User{Email: "a@example.org"}).Reachable())
	gt.False(t, (&model.User{NotificationsEnabled: true}).Reachable())
}

func TestNotificationBuild(t *testing.T) {
	n := &model.Notification{Data: []byte(`{"id":"42_1","status":"failed","build_number":42}`)}
	b, err := n.Build()
	gt.NoError(t, err)
	gt.Equal(t, b.ID, "42_1")
	gt.Equal(t, b.Status, model.BuildStatusFailed)
	gt.Equal(t, b.BuildNumber, int64(42))
}
