package interfaces

import (
	"context"
	"time"

	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// Repository is the narrow persistence contract of the monitoring engine.
type Repository interface {
	ListWorkflows(ctx context.Context) ([]*model.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *model.Workflow) error
	// ListVersions returns the versions of a workflow ordered by creation time.
	ListVersions(ctx context.Context, workflowID string) ([]*model.WorkflowVersion, error)
	GetVersion(ctx context.Context, id string) (*model.WorkflowVersion, error)
	// SaveVersion upserts the version with its suites and instances.
	SaveVersion(ctx context.Context, version *model.WorkflowVersion) error

	GetService(ctx context.Context, url string) (*model.ServiceRef, error)
	SaveService(ctx context.Context, ref model.ServiceRef) error

	ListSubscriptions(ctx context.Context, workflowID string) ([]*model.Subscription, error)
	// SaveSubscription replaces the event mask of (user, workflow).
	SaveSubscription(ctx context.Context, sub *model.Subscription) error
	GetUsers(ctx context.Context, ids []string) ([]*model.User, error)
	SaveUser(ctx context.Context, user *model.User) error
	// UserTokens returns the OAuth tokens of a user keyed by service URL.
	UserTokens(ctx context.Context, userID string) (map[string]model.Token, error)
	SetUserToken(ctx context.Context, userID, serviceURL string, token model.Token) error

	// FindNotificationByName returns (nil, nil) when absent.
	FindNotificationByName(ctx context.Context, name string) (*model.Notification, error)
	// LatestNotification returns the newest notification about an instance, or nil.
	LatestNotification(ctx context.Context, instanceID string) (*model.Notification, error)
	// SaveNotifications stores all notifications in one unit of work and
	// returns the inserted ones. Rows whose name already exists are left
	// untouched and are not returned.
	SaveNotifications(ctx context.Context, notifications []*model.Notification) ([]*model.Notification, error)
	ListPendingDeliveries(ctx context.Context) ([]*model.PendingDelivery, error)
	MarkEmailed(ctx context.Context, notificationID string, userIDs []string, at time.Time) error
	DeleteNotificationsBefore(ctx context.Context, before time.Time) (int, error)
}
