package interfaces

import (
	"context"

	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// Deliverer sends a notification to its recipients.
type Deliverer interface {
	Deliver(ctx context.Context, notification *model.Notification, users []*model.User) error
}
