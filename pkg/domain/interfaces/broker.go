package interfaces

import (
	"context"
	"time"

	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// Broker carries job messages from the scheduler to workers.
type Broker interface {
	Enqueue(ctx context.Context, queue string, msg *model.JobMessage) error
	// Dequeue blocks up to wait; it returns (nil, nil) when nothing arrived.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (*model.JobMessage, error)
	Close() error
}

// SyncListener is told about versions refreshed by the workflow check.
type SyncListener interface {
	VersionSynced(ctx context.Context, version *model.WorkflowVersion)
}
