package interfaces

import (
	"context"

	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// TestingService is the uniform view of a CI backend.
type TestingService interface {
	Kind() model.ServiceKind
	URL() string

	CheckConnection(ctx context.Context) (bool, error)

	// GetLastBuild and its variants return (nil, nil) when no such build exists.
	GetLastBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error)
	GetLastPassedBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error)
	GetLastFailedBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error)

	GetBuild(ctx context.Context, instance *model.TestInstance, id string) (*model.BuildRecord, error)
	// GetBuilds returns at most limit builds, newest first.
	GetBuilds(ctx context.Context, instance *model.TestInstance, limit int) ([]*model.BuildRecord, error)
	// GetBuildLog returns log[offset:offset+limit]; limit 0 reads to the end.
	GetBuildLog(ctx context.Context, instance *model.TestInstance, id string, offset, limit int) (string, error)
	// StartBuild triggers a new build, or re-runs id when given.
	StartBuild(ctx context.Context, instance *model.TestInstance, id string) (bool, error)

	InstanceLink(instance *model.TestInstance) string
	BuildLink(build *model.BuildRecord) string
}

// RevisionAwareService can filter history by branch or creation window.
type RevisionAwareService interface {
	TestingService
	ListBuilds(ctx context.Context, instance *model.TestInstance, filter model.BuildFilter) ([]*model.BuildRecord, error)
}

// ServiceRegistry resolves the TestingService serving a backend reference.
type ServiceRegistry interface {
	Instance(ctx context.Context, ref model.ServiceRef) (TestingService, error)
}
