package interfaces

import (
	"context"

	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// CrateLoader fetches the RO-Crate of a version and returns the declared test suites.
type CrateLoader interface {
	LoadSuites(ctx context.Context, version *model.WorkflowVersion) ([]*model.TestSuite, error)
}
