package interfaces

import (
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// Display renders aggregated status for humans.
type Display interface {
	ShowWorkflow(workflow *model.Workflow, version *model.WorkflowVersion, report *model.StatusReport)
	ShowSuite(suite *model.TestSuite, report *model.StatusReport)
	Flush() error
}
