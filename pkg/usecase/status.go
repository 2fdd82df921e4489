package usecase

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// ShowStatus renders the status of the latest version of each workflow and
// of its suites. An empty workflowID shows every workflow.
func (u *MonitorUseCase) ShowStatus(ctx context.Context, workflowID string, display interfaces.Display) error {
	var workflows []*model.Workflow
	if workflowID != "" {
		wf, err := u.repo.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		workflows = append(workflows, wf)
	} else {
		all, err := u.repo.ListWorkflows(ctx)
		if err != nil {
			return goerr.Wrap(err, "failed to list workflows")
		}
		workflows = all
	}

	for _, wf := range workflows {
		versions, err := u.repo.ListVersions(ctx, wf.ID)
		if err != nil {
			return goerr.Wrap(err, "failed to list versions", goerr.V("workflow", wf.ID))
		}
		if len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]

		err = u.cache.WithTransaction(ctx, "status:"+latest.ID, func(ctx context.Context) error {
			display.ShowWorkflow(wf, latest, u.aggregator.WorkflowStatus(ctx, latest))
			for _, s := range latest.Suites {
				display.ShowSuite(s, u.aggregator.SuiteStatus(ctx, latest, s))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return display.Flush()
}
