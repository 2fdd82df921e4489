package usecase

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// BuildSource returns recent builds of an instance within a workflow version, newest first.
type BuildSource interface {
	Builds(ctx context.Context, version *model.WorkflowVersion, instance *model.TestInstance, limit int) ([]*model.BuildRecord, error)
}

const defaultAggregateLimit = 10

type StatusAggregator struct {
	source BuildSource
	limit  int
}

func NewStatusAggregator(source BuildSource) *StatusAggregator {
	return &StatusAggregator{source: source, limit: defaultAggregateLimit}
}

// Aggregate folds the latest completed build of every instance of suites.
// Instance errors become availability issues and never fail the aggregation.
func (a *StatusAggregator) Aggregate(ctx context.Context, version *model.WorkflowVersion, suites []*model.TestSuite) *model.StatusReport {
	report := &model.StatusReport{
		Status:       model.StatusNotAvailable,
		LatestBuilds: []*model.BuildRecord{},
		Issues:       []model.AvailabilityIssue{},
	}

	if len(suites) == 0 {
		report.Issues = append(report.Issues, model.AvailabilityIssue{Issue: model.IssueNoTestSuite})
		return report
	}

	logger := ctxlog.From(ctx)
	for _, suite := range suites {
		if len(suite.Instances) == 0 {
			report.Issues = append(report.Issues, model.AvailabilityIssue{
				SuiteID: suite.ID,
				Issue:   model.IssueNoTestInstance,
			})
			continue
		}

		for _, instance := range suite.Instances {
			builds, err := a.source.Builds(ctx, version, instance, a.limit)
			if err != nil {
				logger.Warn("build history unavailable",
					slog.String("instance", instance.ID),
					slog.String("service", instance.Service.URL),
					slog.Any("error", err),
				)
				report.Issues = append(report.Issues, issueOf(suite, instance, err.Error()))
				continue
			}

			latest := latestCompleted(builds)
			if latest == nil {
				report.Issues = append(report.Issues, issueOf(suite, instance, model.IssueNoBuildForInstance))
				continue
			}
			report.LatestBuilds = append(report.LatestBuilds, latest)
		}
	}

	for _, b := range report.LatestBuilds {
		report.Status = model.UpdateStatus(report.Status, b.Status)
	}
	return report
}

// WorkflowStatus aggregates every suite of the version.
func (a *StatusAggregator) WorkflowStatus(ctx context.Context, version *model.WorkflowVersion) *model.StatusReport {
	return a.Aggregate(ctx, version, version.Suites)
}

func (a *StatusAggregator) SuiteStatus(ctx context.Context, version *model.WorkflowVersion, suite *model.TestSuite) *model.StatusReport {
	return a.Aggregate(ctx, version, []*model.TestSuite{suite})
}

func latestCompleted(builds []*model.BuildRecord) *model.BuildRecord {
	for _, b := range builds {
		if b.Status.IsTerminal() {
			return b
		}
	}
	return nil
}

func issueOf(suite *model.TestSuite, instance *model.TestInstance, msg string) model.AvailabilityIssue {
	return model.AvailabilityIssue{
		Service:    instance.Service.URL,
		Resource:   instance.Resource,
		SuiteID:    suite.ID,
		InstanceID: instance.ID,
		Issue:      msg,
	}
}
