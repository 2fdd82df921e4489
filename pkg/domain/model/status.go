package model

type AggregateStatus string

const (
	StatusNotAvailable AggregateStatus = "not_available"
	StatusAllPassing   AggregateStatus = "all_passing"
	StatusAllFailing   AggregateStatus = "all_failing"
	StatusSomePassing  AggregateStatus = "some_passing"
)

// UpdateStatus folds one completed build outcome into the current status.
// ERROR builds fold as failures.
func UpdateStatus(current AggregateStatus, build BuildStatus) AggregateStatus {
	passed := build == BuildStatusPassed
	switch current {
	case StatusNotAvailable:
		if passed {
			return StatusAllPassing
		}
		return StatusAllFailing
	case StatusAllPassing:
		if passed {
			return StatusAllPassing
		}
		return StatusSomePassing
	case StatusAllFailing:
		if passed {
			return StatusSomePassing
		}
		return StatusAllFailing
	default:
		return StatusSomePassing
	}
}

const (
	IssueNoTestSuite        = "no test suite"
	IssueNoTestInstance     = "no test instance for suite"
	IssueNoBuildForInstance = "no build found for instance"
)

// AvailabilityIssue explains why an instance did not contribute to a status.
type AvailabilityIssue struct {
	Service    string `json:"service,omitempty"`
	Resource   string `json:"resource,omitempty"`
	SuiteID    string `json:"suite_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Issue      string `json:"issue"`
}

type StatusReport struct {
	Status       AggregateStatus     `json:"status"`
	LatestBuilds []*BuildRecord      `json:"latest_builds"`
	Issues       []AvailabilityIssue `json:"issues"`
}
