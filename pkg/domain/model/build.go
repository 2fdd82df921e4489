package model

import "time"

type BuildStatus string

const (
	BuildStatusPassed  BuildStatus = "passed"
	BuildStatusFailed  BuildStatus = "failed"
	BuildStatusError   BuildStatus = "error"
	BuildStatusRunning BuildStatus = "running"
	BuildStatusWaiting BuildStatus = "waiting"
	BuildStatusAborted BuildStatus = "aborted"
)

// IsTransient reports whether the build may still change its outcome.
func (s BuildStatus) IsTransient() bool {
	return s == BuildStatusRunning || s == BuildStatusWaiting
}

// IsTerminal reports whether the build counts as a completed test outcome.
// ABORTED builds are complete but carry no outcome.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildStatusPassed, BuildStatusFailed, BuildStatusError:
		return true
	}
	return false
}

type BuildResult string

const (
	BuildResultNone    BuildResult = ""
	BuildResultSuccess BuildResult = "success"
	BuildResultFailed  BuildResult = "failed"
)

// BuildRecord is the backend independent view of a single CI build.
type BuildRecord struct {
	ID          string      `json:"id"`
	InstanceID  string      `json:"instance_id"`
	BuildNumber int64       `json:"build_number"`
	Status      BuildStatus `json:"status"`
	Result      BuildResult `json:"result,omitempty"`
	Timestamp   int64       `json:"timestamp"`
	Duration    int64       `json:"duration"`
	Revision    string      `json:"revision,omitempty"`
	Branch      string      `json:"branch,omitempty"`
	Created     time.Time   `json:"created"`
	URL         string      `json:"url"`
}

// ResultOf derives the build result from its status.
func ResultOf(status BuildStatus) BuildResult {
	switch {
	case status.IsTransient():
		return BuildResultNone
	case status == BuildStatusPassed:
		return BuildResultSuccess
	default:
		return BuildResultFailed
	}
}

// AllCompleted is true when no build in the list is RUNNING or WAITING.
func AllCompleted(builds []*BuildRecord) bool {
	for _, b := range builds {
		if b.Status.IsTransient() {
			return false
		}
	}
	return true
}

// BuildFilter narrows a build history query.
type BuildFilter struct {
	Branch      string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
}

// Match reports whether the build satisfies branch and created window constraints.
// CreatedFrom is inclusive and CreatedTo is exclusive.
func (f BuildFilter) Match(b *BuildRecord) bool {
	if f.Branch != "" && b.Branch != f.Branch {
		return false
	}
	if f.CreatedFrom != nil && b.Created.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && !b.Created.Before(*f.CreatedTo) {
		return false
	}
	return true
}

// Windowed reports whether a created window is set.
func (f BuildFilter) Windowed() bool {
	return f.CreatedFrom != nil || f.CreatedTo != nil
}
