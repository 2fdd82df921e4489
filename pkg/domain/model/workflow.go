package model

import (
	"sort"
	"time"
)

type Workflow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RefKind string

const (
	RefKindBranch RefKind = "branch"
	RefKindTag    RefKind = "tag"
)

// Revision identifies the Git reference a workflow version was built from.
type Revision struct {
	Kind      RefKind `json:"kind"`
	ShortName string  `json:"short_name"`
	Ref       string  `json:"ref"`
	Commit    string  `json:"commit"`
}

// Branch returns the branch name, or empty when the revision is not a branch.
func (r *Revision) Branch() string {
	if r == nil || r.Kind != RefKindBranch {
		return ""
	}
	return r.ShortName
}

type WorkflowVersion struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Version     string    `json:"version"`
	CrateURI    string    `json:"crate_uri"`
	AuthHint    string    `json:"auth_hint,omitempty"`
	Created     time.Time `json:"created"`
	Revision    *Revision `json:"revision,omitempty"`
	SubmitterID string    `json:"submitter_id,omitempty"`
	// AppManaged marks versions driven by the Git hosting app integration.
	AppManaged bool         `json:"app_managed,omitempty"`
	Suites     []*TestSuite `json:"suites,omitempty"`
}

// Instances flattens the instances of every suite of the version.
func (v *WorkflowVersion) Instances() []*TestInstance {
	var out []*TestInstance
	for _, s := range v.Suites {
		out = append(out, s.Instances...)
	}
	return out
}

// Neighbours returns the versions created right before and after target.
// versions need not be sorted.
func Neighbours(versions []*WorkflowVersion, target *WorkflowVersion) (prev, next *WorkflowVersion) {
	sorted := make([]*WorkflowVersion, len(versions))
	copy(sorted, versions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Created.Before(sorted[j].Created)
	})

	for i, v := range sorted {
		if v.ID != target.ID {
			continue
		}
		if i > 0 {
			prev = sorted[i-1]
		}
		if i+1 < len(sorted) {
			next = sorted[i+1]
		}
		return prev, next
	}
	return nil, nil
}

type TestDefinition struct {
	Engine        string `json:"test_engine"`
	EngineVersion string `json:"test_engine_version,omitempty"`
	Path          string `json:"path"`
}

type TestSuite struct {
	ID         string          `json:"id"`
	VersionID  string          `json:"version_id"`
	Name       string          `json:"name"`
	Definition *TestDefinition `json:"definition,omitempty"`
	Instances  []*TestInstance `json:"instances,omitempty"`
}

type ServiceKind string

const (
	ServiceJenkins ServiceKind = "jenkins"
	ServiceTravis  ServiceKind = "travis"
	ServiceGitHub  ServiceKind = "github"
)

// ServiceRef points to a CI backend.
type ServiceRef struct {
	Kind ServiceKind `json:"kind"`
	URL  string      `json:"url"`
}

type TestInstance struct {
	ID       string     `json:"id"`
	SuiteID  string     `json:"suite_id"`
	Name     string     `json:"name"`
	Service  ServiceRef `json:"service"`
	Resource string     `json:"resource"`
}
