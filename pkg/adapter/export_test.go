package adapter

import (
	"encoding/json"

	"github.com/google/go-github/v74/github"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

var (
	RepoID                = repoID
	JobName               = jobName
	SliceLog              = sliceLog
	ParseWorkflowResource = parseWorkflowResource
	ParseBuildID          = parseBuildID
	JoinArchive           = joinArchive
	GitHubRecord          = githubRecord
)

func GitHubStatus(status, conclusion string) model.BuildStatus {
	return githubStatus(&github.WorkflowRun{
		Status:     github.Ptr(status),
		Conclusion: github.Ptr(conclusion),
	})
}

func JenkinsStatus(building bool, result string) model.BuildStatus {
	return jenkinsStatus(&jenkinsBuild{Building: building, Result: result})
}

func TravisStatus(state string, finished bool) model.BuildStatus {
	b := &travisBuild{State: state}
	if finished {
		at := "2024-01-01T00:00:00Z"
		b.FinishedAt = &at
	}
	return travisStatus(b)
}

// JenkinsRecord normalizes a build payload of the Jenkins JSON API.
func JenkinsRecord(instance *model.TestInstance, payload []byte) (*model.BuildRecord, error) {
	var b jenkinsBuild
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, err
	}
	return jenkinsRecord(instance, &b), nil
}

// TravisRecord normalizes a build payload of the Travis v3 API.
func TravisRecord(svc interfaces.TestingService, instance *model.TestInstance, payload []byte) (*model.BuildRecord, error) {
	var b travisBuild
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, err
	}
	return svc.(*TravisService).record(instance, &b), nil
}
