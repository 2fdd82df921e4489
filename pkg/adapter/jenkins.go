package adapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/metrics"
)

type JenkinsService struct {
	ref     model.ServiceRef
	rest    *restClient
	logger  *slog.Logger
	metrics *metrics.Collector
}

func NewJenkinsService(ref model.ServiceRef, deps Deps) (interfaces.TestingService, error) {
	if _, err := url.Parse(ref.URL); err != nil || ref.URL == "" {
		return nil, domain.ErrConfiguration.Wrap(goerr.New("invalid jenkins url"), goerr.V("url", ref.URL))
	}

	tokens := deps.Tokens
	return &JenkinsService{
		ref: ref,
		rest: &restClient{
			service:  ref.URL,
			http:     deps.HTTP,
			limiters: deps.Limiters,
			prepare: func(ctx context.Context, req *http.Request) {
				token, ok := tokens.Lookup(ctx, ref)
				if !ok {
					return
				}
				if user, pass, found := strings.Cut(token.Secret, ":"); found {
					req.SetBasicAuth(user, pass)
					return
				}
				req.Header.Set("Authorization", "Bearer "+token.Secret)
			},
		},
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}, nil
}

type jenkinsBuildRef struct {
	Number int64  `json:"number"`
	URL    string `json:"url"`
}

type jenkinsJob struct {
	Name                string            `json:"name"`
	URL                 string            `json:"url"`
	LastBuild           *jenkinsBuildRef  `json:"lastBuild"`
	LastSuccessfulBuild *jenkinsBuildRef  `json:"lastSuccessfulBuild"`
	LastFailedBuild     *jenkinsBuildRef  `json:"lastFailedBuild"`
	Builds              []jenkinsBuildRef `json:"builds"`
}

type jenkinsBuild struct {
	Number    int64  `json:"number"`
	Building  bool   `json:"building"`
	Result    string `json:"result"`
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration"`
	URL       string `json:"url"`
	Actions   []struct {
		LastBuiltRevision *struct {
			SHA1   string `json:"SHA1"`
			Branch []struct {
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"lastBuiltRevision"`
	} `json:"actions"`
}

func (s *JenkinsService) Kind() model.ServiceKind { return model.ServiceJenkins }
func (s *JenkinsService) URL() string             { return s.ref.URL }

// jobName is the last non-empty segment of the resource path.
func jobName(resource string) (string, error) {
	parts := strings.Split(resource, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i], nil
		}
	}
	return "", domain.ErrSpecificationNotValid.Wrap(goerr.New("cannot derive jenkins job name"),
		goerr.V("resource", resource))
}

func (s *JenkinsService) jobURL(instance *model.TestInstance) (string, error) {
	name, err := jobName(instance.Resource)
	if err != nil {
		return "", err
	}
	return s.ref.URL + "/job/" + url.PathEscape(name), nil
}

func (s *JenkinsService) CheckConnection(ctx context.Context) (bool, error) {
	_, err := s.rest.do(ctx, http.MethodGet, s.ref.URL+"/api/json", nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrTestingService) || errors.Is(err, domain.ErrRateLimitExceeded) {
		return false, err
	}
	s.logger.Info("jenkins connection check failed",
		slog.String("url", s.ref.URL),
		slog.Any("error", err),
	)
	return false, nil
}

func (s *JenkinsService) jobInfo(ctx context.Context, instance *model.TestInstance) (*jenkinsJob, error) {
	jobURL, err := s.jobURL(instance)
	if err != nil {
		return nil, err
	}
	var job jenkinsJob
	if err := s.rest.getJSON(ctx, jobURL+"/api/json", &job); err != nil {
		s.metrics.BackendError(string(s.Kind()), errorKind(err))
		return nil, err
	}
	return &job, nil
}

func (s *JenkinsService) buildInfo(ctx context.Context, instance *model.TestInstance, number int64) (*model.BuildRecord, error) {
	jobURL, err := s.jobURL(instance)
	if err != nil {
		return nil, err
	}
	var b jenkinsBuild
	if err := s.rest.getJSON(ctx, jobURL+"/"+strconv.FormatInt(number, 10)+"/api/json", &b); err != nil {
		s.metrics.BackendError(string(s.Kind()), errorKind(err))
		return nil, err
	}
	return jenkinsRecord(instance, &b), nil
}

func jenkinsStatus(b *jenkinsBuild) model.BuildStatus {
	if b.Building {
		return model.BuildStatusRunning
	}
	switch b.Result {
	case "SUCCESS":
		return model.BuildStatusPassed
	case "FAILURE":
		return model.BuildStatusFailed
	case "ABORTED":
		return model.BuildStatusAborted
	default:
		return model.BuildStatusError
	}
}

func jenkinsRecord(instance *model.TestInstance, b *jenkinsBuild) *model.BuildRecord {
	status := jenkinsStatus(b)
	record := &model.BuildRecord{
		ID:          strconv.FormatInt(b.Number, 10),
		InstanceID:  instance.ID,
		BuildNumber: b.Number,
		Status:      status,
		Result:      model.ResultOf(status),
		Timestamp:   b.Timestamp / 1000,
		Duration:    b.Duration / 1000,
		Created:     time.UnixMilli(b.Timestamp).UTC(),
		URL:         b.URL,
	}
	for _, a := range b.Actions {
		if a.LastBuiltRevision == nil {
			continue
		}
		record.Revision = a.LastBuiltRevision.SHA1
		if len(a.LastBuiltRevision.Branch) > 0 {
			record.Branch = strings.TrimPrefix(a.LastBuiltRevision.Branch[0].Name, "origin/")
		}
		break
	}
	return record
}

func (s *JenkinsService) lastOf(ctx context.Context, instance *model.TestInstance, pick func(*jenkinsJob) *jenkinsBuildRef) (*model.BuildRecord, error) {
	job, err := s.jobInfo(ctx, instance)
	if err != nil {
		return nil, err
	}
	ref := pick(job)
	if ref == nil {
		return nil, nil
	}
	return s.buildInfo(ctx, instance, ref.Number)
}

func (s *JenkinsService) GetLastBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastOf(ctx, instance, func(j *jenkinsJob) *jenkinsBuildRef { return j.LastBuild })
}

func (s *JenkinsService) GetLastPassedBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastOf(ctx, instance, func(j *jenkinsJob) *jenkinsBuildRef { return j.LastSuccessfulBuild })
}

func (s *JenkinsService) GetLastFailedBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastOf(ctx, instance, func(j *jenkinsJob) *jenkinsBuildRef { return j.LastFailedBuild })
}

func (s *JenkinsService) GetBuild(ctx context.Context, instance *model.TestInstance, id string) (*model.BuildRecord, error) {
	number, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, domain.ErrEntityNotFound.Wrap(err, goerr.V("build_id", id))
	}
	return s.buildInfo(ctx, instance, number)
}

func (s *JenkinsService) GetBuilds(ctx context.Context, instance *model.TestInstance, limit int) ([]*model.BuildRecord, error) {
	if limit < 1 {
		return nil, domain.ErrInvalidArgument.Wrap(goerr.New("limit must be positive"), goerr.V("limit", limit))
	}
	job, err := s.jobInfo(ctx, instance)
	if err != nil {
		return nil, err
	}

	refs := job.Builds
	if len(refs) > limit {
		refs = refs[:limit]
	}
	builds := make([]*model.BuildRecord, 0, len(refs))
	for _, ref := range refs {
		b, err := s.buildInfo(ctx, instance, ref.Number)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	s.metrics.BuildsFetched(string(s.Kind()), len(builds))
	return builds, nil
}

func (s *JenkinsService) GetBuildLog(ctx context.Context, instance *model.TestInstance, id string, offset, limit int) (string, error) {
	if offset < 0 || limit < 0 {
		return sliceLog("", offset, limit)
	}
	jobURL, err := s.jobURL(instance)
	if err != nil {
		return "", err
	}
	data, err := s.rest.do(ctx, http.MethodGet, jobURL+"/"+url.PathEscape(id)+"/consoleText", nil)
	if err != nil {
		return "", err
	}
	return sliceLog(string(data), offset, limit)
}

// StartBuild queues a new build of the job. Jenkins has no native re-run,
// so id is ignored.
func (s *JenkinsService) StartBuild(ctx context.Context, instance *model.TestInstance, _ string) (bool, error) {
	jobURL, err := s.jobURL(instance)
	if err != nil {
		return false, err
	}
	if _, err := s.rest.do(ctx, http.MethodPost, jobURL+"/build", nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JenkinsService) InstanceLink(instance *model.TestInstance) string {
	link, err := s.jobURL(instance)
	if err != nil {
		return s.ref.URL
	}
	return link
}

func (s *JenkinsService) BuildLink(build *model.BuildRecord) string {
	return build.URL
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return "rate_limit"
	case errors.Is(err, domain.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, domain.ErrEntityNotFound):
		return "not_found"
	default:
		return "service"
	}
}
