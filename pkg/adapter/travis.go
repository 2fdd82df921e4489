package adapter

import (
	"context"
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

const (
	travisDotCom = "https://api.travis-ci.com"
	travisDotOrg = "https://api.travis-ci.org"
)

type TravisService struct {
	ref     model.ServiceRef
	apiBase string
	webBase string
	rest    *restClient
	logger  *slog.Logger
	metrics *metrics.Collector
}

func NewTravisService(ref model.ServiceRef, deps Deps) (interfaces.TestingService, error) {
	u, err := url.Parse(ref.URL)
	if err != nil || ref.URL == "" {
		return nil, domain.ErrConfiguration.Wrap(goerr.New("invalid travis url"), goerr.V("url", ref.URL))
	}

	apiBase, webBase := ref.URL, ref.URL
	switch u.Host {
	case "travis-ci.com", "api.travis-ci.com", "app.travis-ci.com":
		apiBase, webBase = travisDotCom, "https://app.travis-ci.com"
	case "travis-ci.org", "api.travis-ci.org":
		apiBase, webBase = travisDotOrg, "https://travis-ci.org"
	}

	tokens := deps.Tokens
	return &TravisService{
		ref:     ref,
		apiBase: apiBase,
		webBase: webBase,
		rest: &restClient{
			service:  ref.URL,
			http:     deps.HTTP,
			limiters: deps.Limiters,
			prepare: func(ctx context.Context, req *http.Request) {
				req.Header.Set("Travis-API-Version", "3")
				if token, ok := tokens.Lookup(ctx, ref); ok {
					req.Header.Set("Authorization", "token "+token.Secret)
				}
			},
		},
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}, nil
}

func (s *TravisService) Kind() model.ServiceKind { return model.ServiceTravis }
func (s *TravisService) URL() string             { return s.ref.URL }

// repoSlug extracts the repository id or owner/name from the resource path.
func repoSlug(resource string) string {
	slug := strings.Trim(resource, "/")
	for _, suffix := range []string{"/builds", "/build"} {
		slug = strings.TrimSuffix(slug, suffix)
	}
	for _, prefix := range []string{"repos/", "repo/"} {
		if strings.HasPrefix(slug, prefix) {
			slug = strings.TrimPrefix(slug, prefix)
			break
		}
	}
	return strings.TrimPrefix(slug, "github/")
}

// repoID returns the path escaped repository identifier used by the API.
func repoID(resource string) (string, error) {
	slug := repoSlug(resource)
	if slug == "" {
		return "", domain.ErrSpecificationNotValid.Wrap(goerr.New("cannot derive travis repository"),
			goerr.V("resource", resource))
	}
	return url.PathEscape(slug), nil
}

type travisBuild struct {
	ID         int64   `json:"id"`
	Number     string  `json:"number"`
	State      string  `json:"state"`
	Duration   *int64  `json:"duration"`
	StartedAt  *string `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	Commit     struct {
		SHA string `json:"sha"`
	} `json:"commit"`
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
}

type travisBuilds struct {
	Builds []travisBuild `json:"builds"`
}

func travisStatus(b *travisBuild) model.BuildStatus {
	if b.FinishedAt == nil || *b.FinishedAt == "" {
		switch b.State {
		case "created", "received":
			return model.BuildStatusWaiting
		}
		return model.BuildStatusRunning
	}
	switch b.State {
	case "passed":
		return model.BuildStatusPassed
	case "canceled":
		return model.BuildStatusAborted
	case "failed":
		return model.BuildStatusFailed
	default:
		return model.BuildStatusError
	}
}

func (s *TravisService) record(instance *model.TestInstance, b *travisBuild) *model.BuildRecord {
	status := travisStatus(b)
	number, _ := strconv.ParseInt(b.Number, 10, 64)
	record := &model.BuildRecord{
		ID:          strconv.FormatInt(b.ID, 10),
		InstanceID:  instance.ID,
		BuildNumber: number,
		Status:      status,
		Result:      model.ResultOf(status),
		Revision:    b.Commit.SHA,
		Branch:      b.Branch.Name,
		URL:         s.buildLink(instance, b.ID),
	}
	if b.Duration != nil {
		record.Duration = *b.Duration
	}
	if b.StartedAt != nil {
		if t, err := time.Parse(time.RFC3339, *b.StartedAt); err == nil {
			record.Timestamp = t.Unix()
			record.Created = t.UTC()
		}
	}
	return record
}

func (s *TravisService) CheckConnection(ctx context.Context) (bool, error) {
	if _, err := s.rest.do(ctx, http.MethodGet, s.apiBase+"/", nil); err != nil {
		s.logger.Info("travis connection check failed",
			slog.String("url", s.apiBase),
			slog.Any("error", err),
		)
		return false, err
	}
	return true, nil
}

func (s *TravisService) listBuilds(ctx context.Context, instance *model.TestInstance, limit int, state string) ([]*model.BuildRecord, error) {
	id, err := repoID(instance.Resource)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort_by", "number:desc")
	if state != "" {
		q.Set("state", state)
	}

	var resp travisBuilds
	if err := s.rest.getJSON(ctx, s.apiBase+"/repo/"+id+"/builds?"+q.Encode(), &resp); err != nil {
		s.metrics.BackendError(string(s.Kind()), errorKind(err))
		return nil, err
	}

	builds := make([]*model.BuildRecord, 0, len(resp.Builds))
	for i := range resp.Builds {
		builds = append(builds, s.record(instance, &resp.Builds[i]))
	}
	s.metrics.BuildsFetched(string(s.Kind()), len(builds))
	return builds, nil
}

func (s *TravisService) lastWithState(ctx context.Context, instance *model.TestInstance, state string) (*model.BuildRecord, error) {
	builds, err := s.listBuilds(ctx, instance, 1, state)
	if err != nil || len(builds) == 0 {
		return nil, err
	}
	return builds[0], nil
}

func (s *TravisService) GetLastBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastWithState(ctx, instance, "")
}

func (s *TravisService) GetLastPassedBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastWithState(ctx, instance, "passed")
}

func (s *TravisService) GetLastFailedBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastWithState(ctx, instance, "failed")
}

func (s *TravisService) GetBuilds(ctx context.Context, instance *model.TestInstance, limit int) ([]*model.BuildRecord, error) {
	if limit < 1 {
		return nil, domain.ErrInvalidArgument.Wrap(goerr.New("limit must be positive"), goerr.V("limit", limit))
	}
	return s.listBuilds(ctx, instance, limit, "")
}

func (s *TravisService) GetBuild(ctx context.Context, instance *model.TestInstance, id string) (*model.BuildRecord, error) {
	var b travisBuild
	if err := s.rest.getJSON(ctx, s.apiBase+"/build/"+url.PathEscape(id), &b); err != nil {
		return nil, err
	}
	return s.record(instance, &b), nil
}

type travisJobs struct {
	Jobs []struct {
		ID int64 `json:"id"`
	} `json:"jobs"`
}

type travisLog struct {
	Content string `json:"content"`
}

// GetBuildLog concatenates job logs in order until the requested range is covered.
func (s *TravisService) GetBuildLog(ctx context.Context, instance *model.TestInstance, id string, offset, limit int) (string, error) {
	if offset < 0 || limit < 0 {
		return sliceLog("", offset, limit)
	}

	var jobs travisJobs
	if err := s.rest.getJSON(ctx, s.apiBase+"/build/"+url.PathEscape(id)+"/jobs", &jobs); err != nil {
		return "", err
	}

	var output strings.Builder
	for _, job := range jobs.Jobs {
		if limit > 0 && output.Len() >= offset+limit {
			break
		}
		var log travisLog
		if err := s.rest.getJSON(ctx, s.apiBase+"/job/"+strconv.FormatInt(job.ID, 10)+"/log", &log); err != nil {
			return "", err
		}
		output.WriteString(log.Content)
	}
	return sliceLog(output.String(), offset, limit)
}

// StartBuild restarts build id when given, otherwise requests a new build
// of the default branch.
func (s *TravisService) StartBuild(ctx context.Context, instance *model.TestInstance, id string) (bool, error) {
	if id != "" {
		if _, err := s.rest.do(ctx, http.MethodPost, s.apiBase+"/build/"+url.PathEscape(id)+"/restart", nil); err != nil {
			return false, err
		}
		return true, nil
	}

	repo, err := repoID(instance.Resource)
	if err != nil {
		return false, err
	}
	body := map[string]any{"request": map[string]any{"message": "lifemon periodic build"}}
	if _, err := s.rest.do(ctx, http.MethodPost, s.apiBase+"/repo/"+repo+"/requests", body); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TravisService) InstanceLink(instance *model.TestInstance) string {
	return s.webBase + "/github/" + repoSlug(instance.Resource)
}

func (s *TravisService) buildLink(instance *model.TestInstance, id int64) string {
	return s.InstanceLink(instance) + "/builds/" + strconv.FormatInt(id, 10)
}

func (s *TravisService) BuildLink(build *model.BuildRecord) string {
	return build.URL
}
