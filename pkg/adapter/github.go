package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-github/v74/github"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zip"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/metrics"
	"golang.org/x/oauth2"
)

const (
	githubPerPage  = 100
	githubMaxPages = 10
)

type GitHubService struct {
	ref      model.ServiceRef
	baseURL  *url.URL
	webBase  string
	tokens   *TokenRegistry
	http     *retryablehttp.Client
	limiters *RateLimiters
	logger   *slog.Logger
	metrics  *metrics.Collector
}

func NewGitHubService(ref model.ServiceRef, deps Deps) (interfaces.TestingService, error) {
	svc := &GitHubService{
		ref:      ref,
		webBase:  "https://github.com",
		tokens:   deps.Tokens,
		http:     deps.HTTP,
		limiters: deps.Limiters,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}

	u, err := url.Parse(ref.URL)
	if err != nil {
		return nil, domain.ErrConfiguration.Wrap(err, goerr.V("url", ref.URL))
	}
	switch u.Host {
	case "", "github.com", "api.github.com":
	default:
		// enterprise server or test double
		base := strings.TrimRight(ref.URL, "/") + "/"
		if svc.baseURL, err = url.Parse(base); err != nil {
			return nil, domain.ErrConfiguration.Wrap(err, goerr.V("url", ref.URL))
		}
		svc.webBase = strings.TrimRight(ref.URL, "/")
	}
	return svc, nil
}

func (s *GitHubService) Kind() model.ServiceKind { return model.ServiceGitHub }
func (s *GitHubService) URL() string             { return s.ref.URL }

func (s *GitHubService) client(ctx context.Context) (*github.Client, error) {
	if err := s.limiters.Wait(ctx, s.ref.URL); err != nil {
		return nil, err
	}

	// Log archive endpoints answer with a redirect go-github has to observe,
	// so the API client must not follow redirects on its own.
	transport := s.http.HTTPClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	base := &http.Client{Transport: transport, Timeout: s.http.HTTPClient.Timeout}
	httpClient := base
	if token, ok := s.tokens.Lookup(ctx, s.ref); ok {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Secret})
		httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	}

	client := github.NewClient(httpClient)
	if s.baseURL != nil {
		client.BaseURL = s.baseURL
	}
	return client, nil
}

type workflowRef struct {
	Owner    string
	Repo     string
	Workflow string
}

func (w workflowRef) id() (int64, bool) {
	id, err := strconv.ParseInt(w.Workflow, 10, 64)
	return id, err == nil
}

// parseWorkflowResource accepts /repos/{owner}/{repo}/actions/workflows/{id},
// optionally as a full URL.
func parseWorkflowResource(resource string) (workflowRef, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return workflowRef{}, domain.ErrSpecificationNotValid.Wrap(err, goerr.V("resource", resource))
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 6 || parts[0] != "repos" || parts[3] != "actions" || parts[4] != "workflows" {
		return workflowRef{}, domain.ErrSpecificationNotValid.Wrap(
			goerr.New("expected /repos/{owner}/{repo}/actions/workflows/{id}"),
			goerr.V("resource", resource),
		)
	}
	return workflowRef{Owner: parts[1], Repo: parts[2], Workflow: parts[5]}, nil
}

// parseBuildID splits "runID_attempt"; a bare run id has attempt 0.
func parseBuildID(id string) (runID int64, attempt int, err error) {
	runPart, attemptPart, found := strings.Cut(id, "_")
	runID, err = strconv.ParseInt(runPart, 10, 64)
	if err != nil {
		return 0, 0, domain.ErrEntityNotFound.Wrap(err, goerr.V("build_id", id))
	}
	if found {
		if attempt, err = strconv.Atoi(attemptPart); err != nil || attempt < 1 {
			return 0, 0, domain.ErrEntityNotFound.Wrap(goerr.New("invalid run attempt"), goerr.V("build_id", id))
		}
	}
	return runID, attempt, nil
}

func githubError(err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return domain.ErrRateLimitExceeded.Wrap(err)
	case errors.As(err, &respErr) && respErr.Response != nil:
		switch respErr.Response.StatusCode {
		case http.StatusNotFound:
			return domain.ErrEntityNotFound.Wrap(err)
		case http.StatusTooManyRequests:
			return domain.ErrRateLimitExceeded.Wrap(err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.ErrNotAuthorized.Wrap(err)
		}
	}
	return domain.ErrTestingService.Wrap(err)
}

func githubStatus(run *github.WorkflowRun) model.BuildStatus {
	switch run.GetStatus() {
	case "in_progress":
		return model.BuildStatusRunning
	case "queued", "waiting", "pending", "requested":
		return model.BuildStatusWaiting
	}
	switch run.GetConclusion() {
	case "success":
		return model.BuildStatusPassed
	case "failure":
		return model.BuildStatusFailed
	case "cancelled":
		return model.BuildStatusAborted
	default:
		return model.BuildStatusError
	}
}

func githubRecord(instance *model.TestInstance, run *github.WorkflowRun) *model.BuildRecord {
	status := githubStatus(run)
	attempt := run.GetRunAttempt()
	if attempt < 1 {
		attempt = 1
	}

	created := run.GetCreatedAt().Time
	started := run.GetRunStartedAt().Time
	if started.IsZero() {
		started = created
	}

	return &model.BuildRecord{
		ID:          fmt.Sprintf("%d_%d", run.GetID(), attempt),
		InstanceID:  instance.ID,
		BuildNumber: int64(run.GetRunNumber()),
		Status:      status,
		Result:      model.ResultOf(status),
		Timestamp:   started.Unix(),
		Duration:    int64(run.GetUpdatedAt().Sub(created).Seconds()),
		Revision:    run.GetHeadSHA(),
		Branch:      run.GetHeadBranch(),
		Created:     created.UTC(),
		URL:         run.GetHTMLURL(),
	}
}

func (s *GitHubService) CheckConnection(ctx context.Context) (bool, error) {
	client, err := s.client(ctx)
	if err != nil {
		return false, err
	}
	if _, _, err := client.RateLimit.Get(ctx); err != nil {
		s.logger.Info("github connection check failed",
			slog.String("url", s.ref.URL),
			slog.Any("error", err),
		)
		return false, githubError(err)
	}
	return true, nil
}

func (s *GitHubService) listRuns(ctx context.Context, wf workflowRef, opts *github.ListWorkflowRunsOptions, limit int) ([]*github.WorkflowRun, error) {
	opts.PerPage = min(limit, githubPerPage)
	var runs []*github.WorkflowRun
	for page := 0; page < githubMaxPages; page++ {
		client, err := s.client(ctx)
		if err != nil {
			return nil, err
		}

		var result *github.WorkflowRuns
		var resp *github.Response
		if id, ok := wf.id(); ok {
			result, resp, err = client.Actions.ListWorkflowRunsByID(ctx, wf.Owner, wf.Repo, id, opts)
		} else {
			result, resp, err = client.Actions.ListWorkflowRunsByFileName(ctx, wf.Owner, wf.Repo, wf.Workflow, opts)
		}
		if err != nil {
			s.metrics.BackendError(string(s.Kind()), errorKind(githubError(err)))
			return nil, githubError(err)
		}

		runs = append(runs, result.WorkflowRuns...)
		if len(runs) >= limit || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return runs, nil
}

// expand returns one record per attempt of run, newest attempt first.
func (s *GitHubService) expand(ctx context.Context, wf workflowRef, instance *model.TestInstance, run *github.WorkflowRun) ([]*model.BuildRecord, error) {
	records := []*model.BuildRecord{githubRecord(instance, run)}
	for attempt := run.GetRunAttempt() - 1; attempt >= 1; attempt-- {
		client, err := s.client(ctx)
		if err != nil {
			return nil, err
		}
		prev, _, err := client.Actions.GetWorkflowRunAttempt(ctx, wf.Owner, wf.Repo, run.GetID(), attempt, nil)
		if err != nil {
			return nil, githubError(err)
		}
		records = append(records, githubRecord(instance, prev))
	}
	return records, nil
}

func createdQuery(f model.BuildFilter) string {
	const layout = "2006-01-02T15:04:05Z"
	switch {
	case f.CreatedFrom != nil && f.CreatedTo != nil:
		return f.CreatedFrom.UTC().Format(layout) + ".." + f.CreatedTo.UTC().Format(layout)
	case f.CreatedFrom != nil:
		return ">=" + f.CreatedFrom.UTC().Format(layout)
	case f.CreatedTo != nil:
		return "<" + f.CreatedTo.UTC().Format(layout)
	}
	return ""
}

// ListBuilds returns the attempts of the runs matching filter, newest first.
// The branch and window constraints are also enforced client side.
func (s *GitHubService) ListBuilds(ctx context.Context, instance *model.TestInstance, filter model.BuildFilter) ([]*model.BuildRecord, error) {
	wf, err := parseWorkflowResource(instance.Resource)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 10
	}

	opts := &github.ListWorkflowRunsOptions{
		Branch:  filter.Branch,
		Created: createdQuery(filter),
	}
	runs, err := s.listRuns(ctx, wf, opts, limit)
	if err != nil {
		return nil, err
	}

	var builds []*model.BuildRecord
	for _, run := range runs {
		if len(builds) >= limit {
			break
		}
		records, err := s.expand(ctx, wf, instance, run)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if filter.Match(r) {
				builds = append(builds, r)
			}
		}
	}

	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].Created.After(builds[j].Created)
	})
	if len(builds) > limit {
		builds = builds[:limit]
	}

	s.metrics.BuildsFetched(string(s.Kind()), len(builds))
	s.logger.Debug("fetched workflow runs",
		slog.String("workflow", wf.Owner+"/"+wf.Repo+"/"+wf.Workflow),
		slog.String("branch", filter.Branch),
		slog.String("created", opts.Created),
		slog.Int("count", len(builds)),
	)
	return builds, nil
}

func (s *GitHubService) GetBuilds(ctx context.Context, instance *model.TestInstance, limit int) ([]*model.BuildRecord, error) {
	if limit < 1 {
		return nil, domain.ErrInvalidArgument.Wrap(goerr.New("limit must be positive"), goerr.V("limit", limit))
	}
	return s.ListBuilds(ctx, instance, model.BuildFilter{Limit: limit})
}

// lastWithStatus returns the latest run matching the status filter; GitHub
// accepts conclusions such as "success" as status values.
func (s *GitHubService) lastWithStatus(ctx context.Context, instance *model.TestInstance, status string) (*model.BuildRecord, error) {
	wf, err := parseWorkflowResource(instance.Resource)
	if err != nil {
		return nil, err
	}
	runs, err := s.listRuns(ctx, wf, &github.ListWorkflowRunsOptions{Status: status}, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return githubRecord(instance, runs[0]), nil
}

func (s *GitHubService) GetLastBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastWithStatus(ctx, instance, "completed")
}

func (s *GitHubService) GetLastPassedBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastWithStatus(ctx, instance, "success")
}

func (s *GitHubService) GetLastFailedBuild(ctx context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastWithStatus(ctx, instance, "failure")
}

func (s *GitHubService) GetBuild(ctx context.Context, instance *model.TestInstance, id string) (*model.BuildRecord, error) {
	wf, err := parseWorkflowResource(instance.Resource)
	if err != nil {
		return nil, err
	}
	runID, attempt, err := parseBuildID(id)
	if err != nil {
		return nil, err
	}

	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	var run *github.WorkflowRun
	if attempt > 0 {
		run, _, err = client.Actions.GetWorkflowRunAttempt(ctx, wf.Owner, wf.Repo, runID, attempt, nil)
	} else {
		run, _, err = client.Actions.GetWorkflowRunByID(ctx, wf.Owner, wf.Repo, runID)
	}
	if err != nil {
		return nil, githubError(err)
	}
	return githubRecord(instance, run), nil
}

// GetBuildLog downloads the log archive of the attempt and joins its files
// in name order.
func (s *GitHubService) GetBuildLog(ctx context.Context, instance *model.TestInstance, id string, offset, limit int) (string, error) {
	if offset < 0 || limit < 0 {
		return sliceLog("", offset, limit)
	}
	wf, err := parseWorkflowResource(instance.Resource)
	if err != nil {
		return "", err
	}
	runID, attempt, err := parseBuildID(id)
	if err != nil {
		return "", err
	}
	if attempt == 0 {
		attempt = 1
	}

	client, err := s.client(ctx)
	if err != nil {
		return "", err
	}
	logURL, _, err := client.Actions.GetWorkflowRunAttemptLogs(ctx, wf.Owner, wf.Repo, runID, attempt, 3)
	if err != nil {
		return "", githubError(err)
	}

	archive, err := s.download(ctx, logURL.String())
	if err != nil {
		return "", err
	}
	text, err := joinArchive(archive)
	if err != nil {
		return "", err
	}
	return sliceLog(text, offset, limit)
}

func (s *GitHubService) download(ctx context.Context, target string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create log request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, domain.ErrTestingService.Wrap(err, goerr.V("url", target))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrTestingService.Wrap(err, goerr.V("url", target))
	}
	if err := statusError(resp, data); err != nil {
		return nil, err
	}
	return data, nil
}

func joinArchive(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.ErrTestingService.Wrap(err)
	}

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var out strings.Builder
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return "", domain.ErrTestingService.Wrap(err, goerr.V("file", f.Name))
		}
		_, err = io.Copy(&out, rc)
		rc.Close()
		if err != nil {
			return "", domain.ErrTestingService.Wrap(err, goerr.V("file", f.Name))
		}
	}
	return out.String(), nil
}

// StartBuild re-runs run id when given, otherwise dispatches the workflow
// on the repository default branch.
func (s *GitHubService) StartBuild(ctx context.Context, instance *model.TestInstance, id string) (bool, error) {
	wf, err := parseWorkflowResource(instance.Resource)
	if err != nil {
		return false, err
	}
	client, err := s.client(ctx)
	if err != nil {
		return false, err
	}

	if id != "" {
		runID, _, err := parseBuildID(id)
		if err != nil {
			return false, err
		}
		if _, err := client.Actions.RerunWorkflowByID(ctx, wf.Owner, wf.Repo, runID); err != nil {
			return false, githubError(err)
		}
		return true, nil
	}

	repo, _, err := client.Repositories.Get(ctx, wf.Owner, wf.Repo)
	if err != nil {
		return false, githubError(err)
	}
	event := github.CreateWorkflowDispatchEventRequest{Ref: repo.GetDefaultBranch()}
	if wid, ok := wf.id(); ok {
		_, err = client.Actions.CreateWorkflowDispatchEventByID(ctx, wf.Owner, wf.Repo, wid, event)
	} else {
		_, err = client.Actions.CreateWorkflowDispatchEventByFileName(ctx, wf.Owner, wf.Repo, wf.Workflow, event)
	}
	if err != nil {
		return false, githubError(err)
	}
	return true, nil
}

func (s *GitHubService) InstanceLink(instance *model.TestInstance) string {
	wf, err := parseWorkflowResource(instance.Resource)
	if err != nil {
		return s.webBase
	}
	return s.webBase + "/" + wf.Owner + "/" + wf.Repo + "/actions/workflows/" + wf.Workflow
}

func (s *GitHubService) BuildLink(build *model.BuildRecord) string {
	return build.URL
}

var _ interfaces.RevisionAwareService = (*GitHubService)(nil)
