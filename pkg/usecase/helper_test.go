package usecase_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/adapter"
	"github.com/m-mizutani/lifemon/pkg/cache"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/repository"
	"github.com/m-mizutani/lifemon/pkg/usecase"
)

// fakeService serves canned build histories keyed by instance resource.
type fakeService struct {
	kind model.ServiceKind
	url  string

	mu      sync.Mutex
	builds  map[string][]*model.BuildRecord
	err     error
	calls   int
	started []string
	filters []model.BuildFilter
}

func newFakeService(kind model.ServiceKind, url string) *fakeService {
	return &fakeService{kind: kind, url: url, builds: make(map[string][]*model.BuildRecord)}
}

func (s *fakeService) setBuilds(resource string, builds ...*model.BuildRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[resource] = builds
}

func (s *fakeService) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeService) history(resource string) ([]*model.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]*model.BuildRecord(nil), s.builds[resource]...), nil
}

func (s *fakeService) Kind() model.ServiceKind { return s.kind }
func (s *fakeService) URL() string             { return s.url }

func (s *fakeService) CheckConnection(context.Context) (bool, error) { return true, nil }

func (s *fakeService) GetLastBuild(_ context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	builds, err := s.history(instance.Resource)
	if err != nil || len(builds) == 0 {
		return nil, err
	}
	return builds[0], nil
}

func (s *fakeService) lastWith(instance *model.TestInstance, status model.BuildStatus) (*model.BuildRecord, error) {
	builds, err := s.history(instance.Resource)
	if err != nil {
		return nil, err
	}
	for _, b := range builds {
		if b.Status == status {
			return b, nil
		}
	}
	return nil, nil
}

func (s *fakeService) GetLastPassedBuild(_ context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastWith(instance, model.BuildStatusPassed)
}

func (s *fakeService) GetLastFailedBuild(_ context.Context, instance *model.TestInstance) (*model.BuildRecord, error) {
	return s.lastWith(instance, model.BuildStatusFailed)
}

func (s *fakeService) GetBuild(_ context.Context, instance *model.TestInstance, id string) (*model.BuildRecord, error) {
	builds, err := s.history(instance.Resource)
	if err != nil {
		return nil, err
	}
	for _, b := range builds {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, domain.ErrEntityNotFound.Wrap(goerr.New("no such build"), goerr.V("id", id))
}

// GetBuilds returns the history newest first, as the real backends do.
func (s *fakeService) GetBuilds(_ context.Context, instance *model.TestInstance, limit int) ([]*model.BuildRecord, error) {
	builds, err := s.history(instance.Resource)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].Created.After(builds[j].Created)
	})
	if len(builds) > limit {
		builds = builds[:limit]
	}
	return builds, nil
}

func (s *fakeService) GetBuildLog(context.Context, *model.TestInstance, string, int, int) (string, error) {
	return "", nil
}

func (s *fakeService) StartBuild(_ context.Context, instance *model.TestInstance, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, instance.Resource+"#"+id)
	return true, nil
}

func (s *fakeService) startedBuilds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *fakeService) InstanceLink(instance *model.TestInstance) string {
	return s.url + "/" + instance.Resource
}

func (s *fakeService) BuildLink(build *model.BuildRecord) string { return build.URL }

// fakeRevisionService adds server side branch and window filtering.
type fakeRevisionService struct {
	*fakeService
}

func (s *fakeRevisionService) ListBuilds(_ context.Context, instance *model.TestInstance, filter model.BuildFilter) ([]*model.BuildRecord, error) {
	builds, err := s.history(instance.Resource)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.filters = append(s.filters, filter)
	s.mu.Unlock()

	var out []*model.BuildRecord
	for _, b := range builds {
		if filter.Match(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

var _ interfaces.RevisionAwareService = (*fakeRevisionService)(nil)

const (
	jenkinsURL = "https://jenkins.example.org"
	githubURL  = "https://api.github.com"
)

type testEnv struct {
	repo     *repository.Memory
	registry *adapter.Registry
	jenkins  *fakeService
	github   *fakeRevisionService
	clock    *fakeclock.FakeClock
	cache    *cache.Cache
	loader   *fakeLoader
	monitor  *usecase.MonitorUseCase
}

type fakeLoader struct {
	mu     sync.Mutex
	suites map[string][]*model.TestSuite
	err    error
}

func (l *fakeLoader) set(crate string, suites ...*model.TestSuite) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.suites[crate] = suites
}

func (l *fakeLoader) LoadSuites(_ context.Context, v *model.WorkflowVersion) ([]*model.TestSuite, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var out []*model.TestSuite
	for _, s := range l.suites[v.CrateURI] {
		copied := *s
		copied.VersionID = v.ID
		copied.Instances = append([]*model.TestInstance(nil), s.Instances...)
		out = append(out, &copied)
	}
	return out, nil
}

type envOption func(*usecase.MonitorUseCaseOptions)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		repo:    repository.NewMemory(),
		jenkins: newFakeService(model.ServiceJenkins, jenkinsURL),
		github:  &fakeRevisionService{newFakeService(model.ServiceGitHub, githubURL)},
		clock:   fakeclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		cache:   cache.New(cache.NullBackend{}),
		loader:  &fakeLoader{suites: make(map[string][]*model.TestSuite)},
	}

	registry := adapter.NewRegistry(adapter.Deps{}, adapter.WithServiceStore(env.repo))
	registry.Register(model.ServiceJenkins, func(model.ServiceRef, adapter.Deps) (interfaces.TestingService, error) {
		return env.jenkins, nil
	})
	registry.Register(model.ServiceGitHub, func(model.ServiceRef, adapter.Deps) (interfaces.TestingService, error) {
		return env.github, nil
	})

	pause := time.Duration(0)
	options := usecase.MonitorUseCaseOptions{
		Repository:         env.repo,
		Registry:           registry,
		Loader:             env.loader,
		Cache:              env.cache,
		Clock:              env.clock,
		PeriodicBuildPause: &pause,
	}
	for _, opt := range opts {
		opt(&options)
	}
	env.registry = registry
	env.monitor = usecase.NewMonitorUseCase(options)
	return env
}

func jenkinsInstance(id, resource string) *model.TestInstance {
	return &model.TestInstance{
		ID:       id,
		Name:     id,
		Service:  model.ServiceRef{Kind: model.ServiceJenkins, URL: jenkinsURL},
		Resource: resource,
	}
}

func githubInstance(id, resource string) *model.TestInstance {
	return &model.TestInstance{
		ID:       id,
		Name:     id,
		Service:  model.ServiceRef{Kind: model.ServiceGitHub, URL: githubURL},
		Resource: resource,
	}
}

func build(id string, status model.BuildStatus, created int64) *model.BuildRecord {
	return &model.BuildRecord{
		ID:        id,
		Status:    status,
		Result:    model.ResultOf(status),
		Timestamp: created,
		Created:   time.Unix(created, 0).UTC(),
		URL:       "https://ci.example.org/builds/" + id,
	}
}

// saveVersion stores a workflow version with a single suite of instances.
func (e *testEnv) saveVersion(t *testing.T, workflowID, versionID string, created time.Time, revision *model.Revision, instances ...*model.TestInstance) *model.WorkflowVersion {
	t.Helper()
	ctx := context.Background()

	gt.NoError(t, e.repo.SaveWorkflow(ctx, &model.Workflow{ID: workflowID, Name: workflowID}))
	suite := &model.TestSuite{ID: versionID + "-suite", VersionID: versionID, Name: "tests"}
	for _, inst := range instances {
		copied := *inst
		copied.SuiteID = suite.ID
		suite.Instances = append(suite.Instances, &copied)
	}
	v := &model.WorkflowVersion{
		ID:         versionID,
		WorkflowID: workflowID,
		Version:    versionID,
		CrateURI:   "crate://" + versionID,
		Created:    created,
		Revision:   revision,
		Suites:     []*model.TestSuite{suite},
	}
	gt.NoError(t, e.repo.SaveVersion(ctx, v))
	return v
}

func (e *testEnv) subscribe(t *testing.T, user *model.User, workflowID string, events ...model.EventType) {
	t.Helper()
	ctx := context.Background()
	gt.NoError(t, e.repo.SaveUser(ctx, user))
	gt.NoError(t, e.repo.SaveSubscription(ctx, &model.Subscription{UserID: user.ID, WorkflowID: workflowID, Events: events}))
}

func (e *testEnv) notifications(t *testing.T, instanceID string) *model.Notification {
	t.Helper()
	n, err := e.repo.LatestNotification(context.Background(), instanceID)
	gt.NoError(t, err)
	return n
}
