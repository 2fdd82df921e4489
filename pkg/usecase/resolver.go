package usecase

import (
	"context"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/adapter"
	"github.com/m-mizutani/lifemon/pkg/cache"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

type VersionLister interface {
	ListVersions(ctx context.Context, workflowID string) ([]*model.WorkflowVersion, error)
}

// BuildHistoryResolver attributes build history of an instance to a
// workflow version, by branch when the version has one, else by the
// creation window between the version and its successor.
type BuildHistoryResolver struct {
	registry interfaces.ServiceRegistry
	versions VersionLister
	fetch    func(ctx context.Context, req historyRequest) ([]*model.BuildRecord, error)
}

type historyRequest struct {
	Instance *model.TestInstance
	Filter   model.BuildFilter
}

type historyKey struct {
	Instance string            `json:"instance"`
	Service  string            `json:"service"`
	Resource string            `json:"resource"`
	Filter   model.BuildFilter `json:"filter"`
}

func NewBuildHistoryResolver(registry interfaces.ServiceRegistry, versions VersionLister, c *cache.Cache) *BuildHistoryResolver {
	r := &BuildHistoryResolver{
		registry: registry,
		versions: versions,
	}
	r.fetch = cache.Memoize(c, cache.MemoOptions[historyRequest, []*model.BuildRecord]{
		Name: "instance.builds",
		Key: func(req historyRequest) any {
			return historyKey{
				Instance: req.Instance.ID,
				Service:  req.Instance.Service.URL,
				Resource: req.Instance.Resource,
				Filter:   req.Filter,
			}
		},
		Scope: principalScope,
		TimeoutOf: func(req historyRequest) cache.Timeout {
			if req.Filter.CreatedTo != nil {
				return cache.TimeoutNone
			}
			return cache.TimeoutBuild
		},
		Predicate: model.AllCompleted,
	}, r.load)
	return r
}

// principalScope separates values fetched with user tokens from process wide ones.
func principalScope(ctx context.Context, _ historyRequest) string {
	if p := adapter.PrincipalFrom(ctx); p != nil {
		return p.UserID
	}
	return ""
}

// Builds returns at most limit builds of instance attributed to version, newest first.
func (r *BuildHistoryResolver) Builds(ctx context.Context, version *model.WorkflowVersion, instance *model.TestInstance, limit int) ([]*model.BuildRecord, error) {
	if limit < 1 {
		return nil, domain.ErrInvalidArgument.Wrap(goerr.New("limit must be positive"), goerr.V("limit", limit))
	}

	filter, err := r.filterOf(ctx, version, instance)
	if err != nil {
		return nil, err
	}
	filter.Limit = limit

	return r.fetch(ctx, historyRequest{Instance: instance, Filter: filter})
}

func (r *BuildHistoryResolver) filterOf(ctx context.Context, version *model.WorkflowVersion, instance *model.TestInstance) (model.BuildFilter, error) {
	var filter model.BuildFilter

	svc, err := r.registry.Instance(ctx, instance.Service)
	if err != nil {
		return filter, err
	}
	if _, ok := svc.(interfaces.RevisionAwareService); !ok || version == nil {
		return filter, nil
	}

	if branch := version.Revision.Branch(); branch != "" {
		filter.Branch = branch
		return filter, nil
	}

	versions, err := r.versions.ListVersions(ctx, version.WorkflowID)
	if err != nil {
		return filter, goerr.Wrap(err, "failed to list workflow versions", goerr.V("workflow", version.WorkflowID))
	}
	prev, next := model.Neighbours(versions, version)
	if prev != nil {
		from := version.Created
		filter.CreatedFrom = &from
	}
	if next != nil {
		to := next.Created
		filter.CreatedTo = &to
	}
	return filter, nil
}

func (r *BuildHistoryResolver) load(ctx context.Context, req historyRequest) ([]*model.BuildRecord, error) {
	svc, err := r.registry.Instance(ctx, req.Instance.Service)
	if err != nil {
		return nil, err
	}

	var builds []*model.BuildRecord
	if rs, ok := svc.(interfaces.RevisionAwareService); ok && (req.Filter.Branch != "" || req.Filter.Windowed()) {
		builds, err = rs.ListBuilds(ctx, req.Instance, req.Filter)
	} else {
		builds, err = svc.GetBuilds(ctx, req.Instance, req.Filter.Limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*model.BuildRecord, 0, len(builds))
	for _, b := range builds {
		if req.Filter.Match(b) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return newer(out[i], out[j])
	})
	if len(out) > req.Filter.Limit {
		out = out[:req.Filter.Limit]
	}
	return out, nil
}

func newer(a, b *model.BuildRecord) bool {
	return createdOf(a).After(createdOf(b))
}

func createdOf(b *model.BuildRecord) time.Time {
	if !b.Created.IsZero() {
		return b.Created
	}
	return time.Unix(b.Timestamp, 0)
}
