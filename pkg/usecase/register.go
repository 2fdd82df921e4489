package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

type RegisterInput struct {
	WorkflowID string
	Name       string
	Version    string
	CrateURI   string
	AuthHint   string
	Revision   *model.Revision
	AppManaged bool
	Submitter  *model.User
}

// RegisterWorkflowVersion stores a new workflow version with the suites of
// its RO-Crate and subscribes the submitter to every event.
func (u *MonitorUseCase) RegisterWorkflowVersion(ctx context.Context, in RegisterInput) (*model.WorkflowVersion, error) {
	if in.WorkflowID == "" || in.Version == "" || in.CrateURI == "" {
		return nil, domain.ErrInvalidArgument.Wrap(goerr.New("workflow id, version and crate are required"))
	}

	wf, err := u.repo.GetWorkflow(ctx, in.WorkflowID)
	switch {
	case err == nil:
		if in.Name != "" && in.Name != wf.Name {
			wf.Name = in.Name
		}
	case errors.Is(err, domain.ErrEntityNotFound):
		wf = &model.Workflow{ID: in.WorkflowID, Name: in.Name}
	default:
		return nil, err
	}
	if err := u.repo.SaveWorkflow(ctx, wf); err != nil {
		return nil, goerr.Wrap(err, "failed to save workflow", goerr.V("workflow", wf.ID))
	}

	version := &model.WorkflowVersion{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Version:    in.Version,
		CrateURI:   in.CrateURI,
		AuthHint:   in.AuthHint,
		Created:    u.clock.Now().UTC(),
		Revision:   in.Revision,
		AppManaged: in.AppManaged,
	}
	if in.Submitter != nil {
		version.SubmitterID = in.Submitter.ID
	}

	suites, err := u.loader.LoadSuites(ctx, version)
	if err != nil {
		return nil, err
	}
	version.Suites = suites
	if err := u.repo.SaveVersion(ctx, version); err != nil {
		return nil, goerr.Wrap(err, "failed to save workflow version", goerr.V("version", in.Version))
	}

	if in.Submitter != nil {
		if err := u.subscribe(ctx, in.Submitter, wf.ID); err != nil {
			return nil, err
		}
	}

	ctxlog.From(ctx).Info("workflow version registered",
		slog.String("workflow", wf.ID),
		slog.String("version", version.Version),
		slog.Int("suites", len(version.Suites)),
	)
	return version, nil
}

// subscribe adds the ALL subscription unless the user already chose a mask.
func (u *MonitorUseCase) subscribe(ctx context.Context, user *model.User, workflowID string) error {
	if err := u.repo.SaveUser(ctx, user); err != nil {
		return goerr.Wrap(err, "failed to save user", goerr.V("user", user.ID))
	}

	subs, err := u.repo.ListSubscriptions(ctx, workflowID)
	if err != nil {
		return goerr.Wrap(err, "failed to list subscriptions", goerr.V("workflow", workflowID))
	}
	for _, s := range subs {
		if s.UserID == user.ID {
			return nil
		}
	}

	return u.repo.SaveSubscription(ctx, &model.Subscription{
		UserID:     user.ID,
		WorkflowID: workflowID,
		Events:     []model.EventType{model.EventAll},
	})
}
