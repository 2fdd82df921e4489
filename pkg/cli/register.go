package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/usecase"
	"github.com/urfave/cli/v3"
)

func NewRegisterCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Register a workflow version from its RO-Crate",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "Workflow identifier", Required: true},
			&cli.StringFlag{Name: "name", Usage: "Workflow display name"},
			&cli.StringFlag{Name: "version-name", Usage: "Version label", Required: true},
			&cli.StringFlag{Name: "crate", Usage: "URL or path of the RO-Crate", Required: true},
			&cli.StringFlag{Name: "auth-hint", Usage: "Credential hint passed to the crate loader"},
			&cli.StringFlag{Name: "branch", Usage: "Git branch the version was built from"},
			&cli.StringFlag{Name: "tag", Usage: "Git tag the version was built from"},
			&cli.StringFlag{Name: "commit", Usage: "Git commit of the version"},
			&cli.BoolFlag{Name: "app-managed", Usage: "Builds are tracked by the Git hosting app"},
			&cli.StringFlag{Name: "submitter", Usage: "User id of the submitter, subscribed to every event"},
			&cli.StringFlag{Name: "email", Usage: "Email address of the submitter"},
		},
		Action: registerAction,
	}
}

func revisionFromCommand(cmd *cli.Command) (*model.Revision, error) {
	branch, tag := cmd.String("branch"), cmd.String("tag")
	switch {
	case branch != "" && tag != "":
		return nil, domain.ErrInvalidArgument.Wrap(goerr.New("branch and tag are exclusive"))
	case branch != "":
		return &model.Revision{Kind: model.RefKindBranch, ShortName: branch, Ref: "refs/heads/" + branch, Commit: cmd.String("commit")}, nil
	case tag != "":
		return &model.Revision{Kind: model.RefKindTag, ShortName: tag, Ref: "refs/tags/" + tag, Commit: cmd.String("commit")}, nil
	}
	return nil, nil
}

func registerAction(ctx context.Context, cmd *cli.Command) error {
	revision, err := revisionFromCommand(cmd)
	if err != nil {
		return err
	}

	ctx, rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	in := usecase.RegisterInput{
		WorkflowID: cmd.String("workflow"),
		Name:       cmd.String("name"),
		Version:    cmd.String("version-name"),
		CrateURI:   cmd.String("crate"),
		AuthHint:   cmd.String("auth-hint"),
		Revision:   revision,
		AppManaged: cmd.Bool("app-managed"),
	}
	if id := cmd.String("submitter"); id != "" {
		email := cmd.String("email")
		in.Submitter = &model.User{
			ID:                   id,
			Username:             id,
			Email:                email,
			NotificationsEnabled: email != "",
		}
	}

	version, err := rt.monitor.RegisterWorkflowVersion(ctx, in)
	if err != nil {
		return err
	}

	fmt.Printf("Registered %s version %s (%s) with %d test suite(s)\n",
		version.WorkflowID, version.Version, version.ID, len(version.Suites))
	return nil
}
