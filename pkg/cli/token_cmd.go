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

// NewTokenCommand manages testing service tokens kept in the user config directory
func NewTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Manage testing service tokens",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Store the token of a testing service",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Usage: "Service kind (jenkins, travis, github)", Required: true},
					&cli.StringFlag{Name: "url", Usage: "Service base URL", Required: true},
					&cli.StringFlag{Name: "token", Usage: "Secret", Required: true},
					&cli.StringFlag{Name: "type", Usage: "Authorization scheme; the kind default when empty"},
				},
				Action: tokenSetAction,
			},
			{
				Name:   "remove",
				Usage:  "Delete the stored token of a testing service",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "url", Usage: "Service base URL", Required: true}},
				Action: tokenRemoveAction,
			},
			{
				Name:   "list",
				Usage:  "List services with a stored token",
				Action: tokenListAction,
			},
		},
	}
}

func tokenSetAction(_ context.Context, cmd *cli.Command) error {
	kind := model.ServiceKind(cmd.String("kind"))
	switch kind {
	case model.ServiceJenkins, model.ServiceTravis, model.ServiceGitHub:
	default:
		return domain.ErrInvalidArgument.Wrap(goerr.New("unknown service kind"), goerr.V("kind", kind))
	}

	token := model.Token{Type: cmd.String("type"), Secret: cmd.String("token")}
	if err := usecase.NewTokenStorage().SaveToken(kind, cmd.String("url"), token); err != nil {
		return err
	}
	fmt.Printf("Token saved for %s\n", cmd.String("url"))
	return nil
}

func tokenRemoveAction(_ context.Context, cmd *cli.Command) error {
	removed, err := usecase.NewTokenStorage().RemoveToken(cmd.String("url"))
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("No token stored for %s\n", cmd.String("url"))
		return nil
	}
	fmt.Printf("Token removed for %s\n", cmd.String("url"))
	return nil
}

func tokenListAction(_ context.Context, _ *cli.Command) error {
	services, err := usecase.NewTokenStorage().Tokens()
	if err != nil {
		return err
	}
	for _, s := range services {
		fmt.Printf("%-8s %s\n", s.Kind, s.URL)
	}
	return nil
}
