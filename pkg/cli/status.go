package cli

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
)

func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the test status of the latest version of each workflow",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "workflow",
				Aliases: []string{"w"},
				Usage:   "Show only this workflow",
			},
		},
		Action: statusAction,
	}
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	ctx, rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.monitor.ShowStatus(ctx, cmd.String("workflow"), NewStatusDisplay(os.Stdout))
}
