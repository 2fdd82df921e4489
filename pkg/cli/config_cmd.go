package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/lifemon/pkg/usecase"
	"github.com/urfave/cli/v3"
)

func NewConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the lifemon configuration file",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a commented configuration template",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Destination; ~/.config/lifemon/config.yml when empty",
					},
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Overwrite an existing file",
					},
					&cli.BoolFlag{
						Name:  "stdout",
						Usage: "Print the template instead of writing it",
					},
				},
				Action: configInit,
			},
		},
	}
}

func configInit(_ context.Context, cmd *cli.Command) error {
	service := usecase.NewConfigService()
	if cmd.Bool("stdout") {
		_, err := fmt.Fprint(os.Stdout, service.GenerateTemplate())
		return err
	}

	path := cmd.String("output")
	if path == "" {
		path = service.GetDefaultPath()
	}
	if err := service.SaveTemplate(path, cmd.Bool("force")); err != nil {
		return err
	}

	fmt.Printf("Template written to %s\n", path)
	return nil
}
