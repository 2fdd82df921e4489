package cli

import (
	"github.com/urfave/cli/v3"
)

func NewCommand() *cli.Command {
	flags := append(DefineFlags(),
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
			Value: false,
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Enable verbose logging",
			Value: false,
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LIFEMON_LOG_FORMAT"),
		},
	)

	return &cli.Command{
		Name:    "lifemon",
		Usage:   "Workflow test health monitor",
		Version: "0.1.0",
		Description: `lifemon tracks the CI builds that test registered workflow versions and
notifies subscribers when a test instance starts failing or recovers.

Run "lifemon serve" for the scheduler, workers and metrics in one process, or
"lifemon worker" to add consumers of a shared Redis broker.`,
		Flags: flags,
		Commands: []*cli.Command{
			NewServeCommand(),
			NewWorkerCommand(),
			NewRunCommand(),
			NewStatusCommand(),
			NewRegisterCommand(),
			NewCacheCommand(),
			NewTokenCommand(),
			NewConfigCommand(),
		},
	}
}
