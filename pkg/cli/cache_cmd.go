package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func NewCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Administer the shared cache",
		Commands: []*cli.Command{
			{
				Name:  "clear",
				Usage: "Delete cached entries",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "pattern",
						Aliases: []string{"p"},
						Usage:   "Glob of the keys to delete",
						Value:   "*",
					},
				},
				Action: cacheClearAction,
			},
		},
	}
}

func cacheClearAction(ctx context.Context, cmd *cli.Command) error {
	ctx, rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.cache.DeleteMatching(ctx, cmd.String("pattern"))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d cache entries\n", n)
	return nil
}
