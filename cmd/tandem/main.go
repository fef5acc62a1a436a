package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/server"
)

func main() {
	cmd := &cli.Command{
		Name:  "tandem",
		Usage: "run a library's CI pipeline against the matching branch of its sibling dependency",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("TANDEM_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := log.SetLevel(cmd.String("log-level")); err != nil {
				return ctx, err
			}
			// rebuild the logger now that the level is known
			return log.IntoContext(ctx, log.New("tandem").With("command", cmd.Args().First())), nil
		},
		Commands: []*cli.Command{
			runCommand(),
			resolveCommand(),
			patchCommand(),
			provisionCommand(),
			server.Command(),
			versionCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New("tandem")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		stop()
		if errors.Is(err, errRunFailed) {
			os.Exit(1)
		}
		logger.Error(err.Error())
		os.Exit(2)
	}
}
