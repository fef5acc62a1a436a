package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/tandem/config"
	"tangled.sh/tangled.sh/tandem/pipeline"
	"tangled.sh/tangled.sh/tandem/trigger"
)

func eventFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "event",
			Usage:   "push or pull_request",
			Sources: cli.EnvVars("TANDEM_EVENT", "GITHUB_EVENT_NAME"),
		},
		&cli.StringFlag{
			Name:    "ref",
			Usage:   "ref that triggered the run, e.g. refs/heads/main",
			Sources: cli.EnvVars("TANDEM_REF", "GITHUB_REF"),
		},
		&cli.StringFlag{
			Name:    "head-ref",
			Usage:   "source branch of a pull request",
			Sources: cli.EnvVars("TANDEM_HEAD_REF", "GITHUB_HEAD_REF"),
		},
	}
}

func fileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "file",
		Aliases: []string{"f"},
		Usage:   "pipeline definition",
		Sources: cli.EnvVars("TANDEM_PIPELINE_FILE"),
	}
}

// eventFrom builds the trigger event from the command's flags. GitHub
// exports the bare branch name as GITHUB_HEAD_REF, so a head ref without
// the refs/ prefix is qualified.
func eventFrom(cmd *cli.Command) (trigger.Event, error) {
	headRef := cmd.String("head-ref")
	if headRef != "" && !strings.HasPrefix(headRef, "refs/") {
		headRef = "refs/heads/" + headRef
	}
	ev, err := trigger.NewEvent(cmd.String("event"), cmd.String("ref"), headRef)
	if err != nil {
		return ev, fmt.Errorf("invalid trigger event: %w", err)
	}
	return ev, nil
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func loadDefinition(cmd *cli.Command, cfg *config.Config) (pipeline.Definition, error) {
	path := cfg.Pipeline.File
	if f := cmd.String("file"); f != "" {
		path = f
		cfg.Pipeline.File = f
	}
	return pipeline.Load(path)
}
