package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/provision"
	"tangled.sh/tangled.sh/tandem/stage"
)

func provisionCommand() *cli.Command {
	return &cli.Command{
		Name:  "provision",
		Usage: "prepare scratch directories, config and images without running a stage",
		Flags: []cli.Flag{
			fileFlag(),
			&cli.StringFlag{
				Name:  "stage",
				Usage: "stage the environment is prepared for",
				Value: string(stage.Test),
			},
		},
		Action: provisionEnv,
	}
}

func provisionEnv(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	def, err := loadDefinition(cmd, cfg)
	if err != nil {
		return err
	}

	var docker provision.ImageClient
	if len(def.Provision.Images) > 0 {
		dc, err := provision.NewDockerClient()
		if err != nil {
			return fmt.Errorf("connecting to docker: %w", err)
		}
		defer dc.Close()
		docker = dc
	}

	p := provision.New(def.Provision, cfg.Pipeline.Workdir, docker, log.SubLogger(l, "provision"))
	if err := p.Provision(ctx, stage.ID(cmd.String("stage"))); err != nil {
		return err
	}
	l.Info("environment ready", "images", len(def.Provision.Images))
	return nil
}
