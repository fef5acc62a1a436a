package main

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/tandem/manifest"
	"tangled.sh/tangled.sh/tandem/pin"
)

func patchCommand() *cli.Command {
	return &cli.Command{
		Name:      "patch",
		Usage:     "point a requirements file at a ref of a dependency",
		ArgsUsage: "<manifest>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "name",
				Usage:    "package name of the dependency",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "repo",
				Usage:    "repository URL of the dependency",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "ref",
				Usage:    "branch or tag to install",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "write the result here instead of stdout",
			},
		},
		Action: patch,
	}
}

func patch(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("missing manifest path")
	}

	m, err := manifest.Load(path)
	if err != nil {
		return err
	}

	patched := manifest.Patch(m, pin.Pin{
		Name: cmd.String("name"),
		Repo: cmd.String("repo"),
		Ref:  cmd.String("ref"),
	})

	if out := cmd.String("out"); out != "" {
		return patched.WriteFile(out)
	}
	_, err = os.Stdout.Write(patched.Bytes())
	return err
}
