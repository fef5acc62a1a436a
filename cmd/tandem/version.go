package main

import (
	"context"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
)

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the build version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println(versioninfo.Short())
			return nil
		},
	}
}
