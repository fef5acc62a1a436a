package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/orchestrator"
	"tangled.sh/tangled.sh/tandem/trigger"
)

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:   "resolve",
		Usage:  "print the ref the dependency would be installed from",
		Flags:  append(eventFlags(), fileFlag()),
		Action: resolve,
	}
}

func resolve(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	def, err := loadDefinition(cmd, cfg)
	if err != nil {
		return err
	}
	dep := def.Dependency
	if dep.Name == "" || dep.Repo == "" || dep.Default == "" {
		return errors.New("pipeline definition names no dependency")
	}
	ev, err := eventFrom(cmd)
	if err != nil {
		return err
	}

	r, closer, err := orchestrator.NewResolver(cfg, l)
	if err != nil {
		return err
	}
	defer closer()

	branch := trigger.ParseBranch(ev)
	p := r.Resolve(ctx, branch, dep.Repo, dep.Name, dep.Default)
	l.Debug("resolved", "branch", branch, "pin", p.String(), "default", p.Default)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
