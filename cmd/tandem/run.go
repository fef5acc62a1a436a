package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/orchestrator"
	"tangled.sh/tangled.sh/tandem/pipeline"
	"tangled.sh/tangled.sh/tandem/telemetry"
)

// errRunFailed is returned when the pipeline ran to completion without
// succeeding.
var errRunFailed = errors.New("pipeline did not succeed")

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "run the pipeline once for a trigger event",
		Flags:  append(eventFlags(), fileFlag()),
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	def, err := loadDefinition(cmd, cfg)
	if err != nil {
		return err
	}
	ev, err := eventFrom(cmd)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(l)}
	tel, err := telemetry.NewTelemetry(ctx, "tandem", versioninfo.Short(), cfg.Telemetry.Exporter)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())
	opts = append(opts, orchestrator.WithTelemetry(tel))

	o, err := orchestrator.New(ctx, cfg, def, opts...)
	if err != nil {
		return err
	}
	defer o.Close()

	l.Info("starting run", "event", ev.String(), "pipeline", def.Name)
	r := o.Run(ctx, ev, func(t pipeline.Transition) {
		if t.Stage == "" || !t.State.IsTerminal() {
			return
		}
		l.Info("stage finished", "stage", t.Stage, "state", t.State, "reason", t.Reason)
	})

	printSummary(r)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !r.Succeeded() {
		return errRunFailed
	}
	return nil
}

func printSummary(r *pipeline.Run) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "run %s\t%s\trelease %s\n", r.ID, r.State(), r.Release())
	for _, s := range r.Stages() {
		id := s.ID()
		line := fmt.Sprintf("  %s\t%s", id, r.StageState(id))
		if res, ok := r.Result(id); ok {
			line += "\t" + res.Duration().Round(time.Millisecond).String()
			if res.PinnedRef != "" {
				line += "\t" + res.PinnedRef
			}
			if !res.Succeeded() {
				line += "\t" + res.Error()
			}
		} else if reason := r.Reason(id); reason != "" {
			line += "\t" + reason
		}
		fmt.Fprintln(w, line)
	}
	w.Flush()
}
