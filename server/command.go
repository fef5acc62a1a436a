package server

import (
	"context"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/tandem/config"
	"tangled.sh/tangled.sh/tandem/db"
	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/notifier"
	"tangled.sh/tangled.sh/tandem/orchestrator"
	"tangled.sh/tangled.sh/tandem/pipeline"
	"tangled.sh/tangled.sh/tandem/queue"
	"tangled.sh/tangled.sh/tandem/telemetry"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "accept trigger events over HTTP and run pipelines in the background",
		Action: Run,
		Description: `
Environment variables:
	TANDEM_SERVER_LISTEN_ADDR   (default: 0.0.0.0:6556)
	TANDEM_SERVER_DB_PATH       (default: tandem.db)
	TANDEM_SERVER_QUEUE_SIZE    (default: 100)
	TANDEM_SERVER_WORKERS       (default: 2)
	TANDEM_TELEMETRY_EXPORTER   (default: none; one of none, stdout, otlp)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	def, err := pipeline.Load(cfg.Pipeline.File)
	if err != nil {
		return err
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	tel, err := telemetry.NewTelemetry(ctx, "tandem", versioninfo.Short(), cfg.Telemetry.Exporter)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	n := notifier.New()

	orch, err := orchestrator.New(ctx, cfg, def,
		orchestrator.WithStore(d, n),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer orch.Close()

	jq := queue.NewQueue(cfg.Server.QueueSize, cfg.Server.Workers, log.SubLogger(logger, "queue"))

	// starts the run workers in the background
	jq.Start(ctx)
	defer jq.Stop()

	s := New(cfg, d, n, jq, orch, tel, log.SubLogger(logger, "server"))
	return s.ListenAndServe(ctx)
}
