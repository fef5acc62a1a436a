// Package orchestrator assembles the stage runner, the dependency resolver,
// the provisioner and the status store around a compiled pipeline graph.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"tangled.sh/tangled.sh/tandem/cache"
	"tangled.sh/tangled.sh/tandem/config"
	"tangled.sh/tangled.sh/tandem/db"
	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/notifier"
	"tangled.sh/tangled.sh/tandem/pin"
	"tangled.sh/tangled.sh/tandem/pipeline"
	"tangled.sh/tangled.sh/tandem/provision"
	"tangled.sh/tangled.sh/tandem/stage"
	"tangled.sh/tangled.sh/tandem/telemetry"
	"tangled.sh/tangled.sh/tandem/trigger"
)

type Orchestrator struct {
	cfg   *config.Config
	def   pipeline.Definition
	graph *pipeline.Graph
	exec  pipeline.Executor

	resolver stage.Resolver
	prov     stage.Provisioner
	db       *db.DB
	n        *notifier.Notifier
	tel      *telemetry.Telemetry
	l        *slog.Logger

	closers []func() error
}

type Option func(*Orchestrator)

// WithStore records every transition in d and wakes n.
func WithStore(d *db.DB, n *notifier.Notifier) Option {
	return func(o *Orchestrator) {
		o.db = d
		o.n = n
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		o.tel = t
	}
}

func WithResolver(r stage.Resolver) Option {
	return func(o *Orchestrator) {
		o.resolver = r
	}
}

func WithProvisioner(p stage.Provisioner) Option {
	return func(o *Orchestrator) {
		o.prov = p
	}
}

// WithExecutor replaces the stage runner entirely.
func WithExecutor(e pipeline.Executor) Option {
	return func(o *Orchestrator) {
		o.exec = e
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.l = l
	}
}

func New(ctx context.Context, cfg *config.Config, def pipeline.Definition, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg: cfg,
		def: def,
		l:   log.FromContext(ctx),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.l = o.l.With("component", "orchestrator")

	graph, diags := def.Compile()
	for _, w := range diags.Warnings {
		o.l.Warn("pipeline definition", "warning", w.String())
	}
	if diags.IsErr() {
		return nil, fmt.Errorf("invalid pipeline definition: %w", diags.Err())
	}
	o.graph = graph.WithLogger(log.SubLogger(o.l, "pipeline"))

	if o.exec == nil {
		if err := o.buildRunner(); err != nil {
			return nil, errors.Join(err, o.Close())
		}
	}
	if o.tel != nil {
		o.exec = o.tel.Executor(o.exec)
	}

	return o, nil
}

func (o *Orchestrator) buildRunner() error {
	if o.resolver == nil {
		r, closer, err := NewResolver(o.cfg, o.l)
		if err != nil {
			return err
		}
		o.resolver = r
		o.closers = append(o.closers, closer)
	}

	if o.prov == nil {
		var docker provision.ImageClient
		if len(o.def.Provision.Images) > 0 {
			cli, err := provision.NewDockerClient()
			if err != nil {
				return fmt.Errorf("connecting to docker: %w", err)
			}
			docker = cli
			o.closers = append(o.closers, cli.Close)
		}
		o.prov = provision.New(o.def.Provision, o.cfg.Pipeline.Workdir, docker, log.SubLogger(o.l, "provision"))
	}

	c, err := cache.New(o.cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("preparing download cache: %w", err)
	}

	if !o.cfg.Publish.Complete() && o.needsCredentials() {
		o.l.Warn("publish credentials are incomplete", "user", o.cfg.Publish.User, "token", o.cfg.Publish.Token)
	}

	o.exec = stage.NewRunner(stage.RunnerConfig{
		Dependency: o.def.Dependency,
		Workdir:    o.cfg.Pipeline.Workdir,
		RunDir:     o.cfg.Pipeline.RunDir,
		Timeout:    o.cfg.Pipeline.StageTimeout,
		Credentials: stage.Credentials{
			User:  o.cfg.Publish.User,
			Token: o.cfg.Publish.Token,
		},
	}, o.resolver, o.prov, c, log.SubLogger(o.l, "stage"))
	return nil
}

func (o *Orchestrator) needsCredentials() bool {
	for _, s := range o.graph.Stages() {
		if s.Definition.Credentials {
			return true
		}
	}
	return false
}

// NewResolver builds the branch resolver described by cfg: git ls-remote
// with retries behind redis when an address is configured, or an in-process
// cache otherwise.
func NewResolver(cfg *config.Config, l *slog.Logger) (*pin.Resolver, func() error, error) {
	if l == nil {
		l = log.New("tandem")
	}
	rl := log.SubLogger(l, "pin")

	var (
		c      pin.Cache
		closer func() error
	)
	if cfg.Resolve.RedisAddr != "" {
		rc := pin.NewRedisCache(cfg.Resolve.RedisAddr, rl)
		c, closer = rc, rc.Close
	} else {
		mc, err := pin.NewMemoryCache()
		if err != nil {
			return nil, nil, fmt.Errorf("creating branch cache: %w", err)
		}
		c = mc
		closer = func() error {
			mc.Close()
			return nil
		}
	}

	r := pin.NewResolver(
		pin.NewGitRemote(cfg.Resolve.Attempts, rl),
		pin.WithCache(c, cfg.Resolve.CacheTTL),
		pin.WithTimeout(cfg.Resolve.Timeout),
		pin.WithLogger(rl),
	)
	return r, closer, nil
}

func (o *Orchestrator) Graph() *pipeline.Graph {
	return o.graph
}

func (o *Orchestrator) Run(ctx context.Context, ev trigger.Event, observers ...pipeline.Observer) *pipeline.Run {
	return o.RunWithID(ctx, uuid.NewString(), ev, observers...)
}

func (o *Orchestrator) RunWithID(ctx context.Context, id string, ev trigger.Event, observers ...pipeline.Observer) *pipeline.Run {
	if o.tel == nil {
		return o.graph.RunWithID(ctx, id, ev, o.exec, o.observers(observers)...)
	}

	ctx, end := o.tel.StartRun(ctx, id, ev)
	r := o.graph.RunWithID(ctx, id, ev, o.exec, o.observers(observers)...)
	end(r)
	return r
}

func (o *Orchestrator) observers(extra []pipeline.Observer) []pipeline.Observer {
	var obs []pipeline.Observer
	if o.db != nil {
		obs = append(obs, func(t pipeline.Transition) {
			if err := o.db.RecordTransition(t, o.n); err != nil {
				o.l.Error("failed to record transition", "run", t.RunID, "stage", t.Stage, "error", err)
			}
		})
	}
	if o.tel != nil {
		obs = append(obs, o.tel.Observe)
	}
	return append(obs, extra...)
}

func (o *Orchestrator) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		errs = append(errs, o.closers[i]())
	}
	o.closers = nil
	return errors.Join(errs...)
}
