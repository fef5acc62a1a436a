package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"tangled.sh/tangled.sh/tandem/cache"
	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/manifest"
	"tangled.sh/tangled.sh/tandem/pin"
	"tangled.sh/tangled.sh/tandem/trigger"
)

// Dependency is the sibling library whose ref follows the branch under test.
type Dependency struct {
	Name    string `yaml:"name"`
	Repo    string `yaml:"repo"`
	Default string `yaml:"default"`
}

type Resolver interface {
	Resolve(ctx context.Context, branch trigger.BranchName, repoURL, name, defaultRef string) pin.Pin
}

type Provisioner interface {
	Provision(ctx context.Context, id ID) error
}

type Credentials struct {
	User  log.Secret
	Token log.Secret
}

type RunnerConfig struct {
	Dependency  Dependency
	Workdir     string
	RunDir      string
	Timeout     time.Duration
	Shell       []string
	Credentials Credentials
}

type Runner struct {
	cfg      RunnerConfig
	resolver Resolver
	prov     Provisioner
	cache    *cache.Dir
	l        *slog.Logger
}

func NewRunner(cfg RunnerConfig, resolver Resolver, prov Provisioner, c *cache.Dir, l *slog.Logger) *Runner {
	if len(cfg.Shell) == 0 {
		cfg.Shell = []string{"bash", "-c"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "."
	}
	if l == nil {
		l = log.New("stage")
	}
	return &Runner{
		cfg:      cfg,
		resolver: resolver,
		prov:     prov,
		cache:    c,
		l:        l,
	}
}

// Execute runs one stage to completion and always returns its result;
// failures are reported through Result, never as a panic or a lost stage.
func (r *Runner) Execute(ctx context.Context, job Job) Result {
	def := job.Definition
	res := Result{
		Stage:     def.ID,
		StartedAt: time.Now(),
	}
	l := r.l.With("stage", def.ID, "run", job.RunID)

	fail := func(kind FailureKind, err error) Result {
		res.Outcome = Failure
		res.Kind = kind
		res.Err = err
		res.FinishedAt = time.Now()
		l.Error("stage failed", "kind", kind, "error", err, "took", res.Duration())
		return res
	}

	var masks []string
	if def.Credentials {
		masks = append(masks, r.cfg.Credentials.User.Reveal(), r.cfg.Credentials.Token.Reveal())
	}

	logger, err := NewLogger(r.cfg.RunDir, job.RunID, def.ID, masks...)
	if err != nil {
		return fail(FailureInternal, err)
	}
	defer logger.Close()
	res.LogPath = logger.Path()

	if def.Command == "" {
		return fail(FailureInternal, fmt.Errorf("stage %s has no command", def.ID))
	}

	res.Branch = trigger.ParseBranch(job.Event)
	env := []string{
		"TANDEM_STAGE=" + string(def.ID),
		"TANDEM_RUN=" + job.RunID,
		"TANDEM_BRANCH=" + res.Branch.String(),
	}

	if def.Manifest != "" {
		menv, ref, cleanup, err := r.prepareManifest(ctx, job, res.Branch, logger)
		defer cleanup()
		if err != nil {
			var perr *manifest.PatchError
			if errors.As(err, &perr) || errors.Is(err, os.ErrNotExist) {
				logger.Control("manifest", "%s", err)
				return fail(FailurePatch, err)
			}
			return fail(FailureInternal, err)
		}
		res.PinnedRef = ref
		env = append(env, menv...)
	}

	if def.Provision {
		if r.prov == nil {
			return fail(FailureInternal, errors.New("stage needs provisioning but no provisioner is configured"))
		}
		logger.Control("provision", "provisioning environment")
		if err := r.prov.Provision(ctx, def.ID); err != nil {
			logger.Control("provision", "%s", err)
			return fail(FailureProvisioning, err)
		}
	}

	if def.Credentials {
		env = append(env,
			"TANDEM_PUBLISH_USER="+r.cfg.Credentials.User.Reveal(),
			"TANDEM_PUBLISH_TOKEN="+r.cfg.Credentials.Token.Reveal(),
		)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if def.Install != "" {
		if code, err := r.runStep(ctx, logger, "install", def.Install, env); err != nil {
			res.ExitCode = code
			return fail(FailureTool, err)
		}
	}

	if code, err := r.runStep(ctx, logger, "command", def.Command, env); err != nil {
		res.ExitCode = code
		return fail(FailureTool, err)
	}

	res.Outcome = Success
	res.FinishedAt = time.Now()
	l.Info("stage succeeded", "took", res.Duration())
	return res
}

// prepareManifest resolves the dependency pin and writes the patched
// manifest twice: a working copy next to the original, so that relative
// -r and -c includes resolve as they do for the checked-in file, and a record
// in the run directory. The returned func removes the working copy.
func (r *Runner) prepareManifest(ctx context.Context, job Job, branch trigger.BranchName, logger *Logger) ([]string, string, func(), error) {
	def := job.Definition
	dep := r.cfg.Dependency
	cleanup := func() {}

	src := filepath.Join(r.cfg.Workdir, def.Manifest)
	m, err := manifest.Load(src)
	if err != nil {
		return nil, "", cleanup, err
	}

	var p pin.Pin
	if dep.Name != "" {
		p = r.resolver.Resolve(ctx, branch, dep.Repo, dep.Name, dep.Default)
		logger.Control("resolve", "%s pinned to %s (default: %t)", dep.Name, p.Ref, p.Default)
	}
	patched := manifest.Patch(m, p)

	record := filepath.Join(r.cfg.RunDir, job.RunID, fmt.Sprintf("%s.requirements.txt", def.ID))
	if err := patched.WriteFile(record); err != nil {
		return nil, "", cleanup, fmt.Errorf("writing patched manifest: %w", err)
	}

	work, err := filepath.Abs(WorkingManifestPath(src, job.RunID, def.ID))
	if err != nil {
		return nil, "", cleanup, err
	}
	if err := patched.WriteFile(work); err != nil {
		return nil, "", cleanup, fmt.Errorf("writing patched manifest: %w", err)
	}
	cleanup = func() {
		if err := os.Remove(work); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.l.Warn("failed to remove patched manifest", "path", work, "error", err)
		}
	}

	env := []string{
		"TANDEM_MANIFEST=" + work,
		"TANDEM_DEPENDENCY_REF=" + p.Ref,
	}

	if r.cache != nil {
		entry, err := r.cache.Prepare(manifest.CacheKey(patched))
		if err != nil {
			return nil, "", cleanup, err
		}
		logger.Control("cache", "download cache %s (hit: %t, %s)", entry.Key[:12], entry.Hit, entry.HumanSize())
		env = append(env, "TANDEM_CACHE_DIR="+entry.Path)
	}

	return env, p.Ref, cleanup, nil
}

// WorkingManifestPath is where the patched copy of src is installed
// from during a stage.
func WorkingManifestPath(src, runID string, id ID) string {
	return filepath.Join(filepath.Dir(src), fmt.Sprintf(".tandem-%s-%s.txt", runID, id))
}

func (r *Runner) runStep(ctx context.Context, logger *Logger, step, script string, env []string) (int, error) {
	logger.Control(step, "running %s", step)

	args := append(append([]string(nil), r.cfg.Shell[1:]...), script)
	cmd := exec.CommandContext(ctx, r.cfg.Shell[0], args...)
	cmd.Dir = r.cfg.Workdir
	cmd.Env = append(os.Environ(), env...)
	stdout := logger.DataWriter(step, "stdout")
	stderr := logger.DataWriter(step, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// don't wait forever on grandchildren that keep the pipes open
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	stdout.Close()
	stderr.Close()
	if ctx.Err() == context.DeadlineExceeded {
		logger.Control(step, "%s timed out", step)
		return -1, fmt.Errorf("%s: %w", step, ErrTimedOut)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			logger.Control(step, "%s exited with code %d", step, code)
			return code, fmt.Errorf("%s: %w (exit code %d)", step, ErrToolFailed, code)
		}
		logger.Control(step, "%s could not start: %s", step, err)
		return -1, fmt.Errorf("%s: %w", step, err)
	}

	logger.Control(step, "%s finished", step)
	return 0, nil
}
