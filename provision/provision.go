package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"tangled.sh/tangled.sh/tandem/log"
	"tangled.sh/tangled.sh/tandem/stage"
)

// ImageClient is the part of the docker API the provisioner talks to.
type ImageClient interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
}

type ConfigFile struct {
	Template string `yaml:"template"`
	Target   string `yaml:"target"`
}

// Config is the provision block of the pipeline definition.
type Config struct {
	Scratch string     `yaml:"scratch"`
	VFRoot  string     `yaml:"vfroot"`
	Config  ConfigFile `yaml:"config"`
	Images  []string   `yaml:"images"`
}

type Provisioner struct {
	cfg     Config
	workdir string
	docker  ImageClient
	l       *slog.Logger
}

// NewDockerClient connects to the daemon described by the DOCKER_* env vars.
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

func New(cfg Config, workdir string, docker ImageClient, l *slog.Logger) *Provisioner {
	if l == nil {
		l = log.New("provision")
	}
	return &Provisioner{
		cfg:     cfg,
		workdir: workdir,
		docker:  docker,
		l:       l,
	}
}

// Provision prepares the scratch directories, the configuration file and the
// images a stage needs. Every step is idempotent.
func (p *Provisioner) Provision(ctx context.Context, id stage.ID) error {
	l := p.l.With("stage", id)

	for _, dir := range []string{p.cfg.Scratch, p.cfg.VFRoot} {
		if dir == "" {
			continue
		}
		dir = p.resolve(dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &ProvisioningError{Stage: id, Resource: dir, Err: err}
		}
		l.Debug("directory ready", "path", dir)
	}

	if p.cfg.Config.Template != "" {
		target, err := p.writeConfig()
		if err != nil {
			return &ProvisioningError{Stage: id, Resource: p.cfg.Config.Target, Err: err}
		}
		l.Info("wrote configuration", "template", p.cfg.Config.Template, "target", target)
	}

	if len(p.cfg.Images) == 0 {
		return nil
	}
	if p.docker == nil {
		return &ProvisioningError{Stage: id, Resource: "images", Err: fmt.Errorf("no docker client")}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range p.cfg.Images {
		g.Go(func() error {
			if err := p.ensureImage(gctx, l, ref); err != nil {
				return &ProvisioningError{Stage: id, Resource: ref, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Provisioner) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(p.workdir, dir)
}

func (p *Provisioner) writeConfig() (string, error) {
	data, err := os.ReadFile(filepath.Join(p.workdir, p.cfg.Config.Template))
	if err != nil {
		return "", fmt.Errorf("reading template: %w", err)
	}

	target, err := securejoin.SecureJoin(p.workdir, p.cfg.Config.Target)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}
	return target, nil
}

func (p *Provisioner) ensureImage(ctx context.Context, l *slog.Logger, ref string) error {
	info, err := p.docker.ImageInspect(ctx, ref)
	if err == nil {
		l.Debug("image present", "image", ref, "size", humanize.Bytes(uint64(info.Size)))
		return nil
	}

	l.Info("pulling image", "image", ref)
	reader, err := p.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()

	// errors reported inside the progress stream only surface once it is read
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}

	info, err = p.docker.ImageInspect(ctx, ref)
	if err != nil {
		return fmt.Errorf("image missing after pull: %w", err)
	}
	l.Info("pulled image", "image", ref, "size", humanize.Bytes(uint64(info.Size)))
	return nil
}
