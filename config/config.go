package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
	"tangled.sh/tangled.sh/tandem/log"
)

type Pipeline struct {
	File         string        `env:"FILE, default=tandem.yml"`
	Workdir      string        `env:"WORKDIR, default=."`
	RunDir       string        `env:"RUN_DIR, default=.tandem/runs"`
	StageTimeout time.Duration `env:"STAGE_TIMEOUT, default=30m"`
}

type Resolve struct {
	Timeout   time.Duration `env:"TIMEOUT, default=15s"`
	Attempts  uint          `env:"ATTEMPTS, default=3"`
	CacheTTL  time.Duration `env:"CACHE_TTL, default=5m"`
	RedisAddr string        `env:"REDIS_ADDR"`
}

type Cache struct {
	Dir string `env:"DIR, default=.tandem/cache"`
}

// Publish holds the upload credentials. They are only handed to stages that
// ask for credentials and never appear in log output.
type Publish struct {
	User  log.Secret `env:"USER"`
	Token log.Secret `env:"TOKEN"`
}

func (p Publish) Complete() bool {
	return p.User != "" && p.Token != ""
}

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6556"`
	DBPath     string `env:"DB_PATH, default=tandem.db"`
	QueueSize  int    `env:"QUEUE_SIZE, default=100"`
	Workers    int    `env:"WORKERS, default=2"`
}

type Telemetry struct {
	// one of none, stdout, otlp
	Exporter string `env:"EXPORTER, default=none"`
}

type Config struct {
	LogLevel  string    `env:"TANDEM_LOG_LEVEL, default=info"`
	Pipeline  Pipeline  `env:",prefix=TANDEM_PIPELINE_"`
	Resolve   Resolve   `env:",prefix=TANDEM_RESOLVE_"`
	Cache     Cache     `env:",prefix=TANDEM_CACHE_"`
	Publish   Publish   `env:",prefix=TANDEM_PUBLISH_"`
	Server    Server    `env:",prefix=TANDEM_SERVER_"`
	Telemetry Telemetry `env:",prefix=TANDEM_TELEMETRY_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFrom is Load with an explicit lookuper, used by tests and by callers
// that assemble the environment themselves.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
