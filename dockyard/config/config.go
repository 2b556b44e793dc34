package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6560"`
	DBPath     string `env:"DB_PATH, default=dockyard.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=dockyard"`
}

type Pipelines struct {
	JobsDir   string `env:"JOBS_DIR, default=.dockyard/jobs"`
	Workspace string `env:"WORKSPACE, default=."`
	LogDir    string `env:"LOG_DIR, default=/var/log/dockyard"`

	// "docker" runs pre-build scripts in a container of ScriptImage,
	// "local" runs them with the host's bash
	ScriptRunner string `env:"SCRIPT_RUNNER, default=docker"`
	ScriptImage  string `env:"SCRIPT_IMAGE, default=docker.io/library/bash:5"`

	// zero means no timeout
	JobTimeout time.Duration `env:"JOB_TIMEOUT, default=0"`

	PushAttempts       uint     `env:"PUSH_ATTEMPTS, default=1"`
	VerifyPush         bool     `env:"VERIFY_PUSH, default=true"`
	InsecureRegistries []string `env:"INSECURE_REGISTRIES"`

	// keep the per-run local image tags after a run
	KeepImages bool `env:"KEEP_IMAGES, default=false"`

	QueueSize int `env:"QUEUE_SIZE, default=100"`
	Workers   int `env:"WORKERS, default=2"`
}

type Config struct {
	Server    Server    `env:",prefix=DOCKYARD_SERVER_"`
	Secrets   Secrets   `env:",prefix=DOCKYARD_SECRETS_"`
	Pipelines Pipelines `env:",prefix=DOCKYARD_PIPELINES_"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
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
