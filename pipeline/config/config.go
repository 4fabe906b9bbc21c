package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6780"`
	DBPath     string `env:"DB_PATH, default=windlass.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Source struct {
	// RepoURL is the application repository that triggers runs.
	RepoURL      string        `env:"REPO_URL, required"`
	PollInterval time.Duration `env:"POLL_INTERVAL, default=1m"`
	// Branches limits polling to the branches the router knows about
	// plus anything else worth a build-only run.
	Branches []string `env:"BRANCHES, default=dev,stg,main"`
}

// ScanPolicy decides whether high/critical findings fail the run or
// are recorded and ignored. Both are valid pipeline configurations.
type ScanPolicy string

const (
	ScanBlock    ScanPolicy = "block"
	ScanAdvisory ScanPolicy = "advisory"
)

type Pipelines struct {
	RegistryHost    string        `env:"REGISTRY_HOST, required"`
	ImageRepository string        `env:"IMAGE_REPOSITORY, required"`
	Dockerfile      string        `env:"DOCKERFILE, default=Dockerfile"`
	StageTimeout    time.Duration `env:"STAGE_TIMEOUT, default=10m"`
	ApprovalTimeout time.Duration `env:"APPROVAL_TIMEOUT, default=15m"`
	ScanPolicy      ScanPolicy    `env:"SCAN_POLICY, default=advisory"`
	LogDir          string        `env:"LOG_DIR, default=/var/log/windlass"`
}

type GitOps struct {
	RepoURL     string `env:"REPO_URL, required"`
	Branch      string `env:"BRANCH, default=main"`
	DeployDir   string `env:"DEPLOY_DIR, default=deploy"`
	AuthorName  string `env:"AUTHOR_NAME, default=windlass"`
	AuthorEmail string `env:"AUTHOR_EMAIL, default=windlass@localhost"`
	// Retries bounds the conflict loop when the remote moves under a
	// push. Exceeding it is a reported failure, never a silent skip.
	Retries uint `env:"RETRIES, default=3"`
}

type Creds struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=windlass"`
}

type Config struct {
	Server    Server    `env:",prefix=WINDLASS_SERVER_"`
	Source    Source    `env:",prefix=WINDLASS_SOURCE_"`
	Pipelines Pipelines `env:",prefix=WINDLASS_PIPELINES_"`
	GitOps    GitOps    `env:",prefix=WINDLASS_GITOPS_"`
	Creds     Creds     `env:",prefix=WINDLASS_CREDS_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
