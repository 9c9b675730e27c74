package infra

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ErrNoDatabase means no DSN was configured and nothing could be started.
var ErrNoDatabase = errors.New("infra: no database available")

const defaultImage = "postgres:16-alpine"

// Database is a Postgres instance the tests may write to.
type Database struct {
	DSN string
	// Shared is set for databases the tests do not own; callers migrate
	// into a throwaway schema instead of the public one.
	Shared bool
	// Origin names where the DSN came from, for test logs.
	Origin string

	container *postgres.PostgresContainer
}

// ProvisionOptions orders the places a database is looked for.
type ProvisionOptions struct {
	DSN           string
	EnvVars       []string
	LocalFallback bool
}

// Provision resolves a database: an explicit DSN, then the first set env var,
// then a disposable container, then optionally a scratch database on a local
// server.
func Provision(ctx context.Context, opts ProvisionOptions) (*Database, error) {
	if opts.DSN != "" {
		return &Database{DSN: opts.DSN, Shared: true, Origin: "flag"}, nil
	}
	for _, key := range opts.EnvVars {
		if dsn := os.Getenv(key); dsn != "" {
			return &Database{DSN: dsn, Shared: true, Origin: key}, nil
		}
	}
	if DockerAvailable(ctx) {
		return startContainer(ctx)
	}
	if !opts.LocalFallback {
		return nil, fmt.Errorf("%w: docker is unavailable and none of %v is set", ErrNoDatabase, opts.EnvVars)
	}
	dsn, err := InitLocalDatabase(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: no docker and no local server: %v", ErrNoDatabase, err)
	}
	return &Database{DSN: dsn, Origin: "local"}, nil
}

func startContainer(ctx context.Context) (*Database, error) {
	image := os.Getenv("AGENCYFLOW_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}
	c, err := postgres.Run(ctx, image,
		postgres.WithDatabase("agencyflow"),
		postgres.WithUsername("agencyflow"),
		postgres.WithPassword("agencyflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start %s container: %w", image, err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("resolve connection string: %w", err)
	}
	return &Database{DSN: dsn, Origin: image, container: c}, nil
}

// Close stops the container when this process started one.
func (d *Database) Close(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}
