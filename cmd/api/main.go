package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"agencyflow/auth"
	"agencyflow/config"
	"agencyflow/contract"
	"agencyflow/db"
	"agencyflow/esign"
	"agencyflow/logging"
	"agencyflow/metrics"
	"agencyflow/migrations"
	"agencyflow/settlement"
)

const systemActor = "system"

var (
	// configPathFlag specifies the YAML config file path.
	configPathFlag = &cli.StringFlag{
		Name:    "config-file",
		Usage:   "The filepath to a yaml config file; environment variables override it",
		EnvVars: []string{"AGENCYFLOW_CONFIG"},
	}

	// verbosityFlag defines the log level.
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (debug, info=default, warn, error)",
		Value: "info",
	}

	// logFormatFlag specifies the log output format.
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json.",
		Value: "text",
	}

	migrateFlag = &cli.BoolFlag{
		Name:  "migrate",
		Usage: "Apply pending migrations before serving",
	}
)

func main() {
	app := &cli.App{
		Name:   "agencyflow",
		Usage:  "contract lifecycle and revenue settlement service",
		Flags:  []cli.Flag{configPathFlag, verbosityFlag, logFormatFlag},
		Before: setup,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Flags:  []cli.Flag{migrateFlag},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending schema migrations",
				Action: migrate,
			},
			{
				Name:   "expire",
				Usage:  "Expire ACTIVE and CONFIRMED contracts whose end date has passed",
				Action: expire,
			},
			{
				Name:  "token",
				Usage: "Issue an access token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "user id carried by the token", Required: true},
					&cli.StringFlag{Name: "role", Usage: "admin, legal or finance", Required: true},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 12 * time.Hour},
				},
				Action: issueToken,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("agencyflow failed", "error", err)
		os.Exit(1)
	}
}

const configKey = "config"

// setup loads configuration and installs the default logger. Flags win over
// the config file when set explicitly.
func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String(configPathFlag.Name))
	if err != nil {
		return err
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if c.IsSet(verbosityFlag.Name) || level == "" {
		level = c.String(verbosityFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) || format == "" {
		format = c.String(logFormatFlag.Name)
	}
	if err := logging.Configure(level, format); err != nil {
		return err
	}

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func loadedConfig(c *cli.Context) config.Config {
	cfg, _ := c.App.Metadata[configKey].(config.Config)
	return cfg
}

func connect(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.Database.DSN, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
}

func serve(c *cli.Context) error {
	cfg := loadedConfig(c)
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if c.Bool(migrateFlag.Name) {
		if _, err := db.Migrate(ctx, pool, migrations.FS); err != nil {
			return err
		}
	}

	tokens, err := auth.NewService(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	logger := slog.Default()
	server := &Server{
		contractService: contract.NewService(pool, nil).
			WithSignatureRequester(esign.NewRequester(cfg.ESign.BaseURL, cfg.ESign.Timeout)).
			WithLogger(logger),
		settlementService: settlement.NewService(pool, nil).WithLogger(logger),
		tokens:            tokens,
		db:                pool,
		registry:          registry,
		logger:            logger,
		requestTimeout:    cfg.HTTP.RequestTimeout,
		lookaheadDays:     cfg.Expiration.DefaultLookaheadDays,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.HTTP.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func migrate(c *cli.Context) error {
	pool, err := connect(c.Context, loadedConfig(c))
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	applied, err := db.Migrate(c.Context, pool, migrations.FS)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "applied", len(applied))
	return nil
}

func expire(c *cli.Context) error {
	pool, err := connect(c.Context, loadedConfig(c))
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	res, err := contract.NewService(pool, nil).ExpireDue(c.Context, systemActor)
	slog.Info("expire run", "expired", len(res.Expired), "skipped", res.Skipped)
	return err
}

func issueToken(c *cli.Context) error {
	tokens, err := auth.NewService(loadedConfig(c).Auth.JWTSecret)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(c.String("user"), auth.Role(c.String("role")), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
