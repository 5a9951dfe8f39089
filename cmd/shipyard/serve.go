package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/animus-labs/shipyard-go/internal/api"
	"github.com/animus-labs/shipyard-go/internal/config"
	"github.com/animus-labs/shipyard-go/internal/ledger"
	"github.com/animus-labs/shipyard-go/internal/orchestrator"
	"github.com/animus-labs/shipyard-go/internal/platform/auth"
	"github.com/animus-labs/shipyard-go/internal/platform/dockerengine"
	"github.com/animus-labs/shipyard-go/internal/platform/httpserver"
	"github.com/animus-labs/shipyard-go/internal/platform/migrate"
	"github.com/animus-labs/shipyard-go/internal/platform/objectstore"
	"github.com/animus-labs/shipyard-go/internal/platform/postgres"
	"github.com/animus-labs/shipyard-go/internal/platform/sqlite"
)

const serviceName = "shipyard"

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), serveOptions{
				ConfigPath:      viper.GetString("config"),
				Addr:            viper.GetString("addr"),
				ShutdownTimeout: viper.GetDuration("shutdown-timeout"),
			})
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "time allowed for in-flight runs to reach a boundary")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("shutdown-timeout", cmd.Flags().Lookup("shutdown-timeout"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply ledger schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			if cfg.Ledger.Driver == config.LedgerMemory {
				fmt.Println("memory ledger has no schema")
				return nil
			}
			ctx := cmd.Context()
			db, dialect, err := openLedgerDB(ctx, cfg.Ledger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			applied, err := migrate.Up(ctx, db, dialect)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s) to %s ledger\n", applied, dialect)
			return nil
		},
	}
}

type serveOptions struct {
	ConfigPath      string
	Addr            string
	ShutdownTimeout time.Duration
}

func serve(parent context.Context, opts serveOptions) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, closeLedger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer closeLedger()

	clusters, err := cfg.ClientSet()
	if err != nil {
		return fmt.Errorf("clusters: %w", err)
	}
	deps := config.Deps{
		Logger:     logger,
		Clusters:   clusters,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	var readiness []httpserver.ReadinessCheck

	if cfg.NeedsDocker() {
		dockerCfg := dockerengine.ConfigFromEnv()
		docker, err := dockerengine.NewClient(dockerCfg)
		if err != nil {
			return err
		}
		defer func() { _ = docker.Close() }()
		registryAuth, err := dockerCfg.RegistryAuth()
		if err != nil {
			return fmt.Errorf("registry auth: %w", err)
		}
		deps.Docker = docker
		deps.RegistryAuth = registryAuth
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name:    "docker",
			Timeout: 2 * time.Second,
			Check: func(ctx context.Context) error {
				_, err := docker.Ping(ctx)
				return err
			},
		})
	}

	if cfg.NeedsObjectStore() {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("object store config: %w", err)
		}
		if cfg.Publish.Bucket != "" {
			storeCfg.Bucket = cfg.Publish.Bucket
		}
		cfg.Publish.Bucket = storeCfg.Bucket
		minioClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			return fmt.Errorf("object store client: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBucket(startupCtx, minioClient, storeCfg)
		cancel()
		if err != nil {
			return fmt.Errorf("object store bucket: %w", err)
		}
		blobs, err := objectstore.NewMinioStore(minioClient)
		if err != nil {
			return err
		}
		deps.Store = blobs
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name:    "objectstore",
			Timeout: 2 * time.Second,
			Check: func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, minioClient, storeCfg)
			},
		})
	}

	adapters, err := cfg.Adapters(deps)
	if err != nil {
		return fmt.Errorf("adapters: %w", err)
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Ledger:   store,
		Targets:  cfg.TargetSet(),
		Adapters: adapters,
		Policy:   cfg.Policy(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	resumed, err := orch.Resume(ctx)
	if err != nil {
		logger.Error("resume failed", "error", err)
	} else if resumed > 0 {
		logger.Info("resumed runs", "count", resumed)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	handler, err := api.New(api.Config{
		Service:        orch,
		Ledger:         store,
		Logger:         logger,
		Authenticator:  authenticator,
		WebhookSecret:  authCfg.WebhookSecret,
		WebhookMaxSkew: authCfg.WebhookMaxSkew,
		Readiness:      readiness,
	})
	if err != nil {
		return err
	}

	serveErr := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         serviceName,
		Addr:            opts.Addr,
		ShutdownTimeout: opts.ShutdownTimeout,
	}, httpserver.Wrap(logger, handler))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", "error", err)
	}
	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	logger.Info("shutdown complete")
	return nil
}

// openLedger returns the ledger named by cfg with its schema applied.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Ledger, func(), error) {
	if cfg.Driver == config.LedgerMemory {
		return ledger.NewMemoryStore(), func() {}, nil
	}
	db, dialect, err := openLedgerDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if _, err := migrate.Up(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return ledger.NewSQLStore(db, dialect), func() { _ = db.Close() }, nil
}

func openLedgerDB(ctx context.Context, cfg config.LedgerConfig) (*sql.DB, migrate.Dialect, error) {
	switch cfg.Driver {
	case config.LedgerSQLite:
		db, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Path})
		if err != nil {
			return nil, "", err
		}
		return db, migrate.DialectSQLite, nil
	case config.LedgerPostgres:
		pgCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, "", err
		}
		if cfg.URL != "" {
			pgCfg.URL = cfg.URL
		}
		db, err := postgres.Open(ctx, pgCfg)
		if err != nil {
			return nil, "", err
		}
		return db, migrate.DialectPostgres, nil
	default:
		return nil, "", errors.New("ledger driver has no database: " + cfg.Driver)
	}
}
