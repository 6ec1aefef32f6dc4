// Command allowlist-import loads pre-issued user identities into the
// license store out of band. The server seeds its allow-list at startup;
// this tool covers the other provisioning path, where operators push a new
// identity batch at a running deployment's backend without restarting it.
//
// The identity source and the target store come from the same configuration
// the server reads (config.yaml plus KEYGATE_* environment variables), with
// flags overriding both. A sealed Google service-account file is opened with
// KEYGATE_ALLOWLIST_CREDENTIALS_PASSPHRASE; there is deliberately no
// passphrase flag, so secrets stay out of shell history.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"keygate/internal/config"
	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/provisioning"
	"keygate/internal/store"
)

func main() {
	source := flag.String("source", "", "identity source: csv | excel | sheets")
	path := flag.String("path", "", "identity file for the csv and excel sources")
	sheetID := flag.String("sheet-id", "", "spreadsheet ID for the sheets source")
	sheetRange := flag.String("sheet-range", "", "A1 range for the sheets source")
	credentials := flag.String("credentials", "", "service-account JSON for the sheets source")
	driver := flag.String("driver", "", "target store: postgres | mongo")
	dsn := flag.String("dsn", "", "target store connection string")
	database := flag.String("database", "", "database name for the mongo driver")
	dryRun := flag.Bool("dry-run", false, "load and validate the source without writing to the store")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Warn("Failed to load config, using defaults", "error", err)
		cfg = config.Default()
	}

	// Flags override the configured values only when given.
	if *source != "" {
		cfg.AllowList.Source = *source
	}
	if *path != "" {
		cfg.AllowList.Path = *path
	}
	if *sheetID != "" {
		cfg.AllowList.SheetID = *sheetID
	}
	if *sheetRange != "" {
		cfg.AllowList.SheetRange = *sheetRange
	}
	if *credentials != "" {
		cfg.AllowList.CredentialsFile = *credentials
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	if *database != "" {
		cfg.Store.Database = *database
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Warn("Failed to initialize logger, using default", "error", err)
		logger = slog.Default()
	}

	if err := run(cfg, *dryRun, logger); err != nil {
		attrs := []any{slog.String("error", err.Error())}
		if appErr, ok := apperrors.AsAppError(err); ok {
			attrs = append(attrs, slog.String("class", string(appErr.Type)))
			for k, v := range appErr.Context {
				attrs = append(attrs, slog.Any(k, v))
			}
		}
		logger.Error("Import failed", attrs...)
		os.Exit(1)
	}
}

func run(cfg *config.Config, dryRun bool, logger *slog.Logger) error {
	ctx := context.Background()

	src, err := provisioning.NewSource(cfg.AllowList)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("no identity source configured, pass -source or set allowlist.source")
	}

	target, closeTarget, err := openTarget(ctx, cfg.Store, dryRun)
	if err != nil {
		return err
	}
	if closeTarget != nil {
		defer func() {
			if err := closeTarget(ctx); err != nil {
				logger.Warn("store close failed", slog.String("error", err.Error()))
			}
		}()
	}

	added, err := provisioning.NewLoader(src, target, logger).Run(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		logger.Info("Dry run complete, no changes written",
			slog.String("source", src.Name()),
			slog.Int("would_add", added))
		return nil
	}

	logger.Info("Import complete",
		slog.String("source", src.Name()),
		slog.String("store", cfg.Store.Driver),
		slog.Int("added", added))
	return nil
}

// openTarget opens the import destination. A dry run targets a throwaway
// memory store, which still exercises the full parse and dedup path.
func openTarget(ctx context.Context, cfg config.StoreConfig, dryRun bool) (store.AllowListStore, func(context.Context) error, error) {
	if dryRun {
		return store.NewMemoryStore(), nil, nil
	}

	switch cfg.Driver {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres pool: %w", err)
		}
		pg, err := store.NewPostgresStore(connectCtx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		return pg, func(context.Context) error {
			pool.Close()
			return nil
		}, nil

	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		mg, err := store.NewMongoStore(connectCtx, client.Database(cfg.Database))
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("initialize mongo store: %w", err)
		}
		return mg, client.Disconnect, nil

	case "memory":
		return nil, nil, fmt.Errorf("the memory store would discard the import on exit, use -dry-run to validate a source")

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
