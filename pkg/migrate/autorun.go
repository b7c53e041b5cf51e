package migrate

import (
	"context"
	"fmt"

	"github.com/reliablestore/storefront/pkg/config"
	"github.com/reliablestore/storefront/pkg/db"
	"github.com/reliablestore/storefront/pkg/logger"
)

// MaybeRunDev executes migrations automatically when the app is running in dev mode and
// the feature flag is enabled. SQLite databases are always migrated since they
// only exist for local runs.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.FeatureFlags.UseSQLite && (!cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate) {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	dialect := DialectFor(cfg.DB.Driver)
	meta := map[string]any{"env": cfg.App.Env, "dir": DefaultDir, "dialect": dialect}
	ctx = logg.WithFields(ctx, meta)
	logg.Info(ctx, "running Goose migrations (dev auto-run)")

	if err := Run(ctx, sqlDB, dialect, DefaultDir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "Goose migrations completed")
	return nil
}
