package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"

	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/reliablestore/storefront/pkg/config"
	"github.com/reliablestore/storefront/pkg/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Client wraps the shared GORM connection.
type Client struct {
	conn *gorm.DB
}

// Pinger exposes the health check surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New boots a GORM client using the provided configuration. The sqlite
// driver is meant for local development only.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gormLogger := gormlogger.New(
		log.New(io.Discard, "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent},
	)

	gormCfg := &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}

	conn, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}

	applyPoolSettings(sqlDB, cfg)

	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if logg != nil {
		logCtx := logg.WithField(ctx, "driver", driverName(cfg))
		logg.Info(logCtx, "database connection established")
	}

	return &Client{conn: conn}, nil
}

func driverName(cfg config.DBConfig) string {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		return DriverPostgres
	}
	return driver
}

func dialectorFor(cfg config.DBConfig) (gorm.Dialector, error) {
	switch driverName(cfg) {
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database DSN is required")
		}
		return postgres.New(postgres.Config{
			DSN:                  cfg.DSN,
			PreferSimpleProtocol: true,
		}), nil
	case DriverSQLite:
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		return sqlite.Open(path), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func applyPoolSettings(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
}

// DB returns the underlying GORM connection.
func (c *Client) DB() *gorm.DB {
	return c.conn
}

// Ping verifies the datasource is reachable.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close shuts down the pooled connections.
func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
