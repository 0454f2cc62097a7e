// Package bootstrap builds the collaborators shared by the binaries from
// configuration: logger, database pool and catalog source.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/crivet/dose-engine/internal/config"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/infrastructure/postgres"
	"github.com/crivet/dose-engine/internal/infrastructure/s3"
	"github.com/crivet/dose-engine/pkg/circuitbreaker"
)

// NewLogger returns a development logger for ENV=development and a
// production JSON logger otherwise, at LOG_LEVEL
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Postgres opens and pings a pool, then applies the schema
func Postgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")
	return pool, nil
}

// CatalogSource selects the profile source named by CATALOG_SOURCE. pool is
// required only for the postgres source; breakers only for s3.
func CatalogSource(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, breakers *circuitbreaker.Manager, logger *zap.Logger) (profile.Source, error) {
	switch cfg.CatalogSource {
	case config.CatalogEmbedded:
		return profile.EmbeddedSource{}, nil
	case config.CatalogDir:
		return profile.DirSource{Dir: cfg.CatalogDir}, nil
	case config.CatalogPostgres:
		if pool == nil {
			return nil, fmt.Errorf("catalog source postgres needs DATABASE_URL")
		}
		return postgres.NewCatalogSource(pool), nil
	case config.CatalogS3:
		var breaker *circuitbreaker.CircuitBreaker
		if breakers != nil {
			b, err := breakers.GetOrCreate("s3-catalog", circuitbreaker.DefaultConfig("s3-catalog"))
			if err != nil {
				return nil, err
			}
			breaker = b
		}
		return s3.New(ctx, s3.Config{
			Region:   cfg.AWSRegion,
			Bucket:   cfg.CatalogBucket,
			Prefix:   cfg.CatalogPrefix,
			Endpoint: cfg.S3Endpoint,
		}, breaker, logger.Named("s3"))
	default:
		return nil, fmt.Errorf("unknown catalog source %q", cfg.CatalogSource)
	}
}

// LoadCatalog loads and compiles the configured catalog
func LoadCatalog(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, breakers *circuitbreaker.Manager, logger *zap.Logger) (*profile.Repository, error) {
	src, err := CatalogSource(ctx, cfg, pool, breakers, logger)
	if err != nil {
		return nil, err
	}
	repo, err := profile.Load(ctx, src, logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("load catalog from %s: %w", cfg.CatalogSource, err)
	}
	return repo, nil
}
