// Package app wires the framesearch components together. Everything is built once by
// New and shared read-only afterwards.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdougie/framesearch/internal/config"
	"github.com/bdougie/framesearch/internal/embeddings"
	"github.com/bdougie/framesearch/internal/export"
	"github.com/bdougie/framesearch/internal/idmap"
	"github.com/bdougie/framesearch/internal/layout"
	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/query"
	"github.com/bdougie/framesearch/internal/scope"
	"github.com/bdougie/framesearch/internal/storage"
)

// Stores holds the database-backed components.
type Stores struct {
	Postgres *storage.Postgres
	Index    *storage.PostgresIndex
	Metadata storage.MetadataStore
}

// OpenStores connects the metadata store and, when withIndex is set, the vector index.
// Postgres is only dialed when one of them needs it.
func OpenStores(ctx context.Context, cfg *config.Config, withIndex bool) (*Stores, error) {
	s := &Stores{}
	if withIndex || cfg.Metadata.Driver == storage.DriverPostgres {
		pg, err := storage.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		s.Postgres = pg
	}

	if withIndex {
		ix, err := storage.NewPostgresIndex(s.Postgres, cfg.Index)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Index = ix
	}

	md, err := storage.OpenMetadata(cfg.Metadata, s.Postgres)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Metadata = md
	return s, nil
}

// Close releases the database connections
func (s *Stores) Close() {
	if s.Metadata != nil {
		s.Metadata.Close()
	}
	if s.Postgres != nil {
		s.Postgres.Close()
	}
}

// App is the dependency container handed to the HTTP server and the CLI.
type App struct {
	*Stores

	Config     *config.Config
	Logger     *slog.Logger
	Mapping    *idmap.Mapping
	Embeddings *embeddings.Service
	Resolver   *scope.Resolver
	Query      *query.Service
	Dataset    layout.Dataset
	// Exporter is nil when export is disabled.
	Exporter *export.Exporter
	Metrics  *metrics.Recorder
}

// New builds every component needed to serve queries.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	mapping, err := idmap.Load(cfg.Data.IDMapPath)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded id map", "path", cfg.Data.IDMapPath, "keyframes", mapping.Len())

	provider, err := embeddings.NewOpenAIProvider(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	stores, err := OpenStores(ctx, cfg, true)
	if err != nil {
		return nil, err
	}

	a := &App{
		Stores:  stores,
		Config:  cfg,
		Logger:  logger,
		Mapping: mapping,
		Embeddings: embeddings.NewService(provider, embeddings.Options{
			Workers:           cfg.Embedding.Workers,
			Cache:             cfg.Embedding.Cache,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		}),
		Resolver: scope.NewResolver(mapping, stores.Index),
		Dataset:  layout.Dataset{Root: cfg.Data.KeyframesRoot},
		Metrics:  metrics.New(),
	}
	a.Query = query.NewService(a.Embeddings, stores.Index, stores.Metadata, a.Resolver,
		query.WithLogger(logger.With("component", "query")),
		query.WithDefaultTopK(cfg.Query.DefaultTopK),
		query.WithTextThreshold(cfg.Query.TextThreshold),
	)
	if cfg.Export.Enabled {
		a.Exporter = export.New(cfg.Export.Dir, cfg.Export.Limit)
	}

	logger.Info("embedding provider ready", "provider", provider.Name(), "workers", cfg.Embedding.Workers)
	return a, nil
}

// Close shuts down the embedding workers and the database connections.
func (a *App) Close() {
	if a.Embeddings != nil {
		a.Embeddings.Close()
	}
	if a.Stores != nil {
		a.Stores.Close()
	}
}
