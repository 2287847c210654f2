package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/telepathy/internal/artifact"
	"github.com/MrWong99/telepathy/internal/config"
	"github.com/MrWong99/telepathy/internal/featcache"
	"github.com/MrWong99/telepathy/internal/history"
	"github.com/MrWong99/telepathy/internal/storage"
)

// openArtifacts returns the artifact store selected by cfg.Artifacts.
func openArtifacts(cfg *config.Config) (*artifact.Store, error) {
	a := cfg.Artifacts
	switch a.Backend {
	case config.BackendS3:
		client := storage.NewS3Client(storage.S3Options{
			Region:       a.Region,
			Endpoint:     a.Endpoint,
			UsePathStyle: a.UsePathStyle,
		})
		slog.Debug("artifact store", "backend", "s3", "bucket", a.Bucket, "prefix", a.Prefix)
		return artifact.NewStore(storage.NewS3(client, a.Bucket, a.Prefix)), nil
	default:
		fs, err := storage.NewLocal(a.Dir)
		if err != nil {
			return nil, fmt.Errorf("open artifact dir: %w", err)
		}
		slog.Debug("artifact store", "backend", "local", "dir", fs.Root())
		return artifact.NewStore(fs), nil
	}
}

// openHistory returns the prediction history store selected by
// cfg.History and a function releasing it.
func openHistory(ctx context.Context, cfg *config.Config) (history.Store, func(), error) {
	h := cfg.History
	if h.PostgresDSN == "" {
		return history.NewMemStore(h.MemoryLimit), func() {}, nil
	}
	pg, err := history.NewPostgresStore(ctx, h.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open history database: %w", err)
	}
	return pg, pg.Close, nil
}

// openFeatureCache opens the feature cache when train.feature_cache_dir is
// set. The returned cache is nil otherwise.
func openFeatureCache(cfg *config.Config) (*featcache.Cache, error) {
	if cfg.Train.FeatureCacheDir == "" {
		return nil, nil
	}
	scope := featcache.Scope(cfg.Features, cfg.Audio.SampleRate, cfg.Audio.MaxDuration)
	c, err := featcache.Open(featcache.Options{Dir: cfg.Train.FeatureCacheDir}, scope)
	if err != nil {
		return nil, err
	}
	return c, nil
}
