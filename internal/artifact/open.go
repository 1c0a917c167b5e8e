package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"foreman/internal/config"
	"foreman/internal/logging"
	"foreman/internal/services"
)

// Backend is an opened artifact store for a single run.
type Backend struct {
	// Store is what the engine reads and writes through.
	Store Store
	// Workspace is the local run output directory handed to workers as OUT_DIR.
	Workspace *DirStore
	// Cache is set when the in-memory cache is enabled.
	Cache *CachedStore

	db *sql.DB
}

// Close releases backend connections.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Open builds the artifact store configured for runID. The local workspace is
// always a DirStore under the run directory; remote backends replicate it.
func Open(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (*Backend, error) {
	logger = logging.NewComponentLogger(logger, "artifact")
	workspace, err := NewDirStore(cfg.RunOutputDir(runID), logger)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "artifact", "open workspace", "", err)
	}
	backend := &Backend{Store: workspace, Workspace: workspace}

	switch cfg.Artifacts.Backend {
	case config.ArtifactBackendDir, "":
	case config.ArtifactBackendS3:
		s3cfg := cfg.Artifacts.S3
		remote, err := NewS3Store(S3Config{
			Endpoint:  s3cfg.Endpoint,
			Region:    s3cfg.Region,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			Bucket:    s3cfg.Bucket,
			UseSSL:    s3cfg.UseSSL,
		}, runID)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "artifact", "open s3", "", err)
		}
		backend.Store = NewReplicatedStore(workspace, remote)
	case config.ArtifactBackendPostgres:
		db, err := OpenPostgres(ctx, cfg.Artifacts.Postgres.DSN)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "artifact", "open postgres", "", err)
		}
		remote, err := NewPostgresStore(db, runID)
		if err != nil {
			_ = db.Close()
			return nil, services.Wrap(services.ErrConfiguration, "artifact", "open postgres", "", err)
		}
		backend.db = db
		backend.Store = NewReplicatedStore(workspace, remote)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "artifact", "open",
			fmt.Sprintf("unsupported backend %q", cfg.Artifacts.Backend), nil)
	}

	if cfg.Artifacts.Cache.Enabled {
		cached, err := NewCachedStore(backend.Store, cfg.Artifacts.Cache.MaxEntries)
		if err != nil {
			_ = backend.Close()
			return nil, services.Wrap(services.ErrConfiguration, "artifact", "open cache", "", err)
		}
		backend.Cache = cached
		backend.Store = cached
	}

	logger.Debug("artifact store opened",
		logging.String("backend", cfg.Artifacts.Backend),
		logging.Bool("cache", cfg.Artifacts.Cache.Enabled),
		logging.String("workspace", workspace.Root()),
	)
	return backend, nil
}
