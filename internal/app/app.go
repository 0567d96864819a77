// Package app wires configuration, storage backends, per-tenant stores
// and the HTTP API into one runnable server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	httpapi "github.com/loomdb/loom/internal/api/http"
	"github.com/loomdb/loom/internal/backup"
	"github.com/loomdb/loom/internal/config"
	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/flatstore"
	"github.com/loomdb/loom/internal/logging"
	"github.com/loomdb/loom/internal/surface"
	"github.com/loomdb/loom/internal/tablestore"
	"github.com/loomdb/loom/pkg/types"
)

// App manages the Loom server lifecycle.
type App struct {
	cfg    *config.Config
	logger logging.Logger

	// backend handles, exactly one is non-nil
	sqlDB *sql.DB
	ldb   *leveldb.DB

	storage backup.ObjectStorage
	server  *http.Server

	mu      sync.Mutex
	tenants map[string]httpapi.Tenant
}

// New creates an App with the given configuration, opening the backend
// database and backup storage.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		tenants: make(map[string]httpapi.Tenant),
	}

	var err error
	switch cfg.Backend {
	case config.BackendLevelDB:
		a.ldb, err = flatstore.OpenDatabase(cfg.DatabasePath())
	default:
		a.sqlDB, err = tablestore.OpenDatabase(cfg.DatabasePath())
	}
	if err != nil {
		return nil, err
	}

	switch cfg.Backup.Type {
	case "s3":
		a.storage, err = backup.NewS3Storage(ctx, cfg.Backup.S3.Bucket, backup.S3Config{
			Region:       cfg.Backup.S3.Region,
			Endpoint:     cfg.Backup.S3.Endpoint,
			UsePathStyle: cfg.Backup.S3.UsePathStyle,
		})
	default:
		a.storage, err = backup.NewLocalStorage(cfg.Backup.Path)
	}
	if err != nil {
		a.closeBackend()
		return nil, err
	}

	a.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.NewRouter(a.Tenant, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return a, nil
}

// Tenant resolves a tenant namespace, creating its store, surface
// generator and dumper on first use.
func (a *App) Tenant(ctx context.Context, name string) (httpapi.Tenant, error) {
	if !types.ValidIdentifier(name) {
		return httpapi.Tenant{}, errors.Malformed(errors.CategorySchema, "invalid tenant name %q", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if tenant, ok := a.tenants[name]; ok {
		return tenant, nil
	}

	var store tablestore.Store
	var err error
	if a.ldb != nil {
		store, err = flatstore.NewFlatStore(a.ldb, a.cfg.NamespacePrefix, name, a.logger)
	} else {
		store, err = tablestore.NewSQLStore(a.sqlDB, a.cfg.NamespacePrefix, name, a.logger)
	}
	if err != nil {
		return httpapi.Tenant{}, err
	}
	if err := store.Init(ctx); err != nil {
		return httpapi.Tenant{}, err
	}

	gen := surface.NewGenerator(store, a.logger)
	tenant := httpapi.Tenant{
		Store:   store,
		Surface: gen,
		Dumper:  backup.NewDumper(store, a.storage, a.logger),
		Loader:  gen.StoreLoader(),
	}
	a.tenants[name] = tenant
	a.logger.Infof("app: initialized tenant namespace %q", name)
	return tenant, nil
}

// Run serves the HTTP API until the listener fails or Shutdown is called.
func (a *App) Run() error {
	a.logger.Infof("app: serving on %s (backend %s)", a.cfg.HTTP.Addr, a.cfg.Backend)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server and closes the backend.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)

	a.mu.Lock()
	for name, tenant := range a.tenants {
		if cerr := tenant.Store.Close(); cerr != nil {
			a.logger.Errorf("app: closing tenant %q: %v", name, cerr)
		}
	}
	a.tenants = make(map[string]httpapi.Tenant)
	a.mu.Unlock()

	if cerr := a.closeBackend(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (a *App) closeBackend() error {
	if a.sqlDB != nil {
		return a.sqlDB.Close()
	}
	if a.ldb != nil {
		return a.ldb.Close()
	}
	return nil
}
