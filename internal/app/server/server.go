package server

import (
	"context"
	"fmt"
	"path/filepath"

	"cloudctl/internal/config"
	"cloudctl/internal/features/rbac"
	"cloudctl/internal/gateway"
	"cloudctl/internal/logging"
	"cloudctl/internal/storage"
)

// Config holds the HTTP side of the admin server
type Config struct {
	Host      string
	Port      string
	TokenHash string
	Version   string
}

// Admin is the opened admin backend: database, job runner, gateway and
// export storage
type Admin struct {
	Store   *rbac.Store
	Jobs    *rbac.Jobs
	Gateway *gateway.Gateway
	Exports *storage.LocalStore

	workers int
}

// OpenAdmin opens the database at cfg.DBPath and wires the gateway
// functions. Paths are resolved against baseDir. Jobs do not run until
// Start is called.
func OpenAdmin(ctx context.Context, cfg config.Admin, baseDir string) (*Admin, error) {
	dbPath := cfg.DBPath
	if dbPath != ":memory:" && !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(baseDir, dbPath)
	}
	exportDir := cfg.ExportDir
	if !filepath.IsAbs(exportDir) {
		exportDir = filepath.Join(baseDir, exportDir)
	}

	store, err := rbac.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin database: %w", err)
	}
	logging.Out.WithField("path", dbPath).Debug("admin database open")

	exports := &storage.LocalStore{Dir: exportDir}
	jobs := rbac.NewJobs(store, exports, 64, cfg.JobTimeout.Duration)

	g := gateway.New(gateway.StoreAuthorizer(store, gateway.DefaultActor))
	gateway.RegisterAdmin(g, store, jobs)

	return &Admin{
		Store:   store,
		Jobs:    jobs,
		Gateway: g,
		Exports: exports,
		workers: cfg.Workers,
	}, nil
}

// Start launches the job workers; they stop when ctx is done
func (a *Admin) Start(ctx context.Context) error {
	return a.Jobs.Start(ctx, a.workers)
}

// Close waits for the job workers and closes the database. The context
// given to Start must be done first.
func (a *Admin) Close() error {
	a.Jobs.Wait()
	return a.Store.Close()
}

// Serve runs the admin backend and its HTTP server until ctx is cancelled
func Serve(ctx context.Context, cfg Config, admin *Admin) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the queue lives in this process, so jobs from an earlier one can never finish
	recovered, err := admin.Jobs.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logging.Out.WithField("jobs", recovered).Warn("marked interrupted jobs as failed")
	}

	if err := admin.Start(ctx); err != nil {
		return err
	}

	err = StartHTTPServer(ctx, cfg, admin)
	cancel()
	if closeErr := admin.Close(); err == nil {
		err = closeErr
	}
	return err
}
