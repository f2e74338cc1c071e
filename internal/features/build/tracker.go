package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/features/pack"
	"cloudctl/internal/logging"
	"cloudctl/internal/storage"
)

// DefaultInterval is how often build status is polled
const DefaultInterval = 2000 * time.Millisecond

// API is the subset of the management client the tracker needs
type API interface {
	DescribeUploadInfo(ctx context.Context, envID, service string) (*cloudapi.UploadInfo, error)
	CreateVersion(ctx context.Context, req cloudapi.VersionRequest) (string, error)
	BuildStatus(ctx context.Context, envID, runID string) (string, error)
	BuildLogs(ctx context.Context, envID, runID string) (string, error)
}

// FailedError is returned when a build ends in build_fail
type FailedError struct {
	RunID   string
	LogFile string
}

func (e *FailedError) Error() string {
	if e.LogFile == "" {
		return fmt.Sprintf("build %s failed", e.RunID)
	}
	return fmt.Sprintf("build %s failed, logs written to %s", e.RunID, e.LogFile)
}

// Event is reported to the tracker's observer as a build progresses
type Event struct {
	Stage   string
	RunID   string
	Status  string
	Elapsed time.Duration
	Detail  string
}

// Tracker uploads a package, submits a build and follows it to completion
type Tracker struct {
	API      API
	EnvID    string
	Interval time.Duration
	LogDir   string

	// Uploader builds the store a package is PUT into; tests swap it
	Uploader func(info *cloudapi.UploadInfo) storage.ObjectStore

	// Observe, when set, is told about every stage and poll result
	Observe func(Event)
}

// Result describes a finished build
type Result struct {
	RunID          string
	Status         string
	PackageName    string
	PackageVersion string
	Polls          int
	Elapsed        time.Duration
}

// Upload packages dir and PUTs it into a fresh upload slot for service
func (t *Tracker) Upload(ctx context.Context, dir string, ignore []string, service string) (*cloudapi.UploadInfo, error) {
	pkg, err := pack.Zip(dir, pack.Options{Ignore: ignore})
	if err != nil {
		return nil, fmt.Errorf("failed to package %s: %w", dir, err)
	}
	t.emit(Event{Stage: "packaged", Detail: fmt.Sprintf("%d files, %d bytes", pkg.Files, pkg.Size())})

	info, err := t.API.DescribeUploadInfo(ctx, t.EnvID, service)
	if err != nil {
		return nil, fmt.Errorf("failed to get upload slot: %w", err)
	}

	uploader := t.Uploader
	if uploader == nil {
		uploader = func(info *cloudapi.UploadInfo) storage.ObjectStore {
			return &storage.PresignedPut{URL: info.UploadURL, Headers: info.Headers()}
		}
	}
	location, err := uploader(info).Put(ctx, info.PackageName, pkg.Reader(), pkg.Size())
	if err != nil {
		return nil, err
	}
	t.emit(Event{Stage: "uploaded", Detail: location})
	return info, nil
}

// CreateVersion uploads dir, submits a version build for req.ServerName and
// polls until it settles.
func (t *Tracker) CreateVersion(ctx context.Context, dir string, ignore []string, req cloudapi.VersionRequest) (*Result, error) {
	info, err := t.Upload(ctx, dir, ignore, req.ServerName)
	if err != nil {
		return nil, err
	}

	req.EnvID = t.EnvID
	req.PackageName = info.PackageName
	req.PackageVersion = info.PackageVersion
	runID, err := t.API.CreateVersion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit build: %w", err)
	}
	t.emit(Event{Stage: "submitted", RunID: runID})

	result, err := t.Poll(ctx, runID)
	if result != nil {
		result.PackageName = info.PackageName
		result.PackageVersion = info.PackageVersion
	}
	return result, err
}

// Poll checks the build status every Interval. "creating" keeps polling;
// "build_fail" fetches the build log, writes it to <LogDir>/<runID>.log
// and returns a *FailedError; any other status ends polling successfully.
func (t *Tracker) Poll(ctx context.Context, runID string) (*Result, error) {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	start := time.Now()
	polls := 0
	for {
		if err := sleepContext(ctx, interval); err != nil {
			return nil, err
		}

		status, err := t.API.BuildStatus(ctx, t.EnvID, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to query build %s: %w", runID, err)
		}
		polls++
		elapsed := time.Since(start)

		logging.Out.WithField("run_id", runID).WithField("status", status).Debug("build status")
		t.emit(Event{Stage: "polled", RunID: runID, Status: status, Elapsed: elapsed})

		switch status {
		case cloudapi.BuildCreating:
			continue

		case cloudapi.BuildFail:
			logFile, logErr := t.writeLogs(ctx, runID)
			if logErr != nil {
				logging.Err.WithError(logErr).Warn("failed to save build logs")
			}
			return &Result{RunID: runID, Status: status, Polls: polls, Elapsed: elapsed},
				&FailedError{RunID: runID, LogFile: logFile}

		default:
			return &Result{RunID: runID, Status: status, Polls: polls, Elapsed: elapsed}, nil
		}
	}
}

// logFileName names the log file of a run; ids that are not a single
// path element are refused
func logFileName(runID string) (string, error) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("run id %q cannot name a log file", runID)
	}
	return runID + ".log", nil
}

func (t *Tracker) writeLogs(ctx context.Context, runID string) (string, error) {
	name, err := logFileName(runID)
	if err != nil {
		return "", err
	}
	logs, err := t.API.BuildLogs(ctx, t.EnvID, runID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch build logs: %w", err)
	}

	dir := t.LogDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(logs), 0o644); err != nil {
		return "", fmt.Errorf("failed to write build logs: %w", err)
	}
	return path, nil
}

func (t *Tracker) emit(e Event) {
	if t.Observe != nil {
		t.Observe(e)
	}
}

// IsFailed reports whether err is a build failure
func IsFailed(err error) bool {
	var failed *FailedError
	return errors.As(err, &failed)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
