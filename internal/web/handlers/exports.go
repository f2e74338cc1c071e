package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/go-chi/chi/v5"

	"cloudctl/internal/features/rbac"
)

// jobGetter interface for dependency injection
type jobGetter interface {
	GetJob(ctx context.Context, id string) (*rbac.Job, error)
}

// artifactOpener reads stored export artifacts
type artifactOpener interface {
	Open(key string) (*os.File, error)
}

// Export handles the /api/exports/{id} endpoint
func Export(jobs jobGetter, artifacts artifactOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := jobs.GetJob(r.Context(), id)
		if errors.Is(err, rbac.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Export not found: %s", id), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get export: %v", err), http.StatusInternalServerError)
			return
		}
		if job.Kind != rbac.JobExport {
			http.Error(w, fmt.Sprintf("Job %s is not an export", id), http.StatusNotFound)
			return
		}
		if job.Status != rbac.JobSucceeded || job.Artifact == "" {
			http.Error(w, fmt.Sprintf("Export %s is %s", id, job.Status), http.StatusConflict)
			return
		}
		if artifacts == nil {
			http.Error(w, "Exports are not stored on this server", http.StatusNotFound)
			return
		}

		f, err := artifacts.Open(job.Artifact)
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, fmt.Sprintf("Export artifact is gone: %s", job.Artifact), http.StatusGone)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open export: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", rbac.ContentType(job.Format))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(job.Artifact)))
		if info, err := f.Stat(); err == nil {
			w.Header().Set("Content-Length", fmt.Sprint(info.Size()))
		}
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
	}
}
