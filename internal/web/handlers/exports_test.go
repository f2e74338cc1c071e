package handlers_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudctl/internal/features/rbac"
	"cloudctl/internal/storage"
	"cloudctl/internal/web/handlers"
)

type mockJobs map[string]*rbac.Job

func (m mockJobs) GetJob(ctx context.Context, id string) (*rbac.Job, error) {
	if job, ok := m[id]; ok {
		return job, nil
	}
	return nil, fmt.Errorf("%w: job %s", rbac.ErrNotFound, id)
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

func TestExport(t *testing.T) {
	artifacts := &storage.LocalStore{Dir: t.TempDir()}
	_, err := artifacts.Put(context.Background(), "exports/users-done.csv", bytes.NewReader([]byte("username\nalice\n")), -1)
	require.NoError(t, err)

	jobs := mockJobs{
		"done":    {ID: "done", Kind: rbac.JobExport, Format: rbac.FormatCSV, Status: rbac.JobSucceeded, Artifact: "exports/users-done.csv"},
		"running": {ID: "running", Kind: rbac.JobExport, Format: rbac.FormatCSV, Status: rbac.JobRunning},
		"import":  {ID: "import", Kind: rbac.JobImport, Status: rbac.JobSucceeded},
		"gone":    {ID: "gone", Kind: rbac.JobExport, Format: rbac.FormatJSON, Status: rbac.JobSucceeded, Artifact: "exports/missing.json"},
	}

	router := chi.NewRouter()
	router.Get("/api/exports/{id}", handlers.Export(jobs, artifacts))

	get := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/exports/"+id, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("should stream a finished export", func(t *testing.T) {
		w := get("done")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Equal(t, `attachment; filename="users-done.csv"`, w.Header().Get("Content-Disposition"))
		assert.Equal(t, "username\nalice\n", w.Body.String())
	})

	t.Run("should map job states to statuses", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get("nope").Code)
		assert.Equal(t, http.StatusNotFound, get("import").Code)
		assert.Equal(t, http.StatusConflict, get("running").Code)
		assert.Equal(t, http.StatusGone, get("gone").Code)
	})
}

func TestHealth(t *testing.T) {
	t.Run("should report healthy", func(t *testing.T) {
		w := httptest.NewRecorder()
		handlers.Health(mockPinger{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy","service":"cloudctl-admin"}`, w.Body.String())
	})

	t.Run("should report an unreachable database", func(t *testing.T) {
		w := httptest.NewRecorder()
		handlers.Health(mockPinger{err: errors.New("database is locked")}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "database is locked")
	})
}
