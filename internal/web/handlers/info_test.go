package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudctl/internal/web/handlers"
)

type stubCatalog map[string][]string

func (c stubCatalog) Functions() []string {
	return []string{"audit", "rbac"}
}

func (c stubCatalog) Actions(function string) []string {
	return c[function]
}

var catalog = stubCatalog{
	"audit": {"list"},
	"rbac":  {"createUser", "listUsers"},
}

func TestInfo(t *testing.T) {
	t.Run("should return JSON by default when not using curl", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
		req.Header.Set("User-Agent", "Mozilla/5.0")
		w := httptest.NewRecorder()

		handlers.Info("1.2.3", catalog).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "cloudctl-admin", response["service"])
		assert.Equal(t, "1.2.3", response["version"])
		assert.Equal(t, map[string]any{
			"audit": []any{"list"},
			"rbac":  []any{"createUser", "listUsers"},
		}, response["functions"])
	})

	t.Run("should return text when user-agent contains curl", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
		req.Header.Set("User-Agent", "CuRl/8.1.0")
		w := httptest.NewRecorder()

		handlers.Info("1.2.3", catalog).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
		body := w.Body.String()
		assert.Contains(t, body, "cloudctl admin API 1.2.3")
		assert.Contains(t, body, "createUser, listUsers")
	})

	t.Run("should return JSON when format=json is explicitly set", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/info?format=json", nil)
		req.Header.Set("User-Agent", "curl/7.68.0")
		w := httptest.NewRecorder()

		handlers.Info("1.2.3", catalog).ServeHTTP(w, req)

		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})

	t.Run("should return error for invalid format parameter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/info?format=invalid", nil)
		w := httptest.NewRecorder()

		handlers.Info("1.2.3", catalog).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid format parameter")
	})

	t.Run("should include all expected endpoints", func(t *testing.T) {
		expected := []string{"/health", "/api/info", "/api/functions/{name}", "/api/exports/{id}"}

		req := httptest.NewRequest(http.MethodGet, "/api/info?format=json", nil)
		w := httptest.NewRecorder()
		handlers.Info("1.2.3", catalog).ServeHTTP(w, req)

		var response map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		var paths []string
		for _, ep := range response["endpoints"].([]any) {
			paths = append(paths, ep.(map[string]any)["path"].(string))
		}
		assert.ElementsMatch(t, expected, paths)

		req = httptest.NewRequest(http.MethodGet, "/api/info?format=text", nil)
		w = httptest.NewRecorder()
		handlers.Info("1.2.3", catalog).ServeHTTP(w, req)
		for _, path := range expected {
			assert.Contains(t, w.Body.String(), path)
		}
	})
}
