package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"cloudctl/internal/logging"
)

// maxBody caps a request body; imports carry their payload inline
const maxBody = 16 << 20

// HTTPHandler serves POST requests for the function named by the {name}
// route parameter. A JSON array body is a batch and gets an array back.
// When tokenHash is set every request needs a matching bearer token.
func (g *Gateway) HTTPHandler(tokenHash string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if tokenHash != "" && !checkToken(tokenHash, r.Header.Get("Authorization")) {
			g.sendError(w, r, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid token")
			return
		}

		function := chi.URLParam(r, "name")
		if !g.Has(function) {
			g.sendError(w, r, http.StatusNotFound, CodeUnknownFunction, "unknown function: "+function)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			g.sendError(w, r, http.StatusBadRequest, CodeBadRequest, "failed to read request body")
			return
		}
		defer r.Body.Close()

		actor := strings.TrimSpace(r.Header.Get("X-Actor"))
		if actor == "" {
			actor = DefaultActor
		}

		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var batch []Request
			if err := json.Unmarshal(trimmed, &batch); err != nil {
				g.sendError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid JSON batch")
				return
			}
			responses := make([]Response, 0, len(batch))
			for _, req := range batch {
				responses = append(responses, g.Dispatch(r.Context(), function, actor, req))
			}
			writeJSON(w, http.StatusOK, responses)
			return
		}

		var req Request
		if err := json.Unmarshal(trimmed, &req); err != nil {
			g.sendError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid JSON")
			return
		}
		resp := g.Dispatch(r.Context(), function, actor, req)
		writeJSON(w, StatusFor(resp.Code), resp)
	}
}

func checkToken(hash, header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// HashToken returns the bcrypt hash stored as the admin token hash
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, Response{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err.WithError(err).Warn("failed to write response")
	}
}

// RequireToken guards plain HTTP routes with the same bearer token as the
// function endpoint. An empty hash lets every request through.
func RequireToken(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash != "" && !checkToken(tokenHash, r.Header.Get("Authorization")) {
				writeJSON(w, http.StatusUnauthorized, Response{
					Code:      CodeUnauthorized,
					Message:   "missing or invalid token",
					RequestID: middleware.GetReqID(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
