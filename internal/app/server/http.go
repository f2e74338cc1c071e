package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"cloudctl/internal/gateway"
	"cloudctl/internal/logging"
	"cloudctl/internal/web/handlers"
)

// requestLogger logs one line per request through logrus
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		t1 := time.Now()

		defer func() {
			entry := logging.Out.WithFields(logrus.Fields{
				"method":    r.Method,
				"path":      r.URL.Path,
				"status":    ww.Status(),
				"bytes":     ww.BytesWritten(),
				"duration":  time.Since(t1).Round(time.Microsecond).String(),
				"remote":    r.RemoteAddr,
				"requestId": middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Info("request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// cors allows the dashboard to call the API from another origin
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, X-Actor, X-Request-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter wires the admin routes
func NewRouter(cfg Config, admin *Admin) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors)

	r.Get("/health", handlers.Health(admin.Store))
	r.Get("/api/info", handlers.Info(cfg.Version, admin.Gateway))

	r.Post("/api/functions/{name}", admin.Gateway.HTTPHandler(cfg.TokenHash))
	r.With(gateway.RequireToken(cfg.TokenHash)).Get("/api/exports/{id}", handlers.Export(admin.Store, admin.Exports))

	return r
}

// StartHTTPServer serves the admin API until ctx is cancelled
func StartHTTPServer(ctx context.Context, cfg Config, admin *Admin) error {
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:           NewRouter(cfg, admin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Out.WithField("addr", "http://"+server.Addr).Info("admin server listening")
	for _, name := range admin.Gateway.Functions() {
		logging.Out.WithField("actions", admin.Gateway.Actions(name)).Debugf("function %s", name)
	}
	if cfg.TokenHash == "" {
		logging.Err.Warn("no admin token configured, the API is open to anyone who can reach it")
	}

	go func() {
		<-ctx.Done()
		logging.Out.Info("shutting down admin server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Err.WithError(err).Warn("admin server forced to shut down")
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
