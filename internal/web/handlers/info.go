package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// functionCatalog lists what the gateway serves
type functionCatalog interface {
	Functions() []string
	Actions(function string) []string
}

type endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
	Parameters  string `json:"parameters,omitempty"`
}

var endpoints = []endpoint{
	{Method: "GET", Path: "/health", Description: "Health check endpoint"},
	{Method: "GET", Path: "/api/info", Description: "Server information and available endpoints", Parameters: "?format=json|text"},
	{Method: "POST", Path: "/api/functions/{name}", Description: "Call a function action with {\"action\", \"data\"}; a JSON array is a batch"},
	{Method: "GET", Path: "/api/exports/{id}", Description: "Download the artifact of a finished export job"},
}

// Info handles the /api/info endpoint
func Info(version string, catalog functionCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")

		// curl gets text unless it asks otherwise
		if format == "" {
			if strings.Contains(strings.ToLower(r.Header.Get("User-Agent")), "curl") {
				format = "text"
			} else {
				format = "json"
			}
		}

		functions := map[string][]string{}
		for _, name := range catalog.Functions() {
			functions[name] = catalog.Actions(name)
		}

		switch format {
		case "text", "ascii":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			writeInfoAsText(w, version, catalog)

		case "json":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			info := map[string]any{
				"service":   "cloudctl-admin",
				"version":   version,
				"endpoints": endpoints,
				"functions": functions,
			}
			if err := json.NewEncoder(w).Encode(info); err != nil {
				http.Error(w, fmt.Sprintf("Failed to encode JSON: %v", err), http.StatusInternalServerError)
				return
			}

		default:
			http.Error(w, "Invalid format parameter. Use 'json' or 'text'", http.StatusBadRequest)
			return
		}
	}
}

func writeInfoAsText(w http.ResponseWriter, version string, catalog functionCatalog) {
	var b strings.Builder

	rule := strings.Repeat("=", 68)
	b.WriteString("\n" + rule + "\n")
	fmt.Fprintf(&b, "  cloudctl admin API %s\n", version)
	b.WriteString(rule + "\n\n")

	b.WriteString("Endpoints:\n")
	b.WriteString(strings.Repeat("-", 68) + "\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "  %-4s %s\n", ep.Method, ep.Path)
		fmt.Fprintf(&b, "       %s\n", ep.Description)
		if ep.Parameters != "" {
			fmt.Fprintf(&b, "       Parameters: %s\n", ep.Parameters)
		}
		b.WriteString("\n")
	}

	b.WriteString("Functions:\n")
	b.WriteString(strings.Repeat("-", 68) + "\n\n")
	for _, name := range catalog.Functions() {
		fmt.Fprintf(&b, "  %s\n", name)
		fmt.Fprintf(&b, "       %s\n\n", strings.Join(catalog.Actions(name), ", "))
	}

	b.WriteString("Example:\n\n")
	b.WriteString("  curl -X POST http://localhost:8080/api/functions/rbac \\\n")
	b.WriteString("       -H 'Authorization: Bearer <token>' \\\n")
	b.WriteString("       -d '{\"action\":\"listUsers\",\"data\":{\"page\":1}}'\n\n")
	b.WriteString(rule + "\n")

	fmt.Fprint(w, b.String())
}
