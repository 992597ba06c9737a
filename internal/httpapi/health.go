package httpapi

import (
	"net/http"

	"github.com/linkbroker/linkbroker/internal/version"
)

// Health handles GET /health: an unauthenticated liveness probe, exempt
// from request signing.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, r, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
			"commit":  version.Commit,
		})
	}
}
