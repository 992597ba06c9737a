// Package httpapi wires the project-facing HTTP surface on top of
// go-chi/chi, the same router the teacher uses in cmd/nexus/main.go.
// Every handler is a constructor returning an http.HandlerFunc closed
// over its dependencies, matching the teacher's internal/proxy/handlers
// convention, rather than a method-set bound to one god struct.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/logging"
)

// envelope is the uniform response shape: every response carries
// success/data/error plus a meta block echoing the request id.
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
	Meta    envelopeMeta   `json:"meta"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type envelopeMeta struct {
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Wrap(apierr.InternalError, "unexpected error", err)
	}
	writeEnvelope(w, r, apiErr.Status(), envelope{
		Success: false,
		Error: &envelopeError{
			Code:    string(apiErr.Kind),
			Message: apiErr.Message,
			Details: apiErr.Details,
		},
	})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	env.Meta = envelopeMeta{
		RequestID: logging.GetRequestID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// decodeJSON reads and decodes a JSON request body, returning a
// VALIDATION_ERROR on malformed input.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.Wrap(apierr.ValidationError, "malformed request body", err)
	}
	return nil
}
