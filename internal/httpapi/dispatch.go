package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/dispatch"
	"github.com/linkbroker/linkbroker/internal/provider"
)

// Dispatcher is the subset of *dispatch.Dispatcher the HTTP layer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

type verbCallRequest struct {
	ConnectionID string         `json:"connectionId"`
	Params       map[string]any `json:"-"`
}

// VerbCall handles POST /v1/{provider}/{verb}: the body carries
// connectionId plus verb-specific params. The {provider} path segment
// is accepted for readability but not otherwise trusted — the
// connection row, not the URL, is the source of truth for which
// provider's adapter actually runs.
func VerbCall(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		verb := provider.Verb(chi.URLParam(r, "verb"))
		if !isValidVerb(verb) {
			writeError(w, r, apierr.New(apierr.ValidationError, "unsupported verb"))
			return
		}

		body, err := decodeVerbCallBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if body.ConnectionID == "" {
			writeError(w, r, apierr.New(apierr.ValidationError, "connectionId is required"))
			return
		}

		result, err := d.Dispatch(r.Context(), dispatch.Request{
			ProjectID:    identity.ProjectID,
			ConnectionID: body.ConnectionID,
			Verb:         verb,
			Params:       body.Params,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, result.Data)
	}
}

type executeRequest struct {
	ConnectionID string         `json:"connectionId"`
	Provider     string         `json:"provider"`
	Action       string         `json:"action"`
	Params       map[string]any `json:"params"`
}

// Execute handles POST /v1/execute: the generic dispatch form, where the
// verb travels in the body as "action" instead of the URL path.
func Execute(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		var req executeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		verb := provider.Verb(req.Action)
		if req.ConnectionID == "" || !isValidVerb(verb) {
			writeError(w, r, apierr.New(apierr.ValidationError, "connectionId and a valid action are required"))
			return
		}

		result, err := d.Dispatch(r.Context(), dispatch.Request{
			ProjectID:    identity.ProjectID,
			ConnectionID: req.ConnectionID,
			Verb:         verb,
			Params:       req.Params,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, result.Data)
	}
}

func isValidVerb(v provider.Verb) bool {
	switch v {
	case provider.VerbFetch, provider.VerbCreate, provider.VerbUpdate, provider.VerbDelete:
		return true
	default:
		return false
	}
}

func decodeVerbCallBody(r *http.Request) (*verbCallRequest, error) {
	var raw map[string]any
	if err := decodeJSON(r, &raw); err != nil {
		return nil, err
	}
	connectionID, _ := raw["connectionId"].(string)
	delete(raw, "connectionId")
	return &verbCallRequest{ConnectionID: connectionID, Params: raw}, nil
}
