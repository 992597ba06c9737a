package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
)

type connectionView struct {
	ID             string  `json:"id"`
	Provider       string  `json:"provider"`
	UserID         string  `json:"userId"`
	ProviderUserID string  `json:"providerUserId,omitempty"`
	ProviderEmail  string  `json:"providerEmail,omitempty"`
	Status         string  `json:"status"`
	ExpiresAt      *string `json:"expiresAt,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

func toConnectionView(c *models.Connection) connectionView {
	v := connectionView{
		ID:             c.ID,
		Provider:       c.Provider,
		UserID:         c.EndUserID,
		ProviderUserID: c.ProviderUserID,
		ProviderEmail:  c.ProviderEmail,
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.ExpiresAt != nil {
		s := c.ExpiresAt.UTC().Format(time.RFC3339)
		v.ExpiresAt = &s
	}
	return v
}

// ListConnections handles GET /v1/connections?userId&provider&status.
func ListConnections(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		q := r.URL.Query()
		conns, err := st.ListConnections(r.Context(), identity.ProjectID, q.Get("userId"), q.Get("provider"), q.Get("status"))
		if err != nil {
			writeError(w, r, apierr.Wrap(apierr.InternalError, "list connections", err))
			return
		}

		views := make([]connectionView, 0, len(conns))
		for _, c := range conns {
			views = append(views, toConnectionView(c))
		}
		writeData(w, r, http.StatusOK, views)
	}
}

// GetConnection handles GET /v1/connections/:id.
func GetConnection(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		id := chi.URLParam(r, "id")
		conn, err := st.GetConnection(r.Context(), id)
		if err != nil || conn.ProjectID != identity.ProjectID {
			writeError(w, r, apierr.New(apierr.ConnectionNotFound, "connection not found"))
			return
		}
		writeData(w, r, http.StatusOK, toConnectionView(conn))
	}
}

// DeleteConnection handles DELETE /v1/connections/:id: revokes tokens
// and marks the connection "revoked" rather than deleting the row.
func DeleteConnection(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		id := chi.URLParam(r, "id")
		conn, err := st.GetConnection(r.Context(), id)
		if err != nil || conn.ProjectID != identity.ProjectID {
			writeError(w, r, apierr.New(apierr.ConnectionNotFound, "connection not found"))
			return
		}

		if err := st.UpdateConnectionStatus(r.Context(), conn.ID, models.ConnectionRevoked, "revoked via api"); err != nil {
			writeError(w, r, apierr.Wrap(apierr.InternalError, "revoke connection", err))
			return
		}
		writeData(w, r, http.StatusOK, map[string]any{"id": conn.ID, "status": string(models.ConnectionRevoked)})
	}
}
