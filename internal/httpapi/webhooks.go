package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
)

type createWebhookRequest struct {
	TargetURL string   `json:"targetUrl"`
	Events    []string `json:"events"`
}

type webhookView struct {
	ID                  string   `json:"id"`
	TargetURL           string   `json:"targetUrl"`
	Events              []string `json:"events"`
	Enabled             bool     `json:"enabled"`
	ConsecutiveFailures int      `json:"consecutiveFailures"`
	SigningSecret       string   `json:"signingSecret,omitempty"`
}

func toWebhookView(s *models.WebhookSubscription) webhookView {
	events := []string{}
	if s.EventsCSV != "" {
		events = strings.Split(s.EventsCSV, ",")
	}
	return webhookView{
		ID:                  s.ID,
		TargetURL:           s.TargetURL,
		Events:              events,
		Enabled:             s.Enabled,
		ConsecutiveFailures: s.ConsecutiveFailures,
	}
}

// CreateWebhook handles POST /v1/webhooks.
func CreateWebhook(st store.Store, keyring *crypto.Keyring) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		var req createWebhookRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.TargetURL == "" || len(req.Events) == 0 {
			writeError(w, r, apierr.New(apierr.ValidationError, "targetUrl and events are required"))
			return
		}

		signingSecret, err := crypto.RandomSecret("whsec", 24)
		if err != nil {
			writeError(w, r, apierr.Wrap(apierr.InternalError, "generate signing secret", err))
			return
		}
		cipherSecret, err := keyring.EncryptString(signingSecret)
		if err != nil {
			writeError(w, r, apierr.Wrap(apierr.InternalError, "encrypt signing secret", err))
			return
		}

		now := time.Now()
		sub := &models.WebhookSubscription{
			ID:                  uuid.NewString(),
			ProjectID:           identity.ProjectID,
			TargetURL:           req.TargetURL,
			SigningSecretCipher: cipherSecret,
			EventsCSV:           strings.Join(req.Events, ","),
			Enabled:             true,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := st.CreateWebhookSubscription(r.Context(), sub); err != nil {
			writeError(w, r, apierr.Wrap(apierr.InternalError, "create webhook subscription", err))
			return
		}

		view := toWebhookView(sub)
		view.SigningSecret = signingSecret // only ever returned at creation time
		writeData(w, r, http.StatusCreated, view)
	}
}

// ListWebhooks handles GET /v1/webhooks.
func ListWebhooks(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		subs, err := st.ListWebhookSubscriptions(r.Context(), identity.ProjectID)
		if err != nil {
			writeError(w, r, apierr.Wrap(apierr.InternalError, "list webhook subscriptions", err))
			return
		}
		views := make([]webhookView, 0, len(subs))
		for _, s := range subs {
			views = append(views, toWebhookView(s))
		}
		writeData(w, r, http.StatusOK, views)
	}
}

// DeleteWebhook handles DELETE /v1/webhooks/:id.
func DeleteWebhook(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		id := chi.URLParam(r, "id")
		sub, err := st.GetWebhookSubscription(r.Context(), id)
		if err != nil || sub.ProjectID != identity.ProjectID {
			writeError(w, r, apierr.New(apierr.NotFound, "webhook subscription not found"))
			return
		}
		if err := st.DeleteWebhookSubscription(r.Context(), id); err != nil {
			writeError(w, r, apierr.Wrap(apierr.InternalError, "delete webhook subscription", err))
			return
		}
		writeData(w, r, http.StatusOK, map[string]any{"id": id, "deleted": true})
	}
}
