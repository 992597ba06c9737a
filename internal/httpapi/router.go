package httpapi

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/linkbroker/linkbroker/internal/authn"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/oauthstate"
	"github.com/linkbroker/linkbroker/internal/ratelimit"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/webhook"
	"go.uber.org/zap"
)

// Deps bundles everything the router needs to wire handlers, mirroring
// the teacher's main's "construct everything, then pass it to
// chi.Router" shape (cmd/nexus/main.go) in one struct instead of a long
// parameter list.
type Deps struct {
	Store      store.Store
	Keyring    *crypto.Keyring
	Auth       *authn.Authenticator
	States     *oauthstate.Manager
	Dispatcher Dispatcher
	Webhooks   *webhook.Dispatcher
	RateLimit  *ratelimit.Limiter
	Log        *zap.Logger
}

// NewRouter builds the full /v1 surface plus the unauthenticated
// /health and /oauth/callback routes.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestID)

	r.Get("/health", Health())

	r.Route("/v1", func(r chi.Router) {
		// /oauth/callback is the provider's redirect target, never a
		// signed call from the calling project, so it sits outside the
		// signed group.
		r.Get("/oauth/callback", OAuthCallback(deps.States, deps.Store, deps.Keyring, deps.Webhooks, deps.Log))

		r.Group(func(r chi.Router) {
			r.Use(RequireSignedRequest(deps.Auth))
			if deps.RateLimit != nil {
				r.Use(RateLimit(deps.RateLimit))
			}

			r.Post("/oauth/connect", OAuthConnect(deps.States))

			r.Get("/connections", ListConnections(deps.Store))
			r.Get("/connections/{id}", GetConnection(deps.Store))
			r.Delete("/connections/{id}", DeleteConnection(deps.Store))

			r.Post("/execute", Execute(deps.Dispatcher))
			r.Post("/{provider}/{verb}", VerbCall(deps.Dispatcher))

			r.Post("/webhooks", CreateWebhook(deps.Store, deps.Keyring))
			r.Get("/webhooks", ListWebhooks(deps.Store))
			r.Delete("/webhooks/{id}", DeleteWebhook(deps.Store))
		})
	})

	return r
}
