package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/oauthstate"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"github.com/linkbroker/linkbroker/internal/webhook"
	"go.uber.org/zap"
)

type connectRequest struct {
	Provider    string   `json:"provider"`
	UserID      string   `json:"userId"`
	RedirectURI string   `json:"redirectUri"`
	Scopes      []string `json:"scopes"`
}

type connectResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
	ExpiresAt        string `json:"expiresAt"`
}

// OAuthConnect handles POST /v1/oauth/connect.
func OAuthConnect(states *oauthstate.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityFromContext(r)
		if identity == nil {
			writeError(w, r, apierr.New(apierr.InvalidAPIKey, "missing authenticated identity"))
			return
		}

		var req connectRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Provider == "" || req.UserID == "" || req.RedirectURI == "" {
			writeError(w, r, apierr.New(apierr.ValidationError, "provider, userId, and redirectUri are required"))
			return
		}

		result, err := states.Initiate(r.Context(), identity.ProjectID, req.Provider, req.UserID, req.RedirectURI, req.Scopes)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeData(w, r, http.StatusOK, connectResponse{
			AuthorizationURL: result.AuthorizationURL,
			State:            result.StateToken,
			ExpiresAt:        time.Now().Add(oauthstate.StateTTL).UTC().Format(time.RFC3339),
		})
	}
}

// OAuthCallback handles GET /v1/oauth/callback; it is one of the two
// routes exempt from request signing.
func OAuthCallback(states *oauthstate.Manager, st store.Store, keyring *crypto.Keyring, hooks *webhook.Dispatcher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		stateToken := r.URL.Query().Get("state")
		if code == "" || stateToken == "" {
			writeError(w, r, apierr.New(apierr.ValidationError, "code and state are required"))
			return
		}

		result, err := states.Complete(r.Context(), stateToken, code)
		if err != nil {
			var cbErr *oauthstate.CallbackError
			if errors.As(err, &cbErr) {
				redirectError(w, r, cbErr.CallerRedirectURI, cbErr.Err)
				return
			}
			// No redirect target was ever established (the state token
			// itself is unknown or unreadable) — only then is a JSON body
			// the right response.
			writeError(w, r, err)
			return
		}

		endUser, err := st.UpsertEndUser(r.Context(), result.ProjectID, result.EndUserID, result.Token.ProviderEmail, "")
		if err != nil {
			redirectError(w, r, result.CallerRedirectURI, apierr.Wrap(apierr.InternalError, "resolve end user", err))
			return
		}

		accessCipher, err := keyring.EncryptString(result.Token.AccessToken)
		if err != nil {
			redirectError(w, r, result.CallerRedirectURI, apierr.Wrap(apierr.InternalError, "encrypt access token", err))
			return
		}
		refreshCipher := ""
		if result.Token.RefreshToken != "" {
			refreshCipher, err = keyring.EncryptString(result.Token.RefreshToken)
			if err != nil {
				redirectError(w, r, result.CallerRedirectURI, apierr.Wrap(apierr.InternalError, "encrypt refresh token", err))
				return
			}
		}

		conn := &models.Connection{
			ProjectID:          result.ProjectID,
			Provider:           result.Provider,
			EndUserID:          endUser.ID,
			ProviderUserID:     result.Token.ProviderUserID,
			ProviderEmail:      result.Token.ProviderEmail,
			AccessTokenCipher:  accessCipher,
			RefreshTokenCipher: refreshCipher,
			TokenType:          result.Token.TokenType,
			ExpiresAt:          result.Token.ExpiresAt,
			Status:             models.ConnectionActive,
		}
		saved, err := st.UpsertConnectionAfterCallback(r.Context(), conn)
		if err != nil {
			redirectError(w, r, result.CallerRedirectURI, apierr.Wrap(apierr.InternalError, "persist connection", err))
			return
		}

		if hooks != nil {
			if err := hooks.Enqueue(r.Context(), result.ProjectID, "connection.created", map[string]any{
				"connectionId": saved.ID,
				"provider":     saved.Provider,
				"userId":       result.EndUserID,
			}); err != nil {
				log.Warn("enqueue connection.created webhook", zap.Error(err))
			}
		}

		redirectWithParams(w, r, result.CallerRedirectURI, url.Values{
			"connection_id": {saved.ID},
			"status":        {"success"},
		})
	}
}

// redirectError bounces the browser back to the caller's redirect URI
// with a machine-readable error code rather than rendering JSON, since
// by this point the end user is mid-handshake in their own browser.
func redirectError(w http.ResponseWriter, r *http.Request, callerRedirectURI string, err error) {
	kind := apierr.InternalError
	if ae, ok := apierr.As(err); ok {
		kind = ae.Kind
	}
	redirectWithParams(w, r, callerRedirectURI, url.Values{
		"status":     {"error"},
		"error_code": {string(kind)},
	})
}

func redirectWithParams(w http.ResponseWriter, r *http.Request, base string, params url.Values) {
	u, parseErr := url.Parse(base)
	if parseErr != nil {
		http.Redirect(w, r, base, http.StatusFound)
		return
	}
	q := u.Query()
	for k, v := range params {
		for _, vv := range v {
			q.Set(k, vv)
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
