// Package oauthstate drives the two-step OAuth handshake: Initiate mints
// a single-use state token and a PKCE verifier/challenge pair and
// persists them; Complete consumes that state token exactly once,
// exchanges the provider's authorization code, and hands the caller a
// token pair to persist as a connection.
//
// The single-use consume guard is a conditional UPDATE executed by the
// store (store.Store.ConsumeOAuthState), the same "claim a row with one
// conditional UPDATE" idiom the teacher uses for its own one-time
// row-promotion flips (internal/proxy/handlers/dashboard.go).
package oauthstate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/provider"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"go.uber.org/zap"
)

// StateTTL is how long an initiated-but-not-completed handshake remains
// valid.
const StateTTL = 10 * time.Minute

// RetentionWindow is how long unused state rows are kept before the
// sweep deletes them, measured from row creation, not expiry.
const RetentionWindow = 24 * time.Hour

type Manager struct {
	store       store.Store
	providers   *provider.Registry
	log         *zap.Logger
	now         func() time.Time
	callbackURL string
}

// New builds a Manager. callbackURL is the broker's own OAuth callback
// endpoint (e.g. "https://broker.example/v1/oauth/callback") — it is what
// gets sent to providers as the redirect_uri, never the caller's own
// redirect target.
func New(st store.Store, providers *provider.Registry, log *zap.Logger, callbackURL string) *Manager {
	return &Manager{store: st, providers: providers, log: log, now: time.Now, callbackURL: callbackURL}
}

// InitiateResult is what Initiate hands back to the HTTP layer to build
// the redirect.
type InitiateResult struct {
	AuthorizationURL string
	StateToken       string
}

// Initiate begins a handshake for one project/provider/end-user triple:
// generate PKCE verifier+challenge, persist an OAuthState row, build the
// provider's authorization URL.
func (m *Manager) Initiate(ctx context.Context, projectID, providerName, endUserExternalID, callerRedirectURI string, scopes []string) (*InitiateResult, error) {
	adapter, ok := m.providers.Lookup(providerName)
	if !ok {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("unknown provider %q", providerName))
	}

	verifier, err := newPKCEVerifier()
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "generate pkce verifier", err)
	}
	challenge := pkceChallengeS256(verifier)

	stateToken, err := randomToken(32)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "generate state token", err)
	}

	now := m.now()
	row := &models.OAuthState{
		ID:                uuid.NewString(),
		StateToken:        stateToken,
		ProjectID:         projectID,
		Provider:          providerName,
		EndUserID:         endUserExternalID,
		PKCEVerifier:      verifier,
		ScopesCSV:         joinScopes(scopes),
		CallerRedirectURI: callerRedirectURI,
		ExpiresAt:         now.Add(StateTTL),
		CreatedAt:         now,
	}
	if err := m.store.CreateOAuthState(ctx, row); err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "persist oauth state", err)
	}

	authURL := adapter.BuildAuthorizationURL(m.callbackURL, scopes, stateToken, challenge)

	return &InitiateResult{AuthorizationURL: authURL, StateToken: stateToken}, nil
}

// CompleteResult is what Complete hands back so the dispatcher/store
// layer can upsert the resulting connection.
type CompleteResult struct {
	ProjectID         string
	Provider          string
	EndUserID         string
	Token             *provider.TokenResult
	CallerRedirectURI string
}

// CallbackError is returned by Complete once the state row has been
// loaded, so the HTTP layer still has a caller redirect target to bounce
// the browser back to with an error code instead of rendering raw JSON.
type CallbackError struct {
	Err               error
	CallerRedirectURI string
}

func (e *CallbackError) Error() string { return e.Err.Error() }
func (e *CallbackError) Unwrap() error { return e.Err }

// Complete finishes a handshake: consumes the state token exactly once,
// then exchanges the provider's authorization code for tokens.
func (m *Manager) Complete(ctx context.Context, stateToken, code string) (*CompleteResult, error) {
	now := m.now()

	row, err := m.store.GetOAuthStateByToken(ctx, stateToken)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.New(apierr.InvalidState, "unknown state token")
		}
		return nil, apierr.Wrap(apierr.InternalError, "load oauth state", err)
	}

	consumed, err := m.store.ConsumeOAuthState(ctx, stateToken, now)
	if err != nil {
		return nil, &CallbackError{Err: apierr.Wrap(apierr.InternalError, "consume oauth state", err), CallerRedirectURI: row.CallerRedirectURI}
	}
	if !consumed {
		// Either already used, or expired — both collapse to the same
		// caller-visible error.
		return nil, &CallbackError{Err: apierr.New(apierr.InvalidState, "state token already used or expired"), CallerRedirectURI: row.CallerRedirectURI}
	}

	adapter, ok := m.providers.Lookup(row.Provider)
	if !ok {
		return nil, &CallbackError{Err: apierr.New(apierr.NotFound, fmt.Sprintf("unknown provider %q", row.Provider)), CallerRedirectURI: row.CallerRedirectURI}
	}

	tok, err := adapter.ExchangeCode(ctx, code, row.PKCEVerifier, m.callbackURL)
	if err != nil {
		m.log.Warn("oauth code exchange failed", zap.String("provider", row.Provider), zap.Error(err))
		return nil, &CallbackError{Err: apierr.Wrap(apierr.ProviderError, "exchange authorization code", err), CallerRedirectURI: row.CallerRedirectURI}
	}

	return &CompleteResult{
		ProjectID:         row.ProjectID,
		Provider:          row.Provider,
		EndUserID:         row.EndUserID,
		Token:             tok,
		CallerRedirectURI: row.CallerRedirectURI,
	}, nil
}

// SweepExpired deletes unused state rows older than RetentionWindow. It
// is meant to be called periodically by a background goroutine (wired in
// cmd/linkbroker).
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-RetentionWindow)
	n, err := m.store.DeleteExpiredUnusedStatesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, apierr.Wrap(apierr.InternalError, "sweep expired oauth state", err)
	}
	return n, nil
}

func newPKCEVerifier() (string, error) {
	return randomToken(32)
}

func pkceChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
