// Package authn implements the request authenticator: signed-request
// verification with replay protection, guarding every project-originated
// call except /oauth/callback and /health.
//
// The teacher's own request guard (internal/proxy/middleware/auth.go) is a
// single shared-secret Bearer/x-api-key comparison with no per-project
// identity and no signing — adequate for a single-operator CLI proxy, not
// for a multi-tenant broker where a leaked project secret must not let one
// project act as another. Here an Authenticator resolves the project's
// API key through the store and checks an HMAC-SHA-256 request signature
// over (timestamp, raw body); the chi middleware that calls it is
// httpapi.RequireSignedRequest.
package authn

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
)

// ClockSkew is the maximum allowed distance between the client's
// timestamp and the verifier's wall clock.
const ClockSkew = 300 * time.Second

// secretCacheTTL bounds how long a decrypted API-key secret is kept in
// memory rather than re-decrypted on every request.
const secretCacheTTL = 60 * time.Second

// Identity is what a successfully authenticated request resolves to.
type Identity struct {
	APIKeyID  string
	ProjectID string
}

// Authenticator verifies signed requests against a project's API key.
type Authenticator struct {
	store   store.Store
	keyring *crypto.Keyring
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	secret    string
	expiresAt time.Time
}

// New builds an Authenticator.
func New(st store.Store, keyring *crypto.Keyring) *Authenticator {
	return &Authenticator{
		store:   st,
		keyring: keyring,
		now:     time.Now,
		cache:   make(map[string]cachedSecret),
	}
}

// Verify implements the four-step algorithm. body is the exact
// bytes the client signed — callers must not re-serialize it.
func (a *Authenticator) Verify(ctx context.Context, publicKey, timestampRaw, signatureHex string, body []byte) (*Identity, error) {
	ts, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return nil, apierr.New(apierr.TimestampExpired, "malformed timestamp")
	}
	now := a.now()
	requestTime := time.Unix(ts, 0)
	if diff := now.Sub(requestTime); diff > ClockSkew || diff < -ClockSkew {
		return nil, apierr.New(apierr.TimestampExpired, "timestamp outside allowed window")
	}

	key, err := a.store.GetAPIKeyByPublicKey(ctx, publicKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.New(apierr.InvalidAPIKey, "unknown public key")
		}
		return nil, apierr.Wrap(apierr.InternalError, "load api key", err)
	}
	if key.Status != models.APIKeyActive {
		return nil, apierr.New(apierr.InvalidAPIKey, "api key is not active")
	}

	secret, err := a.resolveSecret(key)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "resolve api key secret", err)
	}

	expected := signPayload(secret, timestampRaw, body)
	if !hmac.Equal([]byte(expected), []byte(signatureHex)) {
		return nil, apierr.New(apierr.InvalidSignature, "signature mismatch")
	}

	// Deferred write: callers on the hot path don't need to wait on this.
	go func() {
		_ = a.store.TouchAPIKeyLastUsed(context.Background(), key.ID, now)
	}()

	return &Identity{APIKeyID: key.ID, ProjectID: key.ProjectID}, nil
}

// signPayload computes HMAC-SHA-256(secret, "<timestamp>.<body>") in
// lowercase hex, the canonical payload both broker and client sign.
func signPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload is the client-side counterpart, exported for tests and for
// the SDK-facing code that must produce the same signature.
func SignPayload(secret, timestamp string, body []byte) string {
	return signPayload(secret, timestamp, body)
}

func (a *Authenticator) resolveSecret(key *models.APIKey) (string, error) {
	a.mu.Lock()
	if cached, ok := a.cache[key.ID]; ok && a.now().Before(cached.expiresAt) {
		a.mu.Unlock()
		return cached.secret, nil
	}
	a.mu.Unlock()

	secret, err := a.keyring.DecryptString(key.SecretCiphertext)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.cache[key.ID] = cachedSecret{secret: secret, expiresAt: a.now().Add(secretCacheTTL)}
	a.mu.Unlock()

	return secret, nil
}
