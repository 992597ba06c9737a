package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/authn"
	"github.com/linkbroker/linkbroker/internal/logging"
	"github.com/linkbroker/linkbroker/internal/ratelimit"
)

type identityKey struct{}

func withIdentity(ctx context.Context, id *authn.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(r *http.Request) *authn.Identity {
	id, _ := r.Context().Value(identityKey{}).(*authn.Identity)
	return id
}

// RequestID assigns every request a short id (reusing the teacher's
// internal/logging helper) and stamps it onto the response for
// client-side correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// RequireSignedRequest implements the authentication gate on every route
// except the two that are exempt (/oauth/callback, /health — wired by
// never applying this middleware to their routes).
func RequireSignedRequest(auth *authn.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			publicKey := r.Header.Get("X-Link-Public-Key")
			timestamp := r.Header.Get("X-Link-Timestamp")
			signature := r.Header.Get("X-Link-Signature")

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, r, apierr.Wrap(apierr.ValidationError, "failed to read request body", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			identity, err := auth.Verify(r.Context(), publicKey, timestamp, signature, body)
			if err != nil {
				writeError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
		})
	}
}

// RateLimit enforces the per-project budget, after authentication has
// resolved a project identity.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityFromContext(r)
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), identity.ProjectID)
			if err != nil {
				// Fail open: an unreachable rate limiter shouldn't take
				// the whole broker down with it.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
				writeError(w, r, apierr.New(apierr.RateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
