// Package provider implements the adapter framework: a name-keyed,
// read-only-after-init registry of capability bundles, one per
// third-party service.
//
// An Adapter is an interface value held in a map, not a base class. The
// teacher's closest analog is its providers/catalog package
// (internal/providers/catalog/catalog.go), which seeds a name-keyed map
// of runtime LLM backends from a YAML file at boot and never mutates it
// afterward — we keep that seed-from-YAML read-only-map shape and adapt
// it from "LLM backend" to "OAuth provider with a verb surface."
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Verb is one of the four uniform verbs an adapter supports.
type Verb string

const (
	VerbFetch  Verb = "fetch"
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

// Handle bundles everything an adapter's verb implementation needs about
// the connection it is acting on, without exposing storage details: an
// opaque connection handle carrying the token, scopes, and provider
// metadata.
type Handle struct {
	ConnectionID   string
	ProjectID      string
	EndUserID      string
	AccessToken    string
	TokenType      string
	Scopes         []string
	ProviderUserID string
	ProviderEmail  string
}

// TokenResult is what ExchangeCode and Refresh return: the raw material
// the token manager will encrypt and persist.
type TokenResult struct {
	AccessToken    string
	RefreshToken   string // empty if the provider issued none, or issued none *this time*
	TokenType      string
	ExpiresAt      *time.Time // nil means "does not expire"
	GrantedScopes  []string
	ProviderUserID string
	ProviderEmail  string
}

// RefreshFailureKind classifies a failed refresh.
type RefreshFailureKind string

const (
	RefreshFailureRevoked   RefreshFailureKind = "revoked"   // refresh token explicitly invalid/revoked
	RefreshFailureExpired   RefreshFailureKind = "expired"   // refresh token expired per provider policy
	RefreshFailureTransient RefreshFailureKind = "transient" // network/5xx
	RefreshFailureOther     RefreshFailureKind = "other"     // any other 4xx
)

// RefreshError wraps a failed refresh with its classification.
type RefreshError struct {
	Kind    RefreshFailureKind
	Message string
	Cause   error
}

func (e *RefreshError) Error() string { return string(e.Kind) + ": " + e.Message }
func (e *RefreshError) Unwrap() error { return e.Cause }

// Adapter is the capability set every provider implements.
type Adapter interface {
	Name() string
	DisplayName() string
	Category() string

	// BuildAuthorizationURL constructs the provider's consent-screen URL.
	BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) string

	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenResult, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResult, error)

	Fetch(ctx context.Context, h *Handle, params map[string]any) (any, error)
	Create(ctx context.Context, h *Handle, params map[string]any) (any, error)
	Update(ctx context.Context, h *Handle, params map[string]any) (any, error)
	Delete(ctx context.Context, h *Handle, params map[string]any) (any, error)

	// NormalizeError translates a provider-native error into the broker's
	// error taxonomy. raw is whatever the adapter's own HTTP call
	// produced; NormalizeError decides what apierr.Kind it becomes.
	NormalizeError(raw error) error

	// TranslateScope maps one broker-vocabulary scope (e.g. "email.read")
	// to the provider-native scope string. Unrecognized scopes pass
	// through unchanged.
	TranslateScope(broker string) string
}

// Registry is the read-only-after-init, name-keyed adapter map. Once
// Freeze is called no further registration is permitted and lookups
// need no lock, matching the teacher catalog package's
// initialized-once-at-boot shape.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Adapter
	frozen bool
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

// Register adds an adapter. It panics if called after Freeze — a
// programmer error (registering an adapter is a boot-time, not a
// request-time, operation), not a runtime condition to handle gracefully.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("provider: Register(%s) called after Freeze", a.Name()))
	}
	r.byName[a.Name()] = a
}

// Freeze marks the registry read-only. After this call, Lookup takes no
// lock.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the adapter registered under name, if any.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	if r.frozen {
		a, ok := r.byName[name]
		return a, ok
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// Names lists every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}
