package oauthstate

import (
	"context"
	"testing"
	"time"

	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/provider"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"go.uber.org/zap"
)

type fakeStore struct {
	store.Store
	states map[string]*models.OAuthState
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]*models.OAuthState{}}
}

func (f *fakeStore) CreateOAuthState(ctx context.Context, s *models.OAuthState) error {
	cp := *s
	f.states[s.StateToken] = &cp
	return nil
}

func (f *fakeStore) GetOAuthStateByToken(ctx context.Context, token string) (*models.OAuthState, error) {
	s, ok := f.states[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ConsumeOAuthState(ctx context.Context, token string, now time.Time) (bool, error) {
	s, ok := f.states[token]
	if !ok {
		return false, nil
	}
	if s.UsedAt != nil || now.After(s.ExpiresAt) {
		return false, nil
	}
	s.UsedAt = &now
	return true, nil
}

func (f *fakeStore) DeleteExpiredUnusedStatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for k, s := range f.states {
		if s.UsedAt == nil && s.CreatedAt.Before(cutoff) {
			delete(f.states, k)
			n++
		}
	}
	return n, nil
}

type fakeAdapter struct {
	name          string
	exchangeErr   error
	exchangeToken *provider.TokenResult
}

func (a *fakeAdapter) Name() string                  { return a.name }
func (a *fakeAdapter) DisplayName() string            { return a.name }
func (a *fakeAdapter) Category() string               { return "test" }
func (a *fakeAdapter) TranslateScope(s string) string { return s }
func (a *fakeAdapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, challenge string) string {
	return "https://provider.example/authorize?state=" + state + "&challenge=" + challenge
}
func (a *fakeAdapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenResult, error) {
	if a.exchangeErr != nil {
		return nil, a.exchangeErr
	}
	return a.exchangeToken, nil
}
func (a *fakeAdapter) Refresh(ctx context.Context, refreshToken string) (*provider.TokenResult, error) {
	return nil, nil
}
func (a *fakeAdapter) Fetch(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *fakeAdapter) Create(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *fakeAdapter) Update(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *fakeAdapter) Delete(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *fakeAdapter) NormalizeError(raw error) error { return raw }

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(&fakeAdapter{
		name:          "testprov",
		exchangeToken: &provider.TokenResult{AccessToken: "at_1", RefreshToken: "rt_1", TokenType: "Bearer"},
	})
	reg.Freeze()

	fs := newFakeStore()
	m := New(fs, reg, zap.NewNop(), "https://broker.example/v1/oauth/callback")
	return m, fs
}

// Initiate then complete, happy path.
func TestInitiateThenComplete_HappyPath(t *testing.T) {
	m, _ := newTestManager(t)
	fixed := time.Unix(1700000000, 0)
	m.now = func() time.Time { return fixed }

	init, err := m.Initiate(context.Background(), "proj_1", "testprov", "ext_user_1", "https://caller.example/cb", []string{"email.read"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if init.StateToken == "" {
		t.Fatalf("expected non-empty state token")
	}

	res, err := m.Complete(context.Background(), init.StateToken, "auth_code_xyz")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.ProjectID != "proj_1" || res.Provider != "testprov" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Token.AccessToken != "at_1" {
		t.Fatalf("unexpected token: %+v", res.Token)
	}
}

// A state token can be consumed exactly once.
func TestComplete_StateTokenSingleUse(t *testing.T) {
	m, _ := newTestManager(t)
	fixed := time.Unix(1700000000, 0)
	m.now = func() time.Time { return fixed }

	init, err := m.Initiate(context.Background(), "proj_1", "testprov", "ext_user_1", "https://caller.example/cb", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if _, err := m.Complete(context.Background(), init.StateToken, "code1"); err != nil {
		t.Fatalf("first Complete: %v", err)
	}

	_, err = m.Complete(context.Background(), init.StateToken, "code2")
	assertKind(t, err, apierr.InvalidState)
}

func TestComplete_ExpiredState(t *testing.T) {
	m, _ := newTestManager(t)
	start := time.Unix(1700000000, 0)
	m.now = func() time.Time { return start }

	init, err := m.Initiate(context.Background(), "proj_1", "testprov", "ext_user_1", "https://caller.example/cb", nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	m.now = func() time.Time { return start.Add(StateTTL + time.Minute) }
	_, err = m.Complete(context.Background(), init.StateToken, "code1")
	assertKind(t, err, apierr.InvalidState)
}

func TestComplete_UnknownStateToken(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Complete(context.Background(), "nonexistent_token", "code1")
	assertKind(t, err, apierr.InvalidState)
}

func assertKind(t *testing.T, err error, want apierr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %s, got nil", want)
	}
	e, ok := apierr.As(err)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if e.Kind != want {
		t.Fatalf("expected kind %s, got %s", want, e.Kind)
	}
}
