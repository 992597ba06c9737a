package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/provider"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"go.uber.org/zap"
)

type fakeStore struct {
	store.Store
	mu          sync.Mutex
	conn        *models.Connection
	locks       map[string]bool
	updateCalls int32
}

func newFakeStore(conn *models.Connection) *fakeStore {
	return &fakeStore{conn: conn, locks: map[string]bool{}}
}

func (f *fakeStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.conn
	return &cp, nil
}

func (f *fakeStore) UpdateConnectionTokens(ctx context.Context, id string, accessCipher, refreshCipher string, expiresAt *time.Time, status models.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	atomic.AddInt32(&f.updateCalls, 1)
	f.conn.AccessTokenCipher = accessCipher
	f.conn.RefreshTokenCipher = refreshCipher
	f.conn.ExpiresAt = expiresAt
	f.conn.Status = status
	return nil
}

func (f *fakeStore) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.Status = status
	return nil
}

func (f *fakeStore) TryLock(ctx context.Context, name string) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[name] {
		return nil, false, nil
	}
	f.locks[name] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.locks, name)
	}, true, nil
}

type countingAdapter struct {
	calls int32
	delay time.Duration
}

func (a *countingAdapter) Name() string                  { return "testprov" }
func (a *countingAdapter) DisplayName() string            { return "Test" }
func (a *countingAdapter) Category() string               { return "test" }
func (a *countingAdapter) TranslateScope(s string) string { return s }
func (a *countingAdapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, challenge string) string {
	return ""
}
func (a *countingAdapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenResult, error) {
	return nil, nil
}
func (a *countingAdapter) Refresh(ctx context.Context, refreshToken string) (*provider.TokenResult, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	future := time.Now().Add(time.Hour)
	return &provider.TokenResult{AccessToken: "new_at_" + refreshToken, TokenType: "Bearer", ExpiresAt: &future}, nil
}
func (a *countingAdapter) Fetch(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *countingAdapter) Create(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *countingAdapter) Update(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *countingAdapter) Delete(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *countingAdapter) NormalizeError(raw error) error { return raw }

func testKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i)
	}
	kr, err := crypto.NewKeyring(master, 1)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

// Concurrent calls for the same connection coalesce into a single
// provider refresh.
func TestGetValidAccessToken_CoalescesConcurrentRefreshes(t *testing.T) {
	kr := testKeyring(t)
	accessCipher, _ := kr.EncryptString("stale_at")
	refreshCipher, _ := kr.EncryptString("rt_shared")
	past := time.Now().Add(-time.Minute)

	conn := &models.Connection{
		ID:                 "conn_1",
		Provider:            "testprov",
		AccessTokenCipher:   accessCipher,
		RefreshTokenCipher:  refreshCipher,
		ExpiresAt:           &past,
		Status:              models.ConnectionActive,
	}
	fs := newFakeStore(conn)
	adapter := &countingAdapter{delay: 30 * time.Millisecond}
	reg := provider.NewRegistry()
	reg.Register(adapter)
	reg.Freeze()

	m := New(fs, kr, reg, zap.NewNop(), nil)

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = m.GetValidAccessToken(context.Background(), "conn_1")
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&adapter.calls) != 1 {
		t.Fatalf("expected exactly 1 upstream refresh call, got %d", adapter.calls)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if results[i] != "new_at_rt_shared" {
			t.Fatalf("goroutine %d: unexpected token %q", i, results[i])
		}
	}
}

func TestGetValidAccessToken_NoRefreshWhenFresh(t *testing.T) {
	kr := testKeyring(t)
	accessCipher, _ := kr.EncryptString("fresh_at")
	future := time.Now().Add(time.Hour)

	conn := &models.Connection{
		ID:                "conn_2",
		Provider:           "testprov",
		AccessTokenCipher:  accessCipher,
		ExpiresAt:          &future,
		Status:             models.ConnectionActive,
	}
	fs := newFakeStore(conn)
	adapter := &countingAdapter{}
	reg := provider.NewRegistry()
	reg.Register(adapter)
	reg.Freeze()

	m := New(fs, kr, reg, zap.NewNop(), nil)
	token, err := m.GetValidAccessToken(context.Background(), "conn_2")
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if token != "fresh_at" {
		t.Fatalf("unexpected token: %s", token)
	}
	if adapter.calls != 0 {
		t.Fatalf("expected no refresh call, got %d", adapter.calls)
	}
}

func TestGetValidAccessToken_RevokedConnectionRejected(t *testing.T) {
	kr := testKeyring(t)
	conn := &models.Connection{ID: "conn_3", Provider: "testprov", Status: models.ConnectionRevoked}
	fs := newFakeStore(conn)
	reg := provider.NewRegistry()
	reg.Freeze()

	m := New(fs, kr, reg, zap.NewNop(), nil)
	_, err := m.GetValidAccessToken(context.Background(), "conn_3")
	if err == nil {
		t.Fatalf("expected error for revoked connection")
	}
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.ConnectionRevoked {
		t.Fatalf("expected ConnectionRevoked, got %v", err)
	}
}
