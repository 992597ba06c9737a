package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linkbroker/linkbroker/internal/authn"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/dispatch"
	"github.com/linkbroker/linkbroker/internal/oauthstate"
	"github.com/linkbroker/linkbroker/internal/provider"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"go.uber.org/zap"
)

type fakeStore struct {
	store.Store
	key  *models.APIKey
	conn *models.Connection
}

func (f *fakeStore) GetAPIKeyByPublicKey(ctx context.Context, publicKey string) (*models.APIKey, error) {
	if f.key == nil || f.key.PublicKey != publicKey {
		return nil, store.ErrNotFound
	}
	return f.key, nil
}

func (f *fakeStore) TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error { return nil }

func (f *fakeStore) ListConnections(ctx context.Context, projectID string, endUserID, provider, status string) ([]*models.Connection, error) {
	if f.conn == nil || f.conn.ProjectID != projectID {
		return nil, nil
	}
	return []*models.Connection{f.conn}, nil
}

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	return &dispatch.Result{Data: map[string]any{"echo": string(req.Verb)}}, nil
}

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

func testRouterDeps(t *testing.T) (http.Handler, *fakeStore) {
	t.Helper()
	kr := testKeyring(t)
	cipherSecret, _ := kr.EncryptString("sk_test_secret")
	fs := &fakeStore{
		key: &models.APIKey{ID: "key_1", ProjectID: "proj_1", PublicKey: "pk_test_AAAA", SecretCiphertext: cipherSecret, Status: models.APIKeyActive},
	}

	reg := provider.NewRegistry()
	reg.Freeze()

	auth := authn.New(fs, kr)
	states := oauthstate.New(fs, reg, zap.NewNop(), "https://broker.example/v1/oauth/callback")

	router := NewRouter(Deps{
		Store:      fs,
		Keyring:    kr,
		Auth:       auth,
		States:     states,
		Dispatcher: fakeDispatcher{},
		Log:        zap.NewNop(),
	})
	return router, fs
}

func TestHealth_Unauthenticated(t *testing.T) {
	router, _ := testRouterDeps(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestListConnections_RejectsUnsignedRequest(t *testing.T) {
	router, _ := testRouterDeps(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestListConnections_RejectsStaleSignedRequest(t *testing.T) {
	router, fs := testRouterDeps(t)
	fs.conn = &models.Connection{ID: "conn_1", ProjectID: "proj_1", Provider: "gmail", Status: models.ConnectionActive, CreatedAt: time.Now()}

	ts := "1700000000"
	body := []byte{}
	sig := authn.SignPayload("sk_test_secret", ts, body)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
	req.Header.Set("X-Link-Public-Key", "pk_test_AAAA")
	req.Header.Set("X-Link-Timestamp", ts)
	req.Header.Set("X-Link-Signature", sig)
	// The test signs with a fixed old timestamp, so the handler must be
	// exercised with a clock close to it; since authn.Authenticator's
	// clock defaults to time.Now, a far-past timestamp would be
	// rejected. Skip straight to checking the route exists and requires
	// signing, covered above; a full happy-path is covered by
	// internal/authn's own tests against a fixed clock.
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected timestamp-expired rejection with a fixed old timestamp, got %d: %s", w.Code, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Meta.RequestID == "" {
		t.Fatalf("expected request id in envelope meta")
	}
}
