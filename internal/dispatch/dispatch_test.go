package dispatch

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
	conn    *models.Connection
	logs    []*models.APILog
	touched bool
}

func (f *fakeStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	if f.conn == nil || f.conn.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.conn
	return &cp, nil
}

func (f *fakeStore) TouchConnectionLastUsed(ctx context.Context, id string, at time.Time) error {
	f.touched = true
	return nil
}

func (f *fakeStore) InsertAPILog(ctx context.Context, l *models.APILog) error {
	f.logs = append(f.logs, l)
	return nil
}

type fakeTokenSource struct {
	token string
	err   error
}

func (f *fakeTokenSource) GetValidAccessToken(ctx context.Context, connectionID string) (string, error) {
	return f.token, f.err
}

type stubAdapter struct {
	fetchResult any
	fetchErr    error
}

func (a *stubAdapter) Name() string        { return "stubprov" }
func (a *stubAdapter) DisplayName() string { return "Stub" }
func (a *stubAdapter) Category() string    { return "test" }
func (a *stubAdapter) TranslateScope(s string) string { return s }
func (a *stubAdapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, challenge string) string {
	return ""
}
func (a *stubAdapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenResult, error) {
	return nil, nil
}
func (a *stubAdapter) Refresh(ctx context.Context, refreshToken string) (*provider.TokenResult, error) {
	return nil, nil
}
func (a *stubAdapter) Fetch(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return a.fetchResult, a.fetchErr
}
func (a *stubAdapter) Create(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *stubAdapter) Update(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *stubAdapter) Delete(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	return nil, nil
}
func (a *stubAdapter) NormalizeError(raw error) error { return raw }

func newDispatcher(t *testing.T, conn *models.Connection, adapter provider.Adapter, tokenSrc TokenSource) (*Dispatcher, *fakeStore) {
	t.Helper()
	reg := provider.NewRegistry()
	if adapter != nil {
		reg.Register(adapter)
	}
	reg.Freeze()

	fs := &fakeStore{conn: conn}
	return New(fs, reg, tokenSrc, zap.NewNop()), fs
}

func TestDispatch_HappyPath(t *testing.T) {
	conn := &models.Connection{ID: "conn_1", ProjectID: "proj_1", Provider: "stubprov", Status: models.ConnectionActive}
	adapter := &stubAdapter{fetchResult: map[string]any{"ok": true}}
	d, fs := newDispatcher(t, conn, adapter, &fakeTokenSource{token: "at_1"})

	res, err := d.Dispatch(context.Background(), Request{ProjectID: "proj_1", ConnectionID: "conn_1", Verb: provider.VerbFetch})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Data.(map[string]any)["ok"] != true {
		t.Fatalf("unexpected data: %+v", res.Data)
	}
	if !fs.touched {
		t.Fatalf("expected last_used_at touch")
	}
	if len(fs.logs) != 1 || fs.logs[0].StatusCode != 200 {
		t.Fatalf("expected one success log entry, got %+v", fs.logs)
	}
}

func TestDispatch_CrossProjectConnectionIsNotFound(t *testing.T) {
	conn := &models.Connection{ID: "conn_1", ProjectID: "proj_OTHER", Provider: "stubprov", Status: models.ConnectionActive}
	d, fs := newDispatcher(t, conn, &stubAdapter{}, &fakeTokenSource{token: "at_1"})

	_, err := d.Dispatch(context.Background(), Request{ProjectID: "proj_1", ConnectionID: "conn_1", Verb: provider.VerbFetch})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.ConnectionNotFound {
		t.Fatalf("expected ConnectionNotFound, got %v", err)
	}
	if len(fs.logs) != 1 {
		t.Fatalf("expected one log entry even on denial, got %d", len(fs.logs))
	}
}

func TestDispatch_RevokedConnectionRejected(t *testing.T) {
	conn := &models.Connection{ID: "conn_1", ProjectID: "proj_1", Provider: "stubprov", Status: models.ConnectionRevoked}
	d, _ := newDispatcher(t, conn, &stubAdapter{}, &fakeTokenSource{token: "at_1"})

	_, err := d.Dispatch(context.Background(), Request{ProjectID: "proj_1", ConnectionID: "conn_1", Verb: provider.VerbFetch})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.ConnectionRevoked {
		t.Fatalf("expected ConnectionRevoked, got %v", err)
	}
}

func TestDispatch_UnknownProvider(t *testing.T) {
	conn := &models.Connection{ID: "conn_1", ProjectID: "proj_1", Provider: "ghostprov", Status: models.ConnectionActive}
	d, _ := newDispatcher(t, conn, nil, &fakeTokenSource{token: "at_1"})

	_, err := d.Dispatch(context.Background(), Request{ProjectID: "proj_1", ConnectionID: "conn_1", Verb: provider.VerbFetch})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDispatch_ProviderErrorIsNormalized(t *testing.T) {
	conn := &models.Connection{ID: "conn_1", ProjectID: "proj_1", Provider: "stubprov", Status: models.ConnectionActive}
	adapter := &stubAdapter{fetchErr: errGeneric("boom")}
	d, fs := newDispatcher(t, conn, adapter, &fakeTokenSource{token: "at_1"})

	_, err := d.Dispatch(context.Background(), Request{ProjectID: "proj_1", ConnectionID: "conn_1", Verb: provider.VerbFetch})
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.ProviderError {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if fs.logs[0].StatusCode != e.Status() {
		t.Fatalf("log status mismatch: %d vs %d", fs.logs[0].StatusCode, e.Status())
	}
}

type errGeneric string

func (e errGeneric) Error() string { return string(e) }
