package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"go.uber.org/zap"
)

type fakeStore struct {
	store.Store
	mu         sync.Mutex
	subs       map[string]*models.WebhookSubscription
	deliveries map[string]*models.WebhookDelivery
	delivered  []string
	failed     []string
	disabled   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:       map[string]*models.WebhookSubscription{},
		deliveries: map[string]*models.WebhookDelivery{},
	}
}

func (f *fakeStore) ListEnabledSubscriptionsForEvent(ctx context.Context, projectID, event string) ([]*models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WebhookSubscription
	for _, s := range f.subs {
		if s.ProjectID == projectID && s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries[d.ID] = d
	return nil
}

func (f *fakeStore) ListDueWebhookDeliveries(ctx context.Context, before time.Time, limit int) ([]*models.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WebhookDelivery
	for _, d := range f.deliveries {
		if d.DeliveredAt == nil && !d.NextAttemptAt.After(before) {
			out = append(out, d)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) GetWebhookSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) RecordDeliveryOutcome(ctx context.Context, subscriptionID string, statusCode int, success bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[subscriptionID]
	if success {
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
	}
	s.LastStatusCode = statusCode
	s.LastTriggeredAt = &at
	return nil
}

func (f *fakeStore) DisableSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[subscriptionID].Enabled = false
	f.disabled = append(f.disabled, subscriptionID)
	return nil
}

func (f *fakeStore) MarkWebhookDelivered(ctx context.Context, id string, statusCode int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries[id].DeliveredAt = &at
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeStore) MarkWebhookAttemptFailed(ctx context.Context, id string, statusCode int, errMsg string, nextAttempt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveries[id]
	d.Attempts++
	d.NextAttemptAt = nextAttempt
	d.LastError = errMsg
	f.failed = append(f.failed, id)
	return nil
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

func TestEnqueue_CreatesOneDeliveryPerSubscriber(t *testing.T) {
	fs := newFakeStore()
	fs.subs["sub_1"] = &models.WebhookSubscription{ID: "sub_1", ProjectID: "proj_1", Enabled: true, EventsCSV: "connection.created"}
	fs.subs["sub_2"] = &models.WebhookSubscription{ID: "sub_2", ProjectID: "proj_1", Enabled: true, EventsCSV: "connection.created"}

	d := New(fs, testKeyring(t), zap.NewNop())
	if err := d.Enqueue(context.Background(), "proj_1", "connection.created", map[string]any{"connectionId": "conn_1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(fs.deliveries) != 2 {
		t.Fatalf("expected 2 queued deliveries, got %d", len(fs.deliveries))
	}
}

func TestAttemptDelivery_SuccessMarksDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get("X-Link-Signature")
		if sig == "" {
			t.Errorf("expected signature header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeStore()
	kr := testKeyring(t)
	cipherSecret, _ := kr.EncryptString("whsec_test")
	fs.subs["sub_1"] = &models.WebhookSubscription{ID: "sub_1", ProjectID: "proj_1", Enabled: true, TargetURL: srv.URL, SigningSecretCipher: cipherSecret}
	fs.deliveries["del_1"] = &models.WebhookDelivery{ID: "del_1", SubscriptionID: "sub_1", PayloadJSON: `{"type":"test"}`}

	d := New(fs, kr, zap.NewNop())
	d.attemptDelivery(context.Background(), fs.deliveries["del_1"])

	if len(fs.delivered) != 1 {
		t.Fatalf("expected delivery marked delivered, got delivered=%v failed=%v", fs.delivered, fs.failed)
	}
}

func TestAttemptDelivery_FailureSchedulesBackoffAndCountsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := newFakeStore()
	kr := testKeyring(t)
	cipherSecret, _ := kr.EncryptString("whsec_test")
	fs.subs["sub_1"] = &models.WebhookSubscription{ID: "sub_1", ProjectID: "proj_1", Enabled: true, TargetURL: srv.URL, SigningSecretCipher: cipherSecret}
	fs.deliveries["del_1"] = &models.WebhookDelivery{ID: "del_1", SubscriptionID: "sub_1", PayloadJSON: `{"type":"test"}`}

	d := New(fs, kr, zap.NewNop())
	before := time.Now()
	d.attemptDelivery(context.Background(), fs.deliveries["del_1"])

	if len(fs.failed) != 1 {
		t.Fatalf("expected failed delivery recorded, got %v", fs.failed)
	}
	if fs.subs["sub_1"].ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutive_failures=1, got %d", fs.subs["sub_1"].ConsecutiveFailures)
	}
	if !fs.deliveries["del_1"].NextAttemptAt.After(before) {
		t.Fatalf("expected next attempt scheduled in the future")
	}
}

func TestAttemptDelivery_AutoDisablesAfterMaxFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := newFakeStore()
	kr := testKeyring(t)
	cipherSecret, _ := kr.EncryptString("whsec_test")
	fs.subs["sub_1"] = &models.WebhookSubscription{ID: "sub_1", ProjectID: "proj_1", Enabled: true, TargetURL: srv.URL, SigningSecretCipher: cipherSecret, ConsecutiveFailures: MaxConsecutiveFailures - 1}
	fs.deliveries["del_1"] = &models.WebhookDelivery{ID: "del_1", SubscriptionID: "sub_1", PayloadJSON: `{"type":"test"}`}

	d := New(fs, kr, zap.NewNop())
	d.attemptDelivery(context.Background(), fs.deliveries["del_1"])

	if len(fs.disabled) != 1 {
		t.Fatalf("expected subscription auto-disabled, got %v", fs.disabled)
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"type":"test"}`)
	s := sign("whsec_test", body)
	if !Verify("whsec_test", body, s) {
		t.Fatalf("expected signature to verify")
	}
	if Verify("whsec_test", body, "sha256=deadbeef") {
		t.Fatalf("expected tampered signature to fail")
	}
}
