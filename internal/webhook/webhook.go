// Package webhook implements event delivery: every subscribed project
// receives an HMAC-signed envelope over HTTP for connection lifecycle
// events, at-least-once, with exponential backoff on failure and
// auto-disable after repeated failures.
//
// The delivery loop is modeled on the teacher's own background refresh
// sweep (internal/auth/token/manager.go's periodic RefreshAllTokens): a
// ticker-driven goroutine that pulls due work and processes it with a
// bounded worker pool, rather than an in-memory channel queue that would
// lose pending deliveries on restart.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"go.uber.org/zap"
)

// BackoffSchedule is the fixed retry ladder applied to failed deliveries.
var BackoffSchedule = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	6 * time.Hour,
}

// MaxConsecutiveFailures disables a subscription once its failure streak
// reaches this count.
const MaxConsecutiveFailures = 5

// Envelope is the JSON body delivered to a subscriber's target URL.
type Envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	ProjectID string         `json:"projectId"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Dispatcher queues and delivers webhook events.
type Dispatcher struct {
	store      store.Store
	keyring    *crypto.Keyring
	log        *zap.Logger
	httpClient *http.Client
	now        func() time.Time

	workers   int
	pollEvery time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(st store.Store, keyring *crypto.Keyring, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      st,
		keyring:    keyring,
		log:        log,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
		workers:    4,
		pollEvery:  2 * time.Second,
	}
}

// Enqueue publishes an event to every enabled subscription on projectID
// that lists it, inserting one WebhookDelivery row per subscriber so each
// is retried independently.
func (d *Dispatcher) Enqueue(ctx context.Context, projectID, event string, data map[string]any) error {
	subs, err := d.store.ListEnabledSubscriptionsForEvent(ctx, projectID, event)
	if err != nil {
		return fmt.Errorf("webhook: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload := Envelope{
		ID:        uuid.NewString(),
		Type:      event,
		ProjectID: projectID,
		Data:      data,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal envelope: %w", err)
	}

	now := d.now()
	for _, sub := range subs {
		delivery := &models.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        payload.ID,
			EventType:      event,
			PayloadJSON:    string(body),
			Attempts:       0,
			NextAttemptAt:  now,
			CreatedAt:      now,
		}
		if err := d.store.CreateWebhookDelivery(ctx, delivery); err != nil {
			return fmt.Errorf("webhook: enqueue delivery for subscription %s: %w", sub.ID, err)
		}
	}
	return nil
}

// Run starts the background delivery loop. It blocks until ctx is
// canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	work := make(chan *models.WebhookDelivery)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, work)
	}

	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			close(work)
			d.wg.Wait()
			return
		case <-ticker.C:
			due, err := d.store.ListDueWebhookDeliveries(runCtx, d.now(), 50)
			if err != nil {
				d.log.Warn("list due webhook deliveries failed", zap.Error(err))
				continue
			}
			for _, delivery := range due {
				select {
				case work <- delivery:
				case <-runCtx.Done():
				}
			}
		}
	}
}

// Stop signals the delivery loop to exit and waits for workers to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		d.wg.Wait()
	}
}

func (d *Dispatcher) worker(ctx context.Context, work <-chan *models.WebhookDelivery) {
	defer d.wg.Done()
	for delivery := range work {
		d.attemptDelivery(ctx, delivery)
	}
}

func (d *Dispatcher) attemptDelivery(ctx context.Context, delivery *models.WebhookDelivery) {
	sub, err := d.store.GetWebhookSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		d.log.Warn("webhook delivery references missing subscription", zap.String("delivery_id", delivery.ID), zap.Error(err))
		return
	}
	if !sub.Enabled {
		return
	}

	secret, err := d.keyring.DecryptString(sub.SigningSecretCipher)
	if err != nil {
		d.log.Error("decrypt webhook signing secret", zap.String("subscription_id", sub.ID), zap.Error(err))
		return
	}

	body := []byte(delivery.PayloadJSON)
	signature := sign(secret, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		d.log.Error("build webhook request", zap.Error(err))
		return
	}
	now := d.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Link-Event", delivery.EventType)
	req.Header.Set("X-Link-Timestamp", now.UTC().Format(time.RFC3339))
	req.Header.Set("X-Link-Signature", signature)

	resp, err := d.httpClient.Do(req)
	success := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
		resp.Body.Close()
	}

	if err := d.store.RecordDeliveryOutcome(ctx, sub.ID, statusCode, success, now); err != nil {
		d.log.Warn("record webhook delivery outcome", zap.Error(err))
	}

	if success {
		if err := d.store.MarkWebhookDelivered(ctx, delivery.ID, statusCode, now); err != nil {
			d.log.Warn("mark webhook delivered", zap.Error(err))
		}
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else {
		errMsg = fmt.Sprintf("non-2xx status %d", statusCode)
	}

	attempts := delivery.Attempts + 1
	// Once the ladder is exhausted the delivery stays queued at the longest
	// interval; the subscription's failure counter (bumped by
	// RecordDeliveryOutcome above) drives auto-disable below.
	next := now.Add(BackoffSchedule[len(BackoffSchedule)-1])
	if attempts < len(BackoffSchedule) {
		next = now.Add(BackoffSchedule[attempts-1])
	}
	if err := d.store.MarkWebhookAttemptFailed(ctx, delivery.ID, statusCode, errMsg, next); err != nil {
		d.log.Warn("mark webhook attempt failed", zap.Error(err))
	}

	if sub.ConsecutiveFailures+1 >= MaxConsecutiveFailures {
		if err := d.store.DisableSubscription(ctx, sub.ID); err != nil {
			d.log.Warn("auto-disable webhook subscription", zap.Error(err))
		} else {
			d.log.Info("webhook subscription auto-disabled after repeated failures",
				zap.String("subscription_id", sub.ID), zap.Int("consecutive_failures", sub.ConsecutiveFailures+1))
		}
	}
}

// sign computes the HMAC-SHA256 over the raw envelope body alone (no
// timestamp component), since the envelope already carries its own
// Timestamp field and delivery retries intentionally resend
// byte-identical bodies.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature a subscriber would check — exported so
// downstream SDK code and tests share one implementation of the scheme.
func Verify(secret string, body []byte, signature string) bool {
	expected := sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
