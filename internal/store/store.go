// Package store defines the data-store contract: the thin interface the
// core uses to reach the external relational database.
// internal/store/gormstore is its one shipped adapter.
package store

import (
	"context"
	"time"

	"github.com/linkbroker/linkbroker/internal/store/models"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }

// Store is the full data-access contract the core depends on. Every method
// that must observe affected-row counts (the single-use guard) or
// transactional composition (the "consume-then-upsert" requirement)
// says so in its doc comment.
type Store interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)

	GetAPIKeyByPublicKey(ctx context.Context, publicKey string) (*models.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error

	GetProviderDescriptor(ctx context.Context, name string) (*models.ProviderDescriptor, error)
	UpsertProviderDescriptor(ctx context.Context, d *models.ProviderDescriptor) error

	// UpsertEndUser resolves (or inserts) the end user identified by
	// (projectID, externalID). The OAuth flow calls it from the callback,
	// after the code exchange; initiating a handshake does not create the
	// end-user row.
	UpsertEndUser(ctx context.Context, projectID, externalID, email, displayName string) (*models.EndUser, error)
	GetEndUser(ctx context.Context, id string) (*models.EndUser, error)

	CreateOAuthState(ctx context.Context, s *models.OAuthState) error
	GetOAuthStateByToken(ctx context.Context, token string) (*models.OAuthState, error)

	// ConsumeOAuthState atomically flips used_at from NULL to now, gated
	// on used_at IS NULL and expires_at > now. It returns consumed=true
	// only when exactly one row was affected — the authoritative
	// single-use guard.
	ConsumeOAuthState(ctx context.Context, token string, now time.Time) (consumed bool, err error)
	DeleteExpiredUnusedStatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// UpsertConnectionAfterCallback performs the final upsert of an OAuth
	// callback. It runs after, and separately from, the ConsumeOAuthState
	// call; the two do not share a transaction, so a failure here leaves
	// the state row consumed.
	UpsertConnectionAfterCallback(ctx context.Context, c *models.Connection) (*models.Connection, error)

	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	ListConnections(ctx context.Context, projectID string, endUserID, provider, status string) ([]*models.Connection, error)
	UpdateConnectionTokens(ctx context.Context, id string, accessCipher, refreshCipher string, expiresAt *time.Time, status models.ConnectionStatus) error
	UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, errMessage string) error
	TouchConnectionLastUsed(ctx context.Context, id string, at time.Time) error

	// TryLock acquires a cross-process advisory lock keyed by name, the
	// store-mediated half of the refresh single-flight design. The
	// returned release func must be called to free it. ok is false if the
	// lock is already held elsewhere; callers should re-read the row
	// rather than block.
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)

	CreateWebhookSubscription(ctx context.Context, s *models.WebhookSubscription) error
	ListWebhookSubscriptions(ctx context.Context, projectID string) ([]*models.WebhookSubscription, error)
	GetWebhookSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	DeleteWebhookSubscription(ctx context.Context, id string) error
	ListEnabledSubscriptionsForEvent(ctx context.Context, projectID, event string) ([]*models.WebhookSubscription, error)
	RecordDeliveryOutcome(ctx context.Context, subscriptionID string, statusCode int, success bool, at time.Time) error
	DisableSubscription(ctx context.Context, subscriptionID string) error

	CreateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error
	ListDueWebhookDeliveries(ctx context.Context, before time.Time, limit int) ([]*models.WebhookDelivery, error)
	MarkWebhookDelivered(ctx context.Context, id string, statusCode int, at time.Time) error
	MarkWebhookAttemptFailed(ctx context.Context, id string, statusCode int, errMsg string, nextAttempt time.Time) error

	InsertAPILog(ctx context.Context, l *models.APILog) error
}
