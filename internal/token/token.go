// Package token implements the token lifecycle manager:
// GetValidAccessToken returns a usable access token for a connection,
// transparently refreshing it when near expiry, and coalesces concurrent
// refreshes for the same connection into one upstream call.
//
// Single-flight here is a plain mutex-guarded map of in-flight results,
// not a library primitive, so that the same coalescing key also gates
// the cross-process advisory lock (store.TryLock) in one place;
// golang.org/x/sync/singleflight does not expose a hook to re-check a
// cross-process lock between "I am the leader" and "the result is
// ready", so it's not used here even though the module already depends
// on golang.org/x/sync transitively via goose. Everything else reuses
// what's already proven: zap for structured logging, the same
// store.Store contract the rest of the core depends on.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/provider"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"github.com/linkbroker/linkbroker/internal/webhook"
	"go.uber.org/zap"
)

// RefreshSkew is how far ahead of expiry a token is proactively refreshed.
const RefreshSkew = 2 * time.Minute

// lockRetryDelay is how long a follower waits before re-reading the
// connection row after losing the advisory-lock race.
const lockRetryDelay = 50 * time.Millisecond

const lockRetryLimit = 40 // 2s worst case at 50ms

type inflight struct {
	done   chan struct{}
	result string
	err    error
}

// Manager resolves and refreshes access tokens for connections.
type Manager struct {
	store     store.Store
	keyring   *crypto.Keyring
	providers *provider.Registry
	log       *zap.Logger
	now       func() time.Time
	hooks     *webhook.Dispatcher

	mu      sync.Mutex
	flights map[string]*inflight
}

func New(st store.Store, keyring *crypto.Keyring, providers *provider.Registry, log *zap.Logger, hooks *webhook.Dispatcher) *Manager {
	return &Manager{
		store:     st,
		keyring:   keyring,
		providers: providers,
		log:       log,
		now:       time.Now,
		hooks:     hooks,
		flights:   make(map[string]*inflight),
	}
}

// emitStatusWebhook enqueues the connection lifecycle event matching a
// status transition, nil-guarded the same way httpapi.OAuthCallback
// guards its own connection.created enqueue.
func (m *Manager) emitStatusWebhook(ctx context.Context, conn *models.Connection, event, reason string) {
	if m.hooks == nil {
		return
	}
	if err := m.hooks.Enqueue(ctx, conn.ProjectID, event, map[string]any{
		"connectionId": conn.ID,
		"provider":     conn.Provider,
		"reason":       reason,
	}); err != nil {
		m.log.Warn("enqueue connection status webhook", zap.String("event", event), zap.Error(err))
	}
}

// GetValidAccessToken returns a decrypted, usable access token for the
// given connection, refreshing it first if it's within RefreshSkew of
// expiry or already expired.
func (m *Manager) GetValidAccessToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		if err == store.ErrNotFound {
			return "", apierr.New(apierr.ConnectionNotFound, "connection not found")
		}
		return "", apierr.Wrap(apierr.InternalError, "load connection", err)
	}

	if conn.Status == models.ConnectionRevoked {
		return "", apierr.New(apierr.ConnectionRevoked, "connection has been revoked")
	}

	if !needsRefresh(conn, m.now(), RefreshSkew) {
		return m.keyring.DecryptString(conn.AccessTokenCipher)
	}

	return m.coalescedRefresh(ctx, conn)
}

func needsRefresh(conn *models.Connection, now time.Time, skew time.Duration) bool {
	if conn.ExpiresAt == nil {
		return false // provider issued a non-expiring token
	}
	return now.Add(skew).After(*conn.ExpiresAt)
}

// coalescedRefresh ensures only one goroutine in this process performs
// the actual refresh call for a given connection at a time; concurrent
// callers for the same connection block on the same result.
func (m *Manager) coalescedRefresh(ctx context.Context, conn *models.Connection) (string, error) {
	m.mu.Lock()
	if f, ok := m.flights[conn.ID]; ok {
		m.mu.Unlock()
		<-f.done
		return f.result, f.err
	}
	f := &inflight{done: make(chan struct{})}
	m.flights[conn.ID] = f
	m.mu.Unlock()

	f.result, f.err = m.refreshWithLock(ctx, conn)
	close(f.done)

	m.mu.Lock()
	delete(m.flights, conn.ID)
	m.mu.Unlock()

	return f.result, f.err
}

// refreshWithLock is the cross-process half of coalescing: acquire an
// advisory lock keyed by the connection id before calling the provider
// so that two broker processes racing on the same connection don't both
// call Refresh. A process that loses the race re-reads the row, which by
// then should carry the winner's refreshed token.
func (m *Manager) refreshWithLock(ctx context.Context, conn *models.Connection) (string, error) {
	lockName := "token-refresh:" + conn.ID

	for attempt := 0; attempt < lockRetryLimit; attempt++ {
		release, ok, err := m.store.TryLock(ctx, lockName)
		if err != nil {
			return "", apierr.Wrap(apierr.InternalError, "acquire refresh lock", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return "", apierr.Wrap(apierr.InternalError, "refresh lock wait", ctx.Err())
			case <-time.After(lockRetryDelay):
			}
			fresh, err := m.store.GetConnection(ctx, conn.ID)
			if err != nil {
				return "", apierr.Wrap(apierr.InternalError, "reload connection", err)
			}
			if !needsRefresh(fresh, m.now(), RefreshSkew) {
				return m.keyring.DecryptString(fresh.AccessTokenCipher)
			}
			conn = fresh
			continue
		}

		defer release()
		return m.doRefresh(ctx, conn)
	}
	return "", apierr.New(apierr.InternalError, fmt.Sprintf("timed out waiting for refresh lock on %s", conn.ID))
}

// doRefresh holds the lock: re-check the row (another process may have
// refreshed while we waited to acquire), then call the provider and
// persist the new token pair.
func (m *Manager) doRefresh(ctx context.Context, conn *models.Connection) (string, error) {
	fresh, err := m.store.GetConnection(ctx, conn.ID)
	if err != nil {
		return "", apierr.Wrap(apierr.InternalError, "reload connection under lock", err)
	}
	if !needsRefresh(fresh, m.now(), RefreshSkew) {
		return m.keyring.DecryptString(fresh.AccessTokenCipher)
	}

	adapter, ok := m.providers.Lookup(fresh.Provider)
	if !ok {
		return "", apierr.New(apierr.NotFound, fmt.Sprintf("unknown provider %q", fresh.Provider))
	}

	refreshToken, err := m.keyring.DecryptString(fresh.RefreshTokenCipher)
	if err != nil {
		return "", apierr.Wrap(apierr.InternalError, "decrypt refresh token", err)
	}
	if refreshToken == "" {
		_ = m.store.UpdateConnectionStatus(ctx, fresh.ID, models.ConnectionExpired, "no refresh token on file")
		m.emitStatusWebhook(ctx, fresh, "connection.expired", "no refresh token on file")
		return "", apierr.New(apierr.ConnectionExpired, "connection has no refresh token")
	}

	result, err := adapter.Refresh(ctx, refreshToken)
	if err != nil {
		return "", m.classifyAndPersist(ctx, fresh, err)
	}

	accessCipher, err := m.keyring.EncryptString(result.AccessToken)
	if err != nil {
		return "", apierr.Wrap(apierr.InternalError, "encrypt refreshed access token", err)
	}
	refreshCipher := fresh.RefreshTokenCipher
	if result.RefreshToken != "" {
		refreshCipher, err = m.keyring.EncryptString(result.RefreshToken)
		if err != nil {
			return "", apierr.Wrap(apierr.InternalError, "encrypt rotated refresh token", err)
		}
	}

	if err := m.store.UpdateConnectionTokens(ctx, fresh.ID, accessCipher, refreshCipher, result.ExpiresAt, models.ConnectionActive); err != nil {
		return "", apierr.Wrap(apierr.InternalError, "persist refreshed tokens", err)
	}

	m.log.Info("refreshed access token", zap.String("connection_id", fresh.ID), zap.String("provider", fresh.Provider))
	return result.AccessToken, nil
}

// classifyAndPersist maps a failed refresh to the connection status
// transition of the classification table and persists it.
func (m *Manager) classifyAndPersist(ctx context.Context, conn *models.Connection, refreshErr error) error {
	kind := provider.RefreshFailureOther
	if re, ok := refreshErr.(*provider.RefreshError); ok {
		kind = re.Kind
	}

	switch kind {
	case provider.RefreshFailureRevoked:
		_ = m.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionRevoked, refreshErr.Error())
		m.emitStatusWebhook(ctx, conn, "connection.revoked", refreshErr.Error())
		return apierr.Wrap(apierr.ConnectionRevoked, "provider revoked the connection", refreshErr)
	case provider.RefreshFailureExpired:
		_ = m.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionExpired, refreshErr.Error())
		m.emitStatusWebhook(ctx, conn, "connection.expired", refreshErr.Error())
		return apierr.Wrap(apierr.ConnectionExpired, "refresh token expired", refreshErr)
	case provider.RefreshFailureTransient:
		// Leave status untouched — a transient failure shouldn't
		// permanently mark the connection bad. Caller may retry.
		return apierr.Wrap(apierr.ProviderError, "transient refresh failure", refreshErr)
	default:
		_ = m.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionError, refreshErr.Error())
		m.emitStatusWebhook(ctx, conn, "connection.error", refreshErr.Error())
		return apierr.Wrap(apierr.ProviderError, "refresh failed", refreshErr)
	}
}
