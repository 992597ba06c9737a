// Package dispatch implements the request routing core: for a given
// (project, connection, verb) triple it loads the connection, checks
// project ownership, resolves the provider adapter, obtains a valid
// access token, invokes the verb, and records the outcome to the
// append-only API log.
//
// This is the same "load → authorize → delegate → log" shape as the
// teacher's chat-completion handlers (internal/proxy/handlers/openai.go),
// generalized from "forward an LLM completion request to one of several
// upstream backends" to "invoke one of four uniform verbs against one of
// several provider adapters."
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/provider"
	"github.com/linkbroker/linkbroker/internal/store"
	"github.com/linkbroker/linkbroker/internal/store/models"
	"github.com/linkbroker/linkbroker/internal/token"
	"github.com/linkbroker/linkbroker/internal/util"
	"go.uber.org/zap"
)

// TokenSource is the subset of *token.Manager dispatch depends on, kept
// as an interface so tests can substitute a fake without pulling in a
// real store.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, connectionID string) (string, error)
}

var _ TokenSource = (*token.Manager)(nil)

// Dispatcher executes verb calls against provider connections.
type Dispatcher struct {
	store     store.Store
	providers *provider.Registry
	tokens    TokenSource
	log       *zap.Logger
	now       func() time.Time
}

func New(st store.Store, providers *provider.Registry, tokens TokenSource, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: st, providers: providers, tokens: tokens, log: log, now: time.Now}
}

// Request is one uniform-verb invocation.
type Request struct {
	ProjectID    string
	ConnectionID string
	Verb         provider.Verb
	Params       map[string]any
}

// Result is what a successful dispatch produces, ready for the HTTP
// layer's response envelope.
type Result struct {
	Data       any
	DurationMS int64
}

// Dispatch performs the full load-authorize-delegate-log sequence.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	start := d.now()

	conn, err := d.store.GetConnection(ctx, req.ConnectionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, d.logAndReturn(ctx, req, start, nil, apierr.New(apierr.ConnectionNotFound, "connection not found"))
		}
		return nil, d.logAndReturn(ctx, req, start, nil, apierr.Wrap(apierr.InternalError, "load connection", err))
	}
	if conn.ProjectID != req.ProjectID {
		// A caller trying to act on a connection outside its project
		// gets the same NOT_FOUND a truly-missing connection would, so
		// as not to leak existence across tenants.
		return nil, d.logAndReturn(ctx, req, start, conn, apierr.New(apierr.ConnectionNotFound, "connection not found"))
	}

	switch conn.Status {
	case models.ConnectionRevoked:
		return nil, d.logAndReturn(ctx, req, start, conn, apierr.New(apierr.ConnectionRevoked, "connection has been revoked"))
	case models.ConnectionExpired:
		return nil, d.logAndReturn(ctx, req, start, conn, apierr.New(apierr.ConnectionExpired, "connection has expired"))
	}

	adapter, ok := d.providers.Lookup(conn.Provider)
	if !ok {
		return nil, d.logAndReturn(ctx, req, start, conn, apierr.New(apierr.NotFound, fmt.Sprintf("unknown provider %q", conn.Provider)))
	}

	accessToken, err := d.tokens.GetValidAccessToken(ctx, conn.ID)
	if err != nil {
		return nil, d.logAndReturn(ctx, req, start, conn, err)
	}

	handle := &provider.Handle{
		ConnectionID:   conn.ID,
		ProjectID:      conn.ProjectID,
		EndUserID:      conn.EndUserID,
		AccessToken:    accessToken,
		TokenType:      "Bearer",
		ProviderUserID: conn.ProviderUserID,
		ProviderEmail:  conn.ProviderEmail,
	}

	data, err := invoke(ctx, adapter, req.Verb, handle, req.Params)
	if err != nil {
		normalized := adapter.NormalizeError(err)
		return nil, d.logAndReturn(ctx, req, start, conn, translateProviderError(normalized))
	}

	_ = d.store.TouchConnectionLastUsed(ctx, conn.ID, d.now())

	result := &Result{Data: data, DurationMS: d.now().Sub(start).Milliseconds()}
	d.logOutcome(ctx, req, conn, start, 200, "")
	return result, nil
}

func invoke(ctx context.Context, a provider.Adapter, verb provider.Verb, h *provider.Handle, params map[string]any) (any, error) {
	switch verb {
	case provider.VerbFetch:
		return a.Fetch(ctx, h, params)
	case provider.VerbCreate:
		return a.Create(ctx, h, params)
	case provider.VerbUpdate:
		return a.Update(ctx, h, params)
	case provider.VerbDelete:
		return a.Delete(ctx, h, params)
	default:
		return nil, apierr.New(apierr.ValidationError, fmt.Sprintf("unknown verb %q", verb))
	}
}

// translateProviderError makes sure whatever NormalizeError hands back
// reaches the caller as an *apierr.Error, defaulting to PROVIDER_ERROR
// for anything an adapter didn't already classify.
func translateProviderError(err error) error {
	if _, ok := apierr.As(err); ok {
		return err
	}
	return apierr.Wrap(apierr.ProviderError, "provider call failed", err)
}

func (d *Dispatcher) logAndReturn(ctx context.Context, req Request, start time.Time, conn *models.Connection, err error) error {
	status := 500
	if e, ok := apierr.As(err); ok {
		status = e.Status()
	}
	d.logOutcome(ctx, req, conn, start, status, err.Error())
	return err
}

func (d *Dispatcher) logOutcome(ctx context.Context, req Request, conn *models.Connection, start time.Time, statusCode int, errMsg string) {
	entry := &models.APILog{
		ID:           uuid.NewString(),
		ProjectID:    req.ProjectID,
		ConnectionID: req.ConnectionID,
		Method:       string(req.Verb),
		StatusCode:   statusCode,
		ErrorMessage: util.TruncateLog(errMsg, util.DefaultLogMaxLen),
		LatencyMS:    d.now().Sub(start).Milliseconds(),
		CreatedAt:    d.now(),
	}
	if conn != nil {
		entry.Provider = conn.Provider
	}
	if err := d.store.InsertAPILog(ctx, entry); err != nil {
		d.log.Warn("failed to write api log entry", zap.Error(err))
	}
}
