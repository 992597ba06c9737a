// Package gmail is the reference provider adapter: a complete
// capability-set implementation against the real Gmail REST surface,
// exercising every uniform verb.
//
// OAuth plumbing (authorization URL, code exchange, refresh) is
// generalized from the teacher's Google-specific helpers
// (internal/auth/google/{login,callback,oauth}.go), which hardcode a
// single application's client credentials and a single fixed callback
// route. Here the adapter takes its endpoints from the provider
// descriptor and one set of client credentials from its caller; the
// registry holds a single gmail adapter, so every project shares that
// OAuth client. golang.org/x/oauth2's generic oauth2.Config replaces the teacher's
// golang.org/x/oauth2/google convenience wrapper since the broker
// already has the authorization/token endpoints from the descriptor
// rather than needing Google's well-known discovery endpoint.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linkbroker/linkbroker/internal/apierr"
	"github.com/linkbroker/linkbroker/internal/provider"
	"golang.org/x/oauth2"
)

const (
	Name        = "gmail"
	displayName = "Gmail"
	category    = "mail"

	apiBase = "https://gmail.googleapis.com/gmail/v1"
)

var scopeTranslation = map[string]string{
	"email.read":   "https://www.googleapis.com/auth/gmail.readonly",
	"email.send":   "https://www.googleapis.com/auth/gmail.send",
	"email.modify": "https://www.googleapis.com/auth/gmail.modify",
}

// Adapter implements provider.Adapter for Gmail.
type Adapter struct {
	oauthConfig oauth2.Config
	httpClient  *http.Client
}

// New builds a Gmail adapter from the provider descriptor's endpoints and
// the project's (or the operator's, depending on deployment) OAuth client
// credentials.
func New(clientID, clientSecret, authURL, tokenURL string) *Adapter {
	return &Adapter{
		oauthConfig: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) DisplayName() string { return displayName }
func (a *Adapter) Category() string    { return category }

func (a *Adapter) TranslateScope(broker string) string {
	if native, ok := scopeTranslation[broker]; ok {
		return native
	}
	return broker
}

func (a *Adapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) string {
	cfg := a.oauthConfig
	cfg.RedirectURL = redirectURI
	cfg.Scopes = translateAll(scopes)

	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func translateAll(broker []string) []string {
	out := make([]string, 0, len(broker))
	for _, s := range broker {
		if native, ok := scopeTranslation[s]; ok {
			out = append(out, native)
		} else {
			out = append(out, s)
		}
	}
	return out
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenResult, error) {
	cfg := a.oauthConfig
	cfg.RedirectURL = redirectURI

	tok, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, err
	}

	userID, email, err := a.fetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		// User-info is best-effort; don't fail the exchange over it.
		userID, email = "", ""
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiresAt = &e
	}

	return &provider.TokenResult{
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenType:      tok.TokenType,
		ExpiresAt:      expiresAt,
		ProviderUserID: userID,
		ProviderEmail:  email,
	}, nil
}

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*provider.TokenResult, error) {
	cfg := a.oauthConfig
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiresAt = &e
	}

	return &provider.TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken, // empty unless Google rotated it
		TokenType:    tok.TokenType,
		ExpiresAt:    expiresAt,
	}, nil
}

func classifyRefreshError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid_grant"), strings.Contains(msg, "revoked"):
		return &provider.RefreshError{Kind: provider.RefreshFailureRevoked, Message: err.Error(), Cause: err}
	case strings.Contains(msg, "token has expired"), strings.Contains(msg, "expired"):
		return &provider.RefreshError{Kind: provider.RefreshFailureExpired, Message: err.Error(), Cause: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"), strings.Contains(msg, "5"):
		return &provider.RefreshError{Kind: provider.RefreshFailureTransient, Message: err.Error(), Cause: err}
	default:
		return &provider.RefreshError{Kind: provider.RefreshFailureOther, Message: err.Error(), Cause: err}
	}
}

func (a *Adapter) fetchUserInfo(ctx context.Context, accessToken string) (userID, email string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/users/me/profile", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("gmail profile fetch: status %d", resp.StatusCode)
	}

	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", "", err
	}
	return profile.EmailAddress, profile.EmailAddress, nil
}

// Fetch implements the "fetch" verb as GET /messages/{id}.
func (a *Adapter) Fetch(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("gmail fetch: params.id is required")
	}

	resp, err := a.doJSON(ctx, h, http.MethodGet, apiBase+"/users/me/messages/"+url.PathEscape(id)+"?format=full", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}

	var raw gmailMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return normalizeMessage(&raw), nil
}

// Create implements the "create" verb as POST /messages/send.
func (a *Adapter) Create(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	to, _ := params["to"].(string)
	subject, _ := params["subject"].(string)
	body, _ := params["body"].(string)
	if to == "" {
		return nil, fmt.Errorf("gmail create: params.to is required")
	}

	mime := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s", to, subject, body)
	raw := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(mime))

	payload, _ := json.Marshal(map[string]string{"raw": raw})
	resp, err := a.doJSON(ctx, h, http.MethodPost, apiBase+"/users/me/messages/send", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}

	var raw2 gmailMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw2); err != nil {
		return nil, err
	}
	return normalizeMessage(&raw2), nil
}

// Update implements the "update" verb as label add/remove via /modify —
// the closest Gmail analog to "update" on a message.
func (a *Adapter) Update(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("gmail update: params.id is required")
	}
	labels := func(key string) []string {
		var out []string
		switch v := params[key].(type) {
		case []string:
			out = v
		case []any:
			for _, x := range v {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
		}
		return out
	}
	addLabels := labels("addLabelIds")
	removeLabels := labels("removeLabelIds")

	payload, _ := json.Marshal(map[string]any{
		"addLabelIds":    addLabels,
		"removeLabelIds": removeLabels,
	})
	resp, err := a.doJSON(ctx, h, http.MethodPost, apiBase+"/users/me/messages/"+url.PathEscape(id)+"/modify", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}

	var raw gmailMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return normalizeMessage(&raw), nil
}

// Delete implements the "delete" verb as trash, not permanent delete —
// Gmail's trash is reversible within 30 days, matching the spirit of a
// delete verb the broker should not make unrecoverable by accident.
func (a *Adapter) Delete(ctx context.Context, h *provider.Handle, params map[string]any) (any, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("gmail delete: params.id is required")
	}

	resp, err := a.doJSON(ctx, h, http.MethodPost, apiBase+"/users/me/messages/"+url.PathEscape(id)+"/trash", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}
	return map[string]any{"id": id, "trashed": true}, nil
}

func (a *Adapter) doJSON(ctx context.Context, h *provider.Handle, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", h.TokenType+" "+h.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.httpClient.Do(req)
}

type gmailErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func httpStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var body gmailErrorBody
	_ = json.Unmarshal(data, &body)
	return &gmailAPIError{status: resp.StatusCode, body: body}
}

type gmailAPIError struct {
	status int
	body   gmailErrorBody
}

func (e *gmailAPIError) Error() string {
	if e.body.Error.Message != "" {
		return fmt.Sprintf("gmail api error: %d %s", e.status, e.body.Error.Message)
	}
	return fmt.Sprintf("gmail api error: status %d", e.status)
}

// NormalizeError maps a Gmail failure into the broker's taxonomy: a 403
// whose error message mentions insufficient permission maps to
// SCOPE_INSUFFICIENT; every other failure, 401 included, is PROVIDER_ERROR.
func (a *Adapter) NormalizeError(raw error) error {
	apiErr, ok := raw.(*gmailAPIError)
	if !ok {
		return apierr.Wrap(apierr.ProviderError, "gmail request failed", raw)
	}

	if apiErr.status == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.body.Error.Message), "insufficient") {
		return apierr.Wrap(apierr.ScopeInsufficient, apiErr.Error(), apiErr)
	}
	if apiErr.status >= 500 {
		return apierr.Wrap(apierr.ProviderError, apiErr.Error(), apiErr)
	}
	return apierr.Wrap(apierr.ProviderError, apiErr.Error(), apiErr)
}

var _ provider.Adapter = (*Adapter)(nil)
