// Package twitch talks to the Twitch Helix API: OAuth token lifecycle and
// clip creation.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LordBoos/SmartClip-CZ/internal/config"
)

// ErrCredentialExpired means the refresh token could not be exchanged after
// exhausting retries; the user has to re-authorize.
var ErrCredentialExpired = errors.New("twitch: credential expired")

const (
	defaultTokenURL = "https://id.twitch.tv/oauth2/token"

	// Tokens within this buffer of expiry are refreshed before use.
	refreshBuffer = 5 * time.Minute

	refreshAttempts = 3
	refreshBaseWait = 2 * time.Second
)

// Credential is the live token state handed to API callers.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// CredentialManager owns the OAuth credential for one session. All writes
// to the credential happen inside its critical section; everything else
// only ever reads snapshots.
//
// Token policy: when the cached token's remaining lifetime is below the
// safety buffer, Token refreshes synchronously before returning. Callers
// see at most the bounded refresh latency, never a silently stale token.
type CredentialManager struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	persist      func(Credential) error
	log          *slog.Logger
	baseWait     time.Duration

	mu   sync.Mutex
	cred Credential
}

// ManagerOption configures CredentialManager behavior.
type ManagerOption func(*CredentialManager)

// WithTokenURL overrides the OAuth token endpoint.
func WithTokenURL(u string) ManagerOption {
	return func(m *CredentialManager) { m.tokenURL = u }
}

// WithHTTPClient overrides the HTTP client used for refresh calls.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *CredentialManager) { m.httpClient = c }
}

// NewCredentialManager seeds the manager from the persisted config record.
// persist is called after every successful refresh with the new credential;
// it may be nil.
func NewCredentialManager(cfg config.TwitchConfig, persist func(Credential) error, log *slog.Logger, opts ...ManagerOption) *CredentialManager {
	m := &CredentialManager{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     defaultTokenURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		persist:      persist,
		log:          log,
		baseWait:     refreshBaseWait,
		cred: Credential{
			AccessToken:  cfg.AccessToken,
			RefreshToken: cfg.RefreshToken,
			ExpiresAt:    cfg.ExpiresAt,
			Scopes:       cfg.Scopes,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a valid access token, refreshing first if the cached one
// has less than the safety buffer of lifetime left.
func (m *CredentialManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Until(m.cred.ExpiresAt) > refreshBuffer {
		return m.cred.AccessToken, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.cred.AccessToken, nil
}

// ForceRefresh discards the cached access token and refreshes immediately.
// The clip invoker calls this after a 401/403 from Helix.
func (m *CredentialManager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.cred.AccessToken, nil
}

// Credential returns a snapshot of the current credential.
func (m *CredentialManager) Credential() Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cred
	c.Scopes = append([]string(nil), m.cred.Scopes...)
	return c
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
}

// refreshLocked exchanges the refresh token with exponential backoff
// (2s, 4s between attempts). The stored refresh token survives transient
// failures untouched; only a successful exchange replaces it.
func (m *CredentialManager) refreshLocked(ctx context.Context) error {
	if m.cred.RefreshToken == "" {
		return fmt.Errorf("no refresh token: %w", ErrCredentialExpired)
	}

	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			wait := m.baseWait << (attempt - 1)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		tok, err := m.exchange(ctx)
		if err != nil {
			lastErr = err
			m.log.Warn("token refresh failed",
				"attempt", attempt+1, "error", err)
			continue
		}

		m.cred.AccessToken = tok.AccessToken
		m.cred.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		if tok.RefreshToken != "" {
			m.cred.RefreshToken = tok.RefreshToken
		}
		if len(tok.Scope) > 0 {
			m.cred.Scopes = tok.Scope
		}
		m.log.Info("access token refreshed", "expires_at", m.cred.ExpiresAt)

		if m.persist != nil {
			if err := m.persist(m.cred); err != nil {
				m.log.Error("credential write-back failed", "error", err)
			}
		}
		return nil
	}

	return fmt.Errorf("refresh exhausted %d attempts: %w: %w",
		refreshAttempts, ErrCredentialExpired, lastErr)
}

func (m *CredentialManager) exchange(ctx context.Context) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.cred.RefreshToken},
		"client_id":     {m.clientID},
	}
	if m.clientSecret != "" {
		form.Set("client_secret", m.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, fmt.Errorf("token endpoint HTTP %d: %s", resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &tok, nil
}
