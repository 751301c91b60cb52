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
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/LordBoos/SmartClip-CZ/internal/model"
)

const (
	defaultHelixURL = "https://api.twitch.tv/helix"

	// Helix clip titles are capped at 100 characters.
	maxTitleLen = 100
)

// ErrActionFailed marks a Helix call that failed and must not be retried,
// so a flaky network can never produce duplicate clips.
var ErrActionFailed = errors.New("twitch: clip action failed")

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Body       string // first 512 bytes
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// StreamInfo describes the live broadcast, used for clip titles.
type StreamInfo struct {
	Title    string
	GameName string
	Live     bool
}

// Client calls the Helix API on behalf of one broadcaster. Requests are
// spaced at least a second apart.
type Client struct {
	baseURL       string
	clientID      string
	broadcasterID string
	creds         *CredentialManager
	httpClient    *http.Client
	limiter       *rate.Limiter
	log           *slog.Logger
}

// ClientOption configures Client behavior.
type ClientOption func(*Client)

// WithBaseURL overrides the Helix base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithClientHTTP overrides the HTTP client.
func WithClientHTTP(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// NewClient creates a Helix client backed by the credential manager.
func NewClient(clientID, broadcasterID string, creds *CredentialManager, log *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       defaultHelixURL,
		clientID:      clientID,
		broadcasterID: broadcasterID,
		creds:         creds,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		limiter:       rate.NewLimiter(rate.Every(time.Second), 1),
		log:           log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComposeTitle builds the clip title from the stream title and the trigger
// label, truncated to the Helix limit. An empty stream title falls back to
// the bare trigger form.
func ComposeTitle(streamTitle, trigger string) string {
	title := "SmartClip - " + trigger
	if streamTitle != "" {
		title = streamTitle + " - " + title
	}
	if len(title) > maxTitleLen {
		cut := maxTitleLen
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = title[:cut]
	}
	return title
}

type clipResponse struct {
	Data []struct {
		ID      string `json:"id"`
		EditURL string `json:"edit_url"`
	} `json:"data"`
}

// CreateClip asks Helix to cut a clip of the current broadcast, titled
// from the request's stream title and trigger label. On a 401/403 it
// forces a credential refresh and retries exactly once; any other failure
// is returned wrapped in ErrActionFailed without retry.
func (c *Client) CreateClip(ctx context.Context, req model.ClipRequest) (model.ClipResult, error) {
	result := model.ClipResult{
		Request: req,
		Title:   ComposeTitle(req.StreamTitle, req.Label),
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		result.Err = err
		return result, err
	}

	clipID, err := c.postClip(ctx, token)
	var apiErr *APIError
	if errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		c.log.Warn("clip creation unauthorized, forcing token refresh",
			"status", apiErr.StatusCode)
		token, err = c.creds.ForceRefresh(ctx)
		if err == nil {
			clipID, err = c.postClip(ctx, token)
		}
	}
	if err != nil {
		result.Err = fmt.Errorf("%w: %w", ErrActionFailed, err)
		return result, result.Err
	}

	result.ClipID = clipID
	result.CreatedAt = time.Now()
	c.log.Info("clip created",
		"clip_id", clipID,
		"trigger", req.Label,
		"title", result.Title,
		"duration", req.Duration)
	return result, nil
}

func (c *Client) postClip(ctx context.Context, token string) (string, error) {
	q := url.Values{"broadcaster_id": {c.broadcasterID}}
	var out clipResponse
	if err := c.do(ctx, http.MethodPost, "/clips", q, token, &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", errors.New("clip response missing data")
	}
	return out.Data[0].ID, nil
}

type streamsResponse struct {
	Data []struct {
		Title    string `json:"title"`
		GameName string `json:"game_name"`
		Type     string `json:"type"`
	} `json:"data"`
}

type channelsResponse struct {
	Data []struct {
		Title    string `json:"title"`
		GameName string `json:"game_name"`
	} `json:"data"`
}

// StreamInfo fetches the live broadcast's title. When the streams endpoint
// reports nothing (stream just started, cache lag) it falls back to the
// channel record, marked not live.
func (c *Client) StreamInfo(ctx context.Context) (StreamInfo, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return StreamInfo{}, err
	}

	var streams streamsResponse
	q := url.Values{"user_id": {c.broadcasterID}}
	if err := c.do(ctx, http.MethodGet, "/streams", q, token, &streams); err != nil {
		return StreamInfo{}, err
	}
	if len(streams.Data) > 0 {
		s := streams.Data[0]
		return StreamInfo{Title: s.Title, GameName: s.GameName, Live: s.Type == "live"}, nil
	}

	var channels channelsResponse
	q = url.Values{"broadcaster_id": {c.broadcasterID}}
	if err := c.do(ctx, http.MethodGet, "/channels", q, token, &channels); err != nil {
		return StreamInfo{}, err
	}
	if len(channels.Data) == 0 {
		return StreamInfo{}, errors.New("broadcaster not found")
	}
	ch := channels.Data[0]
	return StreamInfo{Title: ch.Title, GameName: ch.GameName}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-ID", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(body)
		if len(bodyStr) > 512 {
			bodyStr = bodyStr[:512]
		}
		return &APIError{StatusCode: resp.StatusCode, Body: bodyStr}
	}
	return json.Unmarshal(body, dest)
}
