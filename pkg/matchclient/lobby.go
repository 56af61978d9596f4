// Package matchclient talks to a match server: the lobby HTTP API over fasthttp and the
// game socket over nhooyr websocket.
package matchclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/match-core/internal/storage"
)

// HeaderProvider supplies per-request headers.
type HeaderProvider func() map[string]string

// APIError is a non-2xx lobby response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lobby api error: status=%d message=%s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

// WithRetry sets the attempt budget for reads. Writes are never retried.
func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithGuest identifies the caller as guest id.
func WithGuest(id string) Option {
	return WithHeaderProvider(func() map[string]string { return map[string]string{"X-Guest-Id": id} })
}

// WithToken authenticates the caller with an account token.
func WithToken(token string) Option {
	return WithHeaderProvider(func() map[string]string { return map[string]string{"Authorization": "Bearer " + token} })
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seat is a granted seat and its secret.
type Seat struct {
	PlayerID    string `json:"playerID"`
	Credentials string `json:"playerCredentials"`
}

type CreateOptions struct {
	NumPlayers int             `json:"numPlayers,omitempty"`
	SetupData  json.RawMessage `json:"setupData,omitempty"`
	Seed       string          `json:"seed,omitempty"`
}

func gamePath(game string, parts ...string) string {
	p := "/games/" + url.PathEscape(game)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p
}

func (c *Client) Create(ctx context.Context, game string, opts CreateOptions) (string, error) {
	var out struct {
		MatchID string `json:"matchID"`
	}
	if err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(game, "create"), opts, &out, false); err != nil {
		return "", err
	}
	return out.MatchID, nil
}

// Join takes playerID, or the first free seat when playerID is empty.
func (c *Client) Join(ctx context.Context, game, matchID, playerName, playerID string) (Seat, error) {
	in := map[string]string{"playerName": playerName}
	if playerID != "" {
		in["playerID"] = playerID
	}
	var seat Seat
	err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(game, matchID, "join"), in, &seat, false)
	return seat, err
}

// Leave gives up seat and reports whether the match was wiped as a result.
func (c *Client) Leave(ctx context.Context, game, matchID string, seat Seat) (bool, error) {
	in := map[string]string{"playerID": seat.PlayerID, "credentials": seat.Credentials}
	var out struct {
		Wiped bool `json:"wiped"`
	}
	err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(game, matchID, "leave"), in, &out, false)
	return out.Wiped, err
}

func (c *Client) ClaimSeat(ctx context.Context, game, matchID, playerID, playerName string) (Seat, error) {
	in := map[string]string{"playerID": playerID, "playerName": playerName}
	var seat Seat
	err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(game, matchID, "claim-seat"), in, &seat, false)
	return seat, err
}

func (c *Client) Destroy(ctx context.Context, game, matchID string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, gamePath(game, matchID, "destroy"), nil, nil, false)
}

func (c *Client) Get(ctx context.Context, game, matchID string) (*storage.PublicMatch, error) {
	var m storage.PublicMatch
	if err := c.doJSON(ctx, fasthttp.MethodGet, gamePath(game, matchID), nil, &m, true); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) List(ctx context.Context, game string) ([]*storage.PublicMatch, error) {
	var out struct {
		Matches []*storage.PublicMatch `json:"matches"`
	}
	if err := c.doJSON(ctx, fasthttp.MethodGet, gamePath(game), nil, &out, true); err != nil {
		return nil, err
	}
	return out.Matches, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else if status := resp.StatusCode(); status < 200 || status >= 300 {
			lastErr = apiError(status, resp.Body())
			if !shouldRetryStatus(status) {
				return lastErr
			}
		} else {
			if out != nil && len(resp.Body()) > 0 {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		}
		if attempt < attempts {
			if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func apiError(status int, body []byte) *APIError {
	var e struct {
		Error string `json:"error"`
	}
	msg := truncate(string(body), 512)
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{Status: status, Message: msg}
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDuration doubles from 100ms and stops growing after six attempts.
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
