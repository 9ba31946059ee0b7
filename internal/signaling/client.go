// Package signaling talks to the REST backend for everything the viewer needs
// besides media: room credentials, join/leave announcements, featured
// products and reactions.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveview/internal/core"
	"github.com/dkeye/liveview/internal/domain"
	"github.com/dkeye/liveview/internal/events"
	"github.com/dkeye/liveview/internal/observability"
	"github.com/dkeye/liveview/internal/reliability"
)

const maxBody = 1 << 20

// Credentials is what a viewer needs to join the media room, plus the
// session metadata shown around the player.
type Credentials struct {
	Session     domain.LiveSession
	AccessToken string
}

type Options struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

// Client does not retry. Callers decide what a failure means.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewClient(opts Options, metrics *observability.Metrics) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api base url %q: %w", opts.BaseURL, core.ErrConfiguration)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:    u,
		token:   opts.AuthToken,
		http:    hc,
		metrics: metrics,
		logger:  log.With().Str("module", "signaling").Logger(),
	}, nil
}

type hostWire struct {
	ID     string `json:"_id"`
	AltID  string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type credentialsWire struct {
	ID                string     `json:"_id"`
	RoomName          string     `json:"roomName"`
	ViewerAccessToken string     `json:"viewerAccessToken"`
	Token             string     `json:"token"`
	Status            string     `json:"status"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Host              *hostWire  `json:"host"`
	HostInfo          *hostWire  `json:"hostInfo"`
	CurrentViewers    int        `json:"currentViewers"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt"`
}

// FetchCredentials returns the room name and viewer token of a session.
// For a session that is not live it returns the credentials together with
// core.ErrNotLive; the caller must not connect.
func (c *Client) FetchCredentials(ctx context.Context, id domain.SessionID) (Credentials, error) {
	var w credentialsWire
	if err := c.do(ctx, "credentials", http.MethodGet, c.sessionPath(id, "viewer-token"), nil, &w); err != nil {
		return Credentials{}, err
	}
	host := w.Host
	if host == nil {
		host = w.HostInfo
	}
	s := domain.LiveSession{
		ID:             id,
		RoomName:       domain.RoomName(w.RoomName),
		Status:         domain.SessionStatus(strings.ToLower(w.Status)),
		Title:          w.Title,
		Description:    w.Description,
		CurrentViewers: w.CurrentViewers,
		StartedAt:      w.StartedAt,
		EndedAt:        w.EndedAt,
	}
	if host != nil {
		hid := host.ID
		if hid == "" {
			hid = host.AltID
		}
		s.Host = domain.Host{ID: domain.UserID(hid), Name: host.Name, AvatarURL: host.Avatar}
	}
	token := w.ViewerAccessToken
	if token == "" {
		token = w.Token
	}
	creds := Credentials{Session: s, AccessToken: token}
	if !s.IsLive() {
		return creds, fmt.Errorf("session %s is %q: %w", id, s.Status, core.ErrNotLive)
	}
	return creds, nil
}

// AnnounceJoin and AnnounceLeave are best-effort; failures are only logged.
func (c *Client) AnnounceJoin(ctx context.Context, id domain.SessionID) {
	if err := c.do(ctx, "join", http.MethodPost, c.sessionPath(id, "join"), nil, nil); err != nil {
		c.logger.Warn().Err(err).Str("session", string(id)).Msg("announce join failed")
	}
}

func (c *Client) AnnounceLeave(ctx context.Context, id domain.SessionID) {
	if err := c.do(ctx, "leave", http.MethodPost, c.sessionPath(id, "leave"), nil, nil); err != nil {
		c.logger.Warn().Err(err).Str("session", string(id)).Msg("announce leave failed")
	}
}

// LiveProducts returns the featured products in server order.
func (c *Client) LiveProducts(ctx context.Context, id domain.SessionID) ([]domain.LiveProductEntry, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "products", http.MethodGet, c.sessionPath(id, "products"), nil, &raw); err != nil {
		return nil, err
	}
	if t := bytes.TrimSpace(raw); len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("[]")) {
		return nil, nil
	}
	entries, err := events.ParseProductAdded(raw)
	if err != nil {
		c.metrics.CountSignalingFailure("products")
		return nil, fmt.Errorf("decode products: %w", err)
	}
	return entries, nil
}

// PostReaction persists one reaction and returns its server id.
func (c *Client) PostReaction(ctx context.Context, id domain.SessionID, t domain.ReactionType) (string, error) {
	var out struct {
		ID    string `json:"_id"`
		AltID string `json:"id"`
	}
	body := map[string]string{"type": string(t)}
	if err := c.do(ctx, "reaction", http.MethodPost, c.sessionPath(id, "reactions"), body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return out.AltID, nil
	}
	return out.ID, nil
}

// ReactionCounts returns per-type totals for the session.
func (c *Client) ReactionCounts(ctx context.Context, id domain.SessionID) (domain.ReactionCounts, error) {
	var raw map[string]int
	if err := c.do(ctx, "reaction_counts", http.MethodGet, c.sessionPath(id, "reactions", "counts"), nil, &raw); err != nil {
		return domain.ReactionCounts{}, err
	}
	counts := domain.NewReactionCounts()
	sum := 0
	for _, t := range domain.ReactionTypes {
		if n := raw[string(t)]; n > 0 {
			counts.ByType[t] = n
			sum += n
		}
	}
	counts.Total = sum
	if total, ok := raw["total"]; ok && total > sum {
		counts.Total = total
	}
	return counts, nil
}

func (c *Client) sessionPath(id domain.SessionID, parts ...string) string {
	return c.base.JoinPath(append([]string{"live-sessions", url.PathEscape(string(id))}, parts...)...).String()
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// do sends one request and decodes the response into out. A
// {"success", "data"} envelope is unwrapped; a bare body is decoded as is.
func (c *Client) do(ctx context.Context, op, method, target string, body any, out any) (err error) {
	defer func() {
		if err != nil {
			c.metrics.CountSignalingFailure(op)
		}
	}()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return fmt.Errorf("%s: %v: %w", op, err, core.ErrNetwork)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%s: read body: %v: %w", op, err, core.ErrNetwork)
	}

	if err := statusError(op, resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var env envelope
	if json.Unmarshal(data, &env) == nil && env.Success != nil {
		if !*env.Success {
			return fmt.Errorf("%s: server rejected request: %s", op, env.Message)
		}
		data = env.Data
		if len(data) == 0 {
			return nil
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// HTTPError carries a non-2xx response.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return core.ErrNotFound
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return core.ErrInvalidToken
	case reliability.IsRetryableHTTPStatus(e.Status):
		return core.ErrNetwork
	}
	return nil
}

func statusError(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &HTTPError{Op: op, Status: status, Body: msg}
}

// IsTransient reports whether err is worth a user-visible retry rather than
// a terminal message.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, core.ErrNotFound) && !errors.Is(err, core.ErrNotLive) &&
		!errors.Is(err, core.ErrInvalidToken)
}
