// Package api talks to the game backend's REST surface: token issuance,
// transcript persistence and the transport URLs derived from the base URL.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type Config struct {
	// BaseURL is the API root, e.g. https://pacer.example.com/api.
	BaseURL string `yaml:"base_url"`
	// AccessToken is the signed-in user's bearer token.
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Option func(*Client)

// WithDial replaces the network dialer, e.g. with an in-memory listener.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) {
		c.http.Dial = dial
	}
}

type Client struct {
	logger  shared.LoggerAdapter
	base    *url.URL
	wsBase  *url.URL
	token   string
	timeout time.Duration
	http    *fasthttp.Client
}

func NewClient(logger shared.LoggerAdapter, cfg Config, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.BaseURL == "" {
		return nil, shared.ErrNoConfig
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	ws := *base
	switch base.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		logger:  logger.With(zap.String("component", "api")),
		base:    base,
		wsBase:  &ws,
		token:   cfg.AccessToken,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                     "pacer-voice/" + shared.Version,
			ReadTimeout:              timeout,
			WriteTimeout:             timeout,
			NoDefaultUserAgentHeader: true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
}

// IdentityToken requests a short-lived token dedicated to websocket use.
func (c *Client) IdentityToken(ctx context.Context) (string, error) {
	var out tokenResponse
	if err := c.post(ctx, "auth/websocket-token", map[string]string{"type": "websocket"}, &out); err != nil {
		return "", fmt.Errorf("requesting websocket token: %w", err)
	}
	if out.AccessToken != "" {
		return out.AccessToken, nil
	}
	if out.Token != "" {
		return out.Token, nil
	}
	return "", errors.New("websocket token missing from response")
}

// RealtimeToken requests an ephemeral provider token for the game session.
func (c *Client) RealtimeToken(ctx context.Context, sessionID string) (string, error) {
	var out tokenResponse
	if err := c.post(ctx, "game/sessions/"+url.PathEscape(sessionID)+"/realtime-token", nil, &out); err != nil {
		return "", fmt.Errorf("requesting realtime token: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("realtime token missing from response")
	}
	return out.Token, nil
}

type interactRequest struct {
	Message  string `json:"message"`
	Role     string `json:"role"`
	Generate bool   `json:"generate"`
	Modality string `json:"modality"`
}

// PersistInteraction stores one finalized utterance without asking the
// backend to generate a reply.
func (c *Client) PersistInteraction(ctx context.Context, sessionID, role, message string) error {
	body := interactRequest{Message: message, Role: role, Modality: "voice"}
	if err := c.post(ctx, "game/sessions/"+url.PathEscape(sessionID)+"/interact", body, nil); err != nil {
		return fmt.Errorf("persisting %s message: %w", role, err)
	}
	return nil
}

// Complete marks the game session finished.
func (c *Client) Complete(ctx context.Context, sessionID string) error {
	if err := c.post(ctx, "game/sessions/"+url.PathEscape(sessionID)+"/complete", nil, nil); err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	return nil
}

func (c *Client) TransportURL(sessionID string) string {
	return c.wsBase.JoinPath("game/ws/rt_proxy_connect", sessionID).String()
}

func (c *Client) AudioStreamURL(sessionID, token string) string {
	u := c.wsBase.JoinPath("game/sessions", sessionID, "audio-stream")
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base.JoinPath(path).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		req.SetBody(data)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("performing HTTP request: %w", err)
	}
	c.logger.Debug(
		"api request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", time.Since(start)),
	)

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusUnauthorized:
		return shared.ErrUnauthorized
	case code == fasthttp.StatusForbidden:
		return shared.ErrForbidden
	case code < 200 || code >= 300:
		return fmt.Errorf("unexpected status code: %d, body: %s", code, strings.TrimSpace(string(resp.Body())))
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
