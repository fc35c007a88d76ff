package irida

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPDoer is the subset of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config identifies an IRIDA instance and the account used to upload.
type Config struct {
	BaseURL      string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	HTTPTimeout  time.Duration
}

// Client talks to one IRIDA instance. It is safe for concurrent use.
//
// JSON and token calls go through http, which caps the whole exchange at
// HTTPTimeout. File posts go through stream, which has no overall deadline
// since a sequence file can take far longer than that to send. Its phases
// are bounded by the transport and by a stall watchdog instead.
type Client struct {
	cfg    Config
	http   HTTPDoer
	stream HTTPDoer
	logger *slog.Logger
	now    func() time.Time
	leeway time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPDoer replaces the default *http.Client for every request.
func WithHTTPDoer(d HTTPDoer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
			c.stream = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now, used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRefreshLeeway sets how long before expiry a token is renewed.
func WithRefreshLeeway(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.leeway = d
		}
	}
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("irida base url is required")
	}
	if cfg.Username == "" || cfg.ClientID == "" {
		return nil, errors.New("irida username and client id are required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Minute
	}

	transport := newTransport(cfg.HTTPTimeout)
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout, Transport: transport},
		stream: &http.Client{Transport: transport},
		logger: slog.Default(),
		now:    time.Now,
		leeway: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "irida")
	return c, nil
}

// newTransport bounds connection setup and the wait for response headers.
// Neither limit applies while a request body is still being written.
func newTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   min(timeout, 30*time.Second),
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return t
}

func (c *Client) url(path string) string {
	return c.cfg.BaseURL + "/api" + path
}

// requestFunc builds a fresh request for every attempt so bodies can be
// replayed after a token renewal.
type requestFunc func(ctx context.Context) (*http.Request, error)

// do sends an authenticated request through doer. A 401 renews the session
// once and replays the request. A second 401, or a failed renewal, is an
// authentication error. The caller owns the returned body.
func (c *Client) do(ctx context.Context, doer HTTPDoer, sess *Session, op string, build requestFunc) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := sess.Token(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrAuth) {
				err = fmt.Errorf("%w: %w", ErrAuth, err)
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: build request: %w", ErrPermanent, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}

		resp, err := doer.Do(req)
		if err != nil {
			return nil, transportError(ctx, op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			if attempt > 0 {
				return nil, authRejected(op, resp)
			}
			drain(resp)
			c.logger.Info("access token rejected, renewing session", "op", op)
			sess.invalidate(token)
			continue
		}
		return resp, nil
	}
}

// doJSON sends body as JSON (nil for no body) and decodes a successful
// response into out (nil to discard). Responses outside 2xx are returned as
// classified errors, except for statuses listed in keep which are handed
// back with a nil error and a drained body.
func (c *Client) doJSON(ctx context.Context, sess *Session, op, method, url string, body, out any, keep ...int) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: encode request: %w", ErrPermanent, op, err)
		}
	}

	resp, err := c.do(ctx, c.http, sess, op, func(ctx context.Context) (*http.Request, error) {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, r)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	for _, code := range keep {
		if resp.StatusCode == code {
			_, _ = io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: %s: decode response: %w", ErrTransient, op, err)
	}
	return resp.StatusCode, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
