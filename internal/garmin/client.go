// Package garmin talks to the Garmin Connect web SSO and upload service.
package garmin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"weightsync/internal/session"
	"weightsync/internal/wsync"
)

const (
	DefaultSSOURL     = "https://sso.garmin.com"
	DefaultConnectURL = "https://connect.garmin.com"

	// DefaultRateLimit paces requests; the SSO throttles clients that
	// walk the login chain too quickly.
	DefaultRateLimit = rate.Limit(2)
	defaultBurst     = 4

	maxBodySize = 4 << 20
)

// Config holds client settings. Zero values select the production endpoints.
type Config struct {
	SSOURL     string
	ConnectURL string
	Timeout    time.Duration
	Transport  http.RoundTripper
	RateLimit  rate.Limit
}

// Client performs authentication and uploads against one SSO/Connect pair.
// Sessions are cached per account in the injected cache.
type Client struct {
	ssoURL     *url.URL
	connectURL *url.URL
	timeout    time.Duration
	transport  http.RoundTripper
	limiter    *rate.Limiter
	cache      *session.Cache[*Session]
	clock      wsync.Clock
	logger     wsync.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, cache *session.Cache[*Session], clock wsync.Clock, logger wsync.Logger) (*Client, error) {
	if cfg.SSOURL == "" {
		cfg.SSOURL = DefaultSSOURL
	}
	if cfg.ConnectURL == "" {
		cfg.ConnectURL = DefaultConnectURL
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}

	ssoURL, err := url.Parse(cfg.SSOURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SSO URL: %w", err)
	}
	connectURL, err := url.Parse(cfg.ConnectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Connect URL: %w", err)
	}
	if cache == nil {
		cache = session.New[*Session](session.DefaultLifetime, clock)
	}

	return &Client{
		ssoURL:     ssoURL,
		connectURL: connectURL,
		timeout:    cfg.Timeout,
		transport:  cfg.Transport,
		limiter:    rate.NewLimiter(cfg.RateLimit, defaultBurst),
		cache:      cache,
		clock:      clock,
		logger:     logger,
	}, nil
}

// httpClient returns a client bound to jar. With follow unset, redirects
// are returned to the caller instead of being followed.
func (c *Client) httpClient(jar http.CookieJar, follow bool) *http.Client {
	hc := &http.Client{
		Transport: c.transport,
		Timeout:   c.timeout,
		Jar:       jar,
	}
	if !follow {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return hc
}

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// do paces and sends req, reading the whole body. Transport failures come
// back as service-scoped *wsync.Error values labelled with op.
func (c *Client) do(hc *http.Client, req *http.Request, op string) (*response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, wsync.ServiceError(wsync.KindSystem, op+": cancelled while waiting for rate limiter", err)
	}

	c.logger.Debug("garmin request", "op", op, "method", req.Method, "url", req.URL.Redacted())
	resp, err := hc.Do(req)
	if err != nil {
		return nil, wsync.TransportError(wsync.KindSystem, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, wsync.TransportError(wsync.KindSystem, op, err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func (c *Client) get(ctx context.Context, hc *http.Client, u string, op string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, wsync.ServiceError(wsync.KindSystem, op+": building request", err)
	}
	return c.do(hc, req, op)
}

func (c *Client) endpoint(base *url.URL, path string) *url.URL {
	return base.ResolveReference(&url.URL{Path: path})
}
