// Package withings reads body measurements from the Withings (formerly
// Nokia Health) API.
package withings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"weightsync/internal/wsync"
)

// Name keys the source's block in the config.
const Name = "withings"

const (
	DefaultAPIURL   = "https://wbsapi.withings.net"
	DefaultAuthURL  = "https://account.withings.com/oauth2_user/authorize2"
	DefaultTokenURL = "https://account.withings.com/oauth2/token"

	// Scope grants read access to body measurements.
	Scope = "user.metrics"
)

// authStatuses are API status codes meaning the token or user is no longer valid.
var authStatuses = map[int]bool{100: true, 101: true, 102: true, 200: true, 401: true}

// Config holds the API endpoints and application credentials.
type Config struct {
	APIURL       string
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	return c
}

// OAuth2Config returns the authorization code flow configuration.
func (c Config) OAuth2Config() *oauth2.Config {
	c = c.withDefaults()
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.CallbackURL,
		Scopes:       []string{Scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Client calls the measure, user and notify APIs on behalf of one user.
type Client struct {
	baseURL string
	userID  string
	hc      *http.Client
	ts      oauth2.TokenSource
}

// NewClient creates a Client. The token is refreshed through cfg's token
// endpoint when it expires.
func NewClient(ctx context.Context, cfg Config, token *oauth2.Token, userID string) *Client {
	cfg = cfg.withDefaults()
	ts := cfg.OAuth2Config().TokenSource(ctx, token)
	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = cfg.Timeout
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		userID:  userID,
		hc:      hc,
		ts:      ts,
	}
}

// Token returns the current, possibly refreshed, token.
func (c *Client) Token() (*oauth2.Token, error) {
	return c.ts.Token()
}

type envelope struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
	Error  string          `json:"error"`
}

// call performs one API action and decodes the response body into out.
// Failures are *wsync.Error values of the given kind.
func (c *Client) call(ctx context.Context, path, action string, params url.Values, kind wsync.Kind, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("action", action)
	u := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building %s request: %w", action, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return classifyTransport(kind, action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return wsync.TransportError(kind, "Withings "+action, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return wsync.AccountBlocked(wsync.KindAuthorization, "Withings rejected the access token")
	}
	if resp.StatusCode != http.StatusOK {
		return wsync.ServiceError(kind, fmt.Sprintf("Withings %s failed with HTTP %d", action, resp.StatusCode), nil)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wsync.ServiceError(kind, "Withings "+action+": malformed response", err)
	}
	if env.Status != 0 {
		if authStatuses[env.Status] {
			return wsync.AccountBlocked(wsync.KindAuthorization,
				fmt.Sprintf("Withings authorization failed (status %d); run `wsync setup withings`", env.Status))
		}
		return wsync.ServiceError(kind, fmt.Sprintf("Withings %s returned status %d %s", action, env.Status, env.Error), nil)
	}
	if out == nil || len(env.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Body, out); err != nil {
		return wsync.ServiceError(kind, "Withings "+action+": malformed body", err)
	}
	return nil
}

func classifyTransport(kind wsync.Kind, action string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return wsync.ServiceError(wsync.KindSystem, "Withings token endpoint unavailable", err)
		}
		return wsync.AccountBlocked(wsync.KindAuthorization, "Withings refresh token rejected; run `wsync setup withings`")
	}
	return wsync.TransportError(kind, "Withings "+action, err)
}

// UserInfo returns the user's profile as reported by the API.
func (c *Client) UserInfo(ctx context.Context) (map[string]any, error) {
	var body map[string]any
	params := url.Values{"userid": {c.userID}}
	if err := c.call(ctx, "/user", "getbyuserid", params, wsync.KindDownload, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// Subscription is a registered notification callback.
type Subscription struct {
	CallbackURL string `json:"callbackurl"`
	Comment     string `json:"comment"`
	Expires     int64  `json:"expires"`
}

// Subscribe registers callbackURL for weight notifications.
func (c *Client) Subscribe(ctx context.Context, callbackURL, comment string) error {
	params := url.Values{"callbackurl": {callbackURL}, "comment": {comment}, "appli": {"1"}}
	return c.call(ctx, "/notify", "subscribe", params, wsync.KindListing, nil)
}

// Unsubscribe revokes the notification for callbackURL.
func (c *Client) Unsubscribe(ctx context.Context, callbackURL string) error {
	params := url.Values{"callbackurl": {callbackURL}, "appli": {"1"}}
	return c.call(ctx, "/notify", "revoke", params, wsync.KindListing, nil)
}

// ListSubscriptions returns the registered weight notifications.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var body struct {
		Profiles []Subscription `json:"profiles"`
	}
	if err := c.call(ctx, "/notify", "list", url.Values{"appli": {"1"}}, wsync.KindListing, &body); err != nil {
		return nil, err
	}
	return body.Profiles, nil
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
