// Package smashrun records body weight in a Smashrun running log.
package smashrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"weightsync/internal/wsync"
)

const (
	DefaultBaseURL  = "https://api.smashrun.com/v1"
	DefaultAuthURL  = "https://secure.smashrun.com/oauth2/authenticate"
	DefaultTokenURL = "https://secure.smashrun.com/oauth2/token"

	// ImplicitClientID is the public client used for the implicit (user
	// token) flow.
	ImplicitClientID = "client"
	// OutOfBandRedirect makes the code flow display the code to the user.
	OutOfBandRedirect = "urn:ietf:wg:oauth:2.0:auto"
)

// Config holds the API endpoints and application credentials.
type Config struct {
	BaseURL      string
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.ClientID == "" {
		c.ClientID = ImplicitClientID
	}
	if c.RedirectURL == "" {
		c.RedirectURL = OutOfBandRedirect
	}
	return c
}

// OAuth2Config returns the code-flow configuration.
func (c Config) OAuth2Config() *oauth2.Config {
	c = c.withDefaults()
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// ImplicitAuthURL is the page where a user obtains an access token for the
// implicit flow. The token is returned in the redirect's URL fragment.
func (c Config) ImplicitAuthURL(redirect string) string {
	c = c.withDefaults()
	q := url.Values{
		"client_id":     {c.ClientID},
		"response_type": {"token"},
		"redirect_uri":  {redirect},
	}
	return c.AuthURL + "?" + q.Encode()
}

// ImplicitTokenSource serves a fixed bearer token.
func ImplicitTokenSource(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

// RefreshTokenSource exchanges refreshToken for access tokens on demand.
func RefreshTokenSource(ctx context.Context, cfg Config, refreshToken string) oauth2.TokenSource {
	return cfg.OAuth2Config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

// Client calls the Smashrun REST API with bearer credentials.
type Client struct {
	baseURL string
	hc      *http.Client
	ts      oauth2.TokenSource
}

// NewClient creates a Client authorized by ts.
func NewClient(ctx context.Context, cfg Config, ts oauth2.TokenSource) *Client {
	cfg = cfg.withDefaults()
	ts = oauth2.ReuseTokenSource(nil, ts)
	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = cfg.Timeout
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		hc:      hc,
		ts:      ts,
	}
}

// Token returns the current token, refreshing it if needed. Callers persist
// it so a rotated refresh token is not lost.
func (c *Client) Token() (*oauth2.Token, error) {
	return c.ts.Token()
}

type weightRecord struct {
	WeightInKilograms float64 `json:"weightInKilograms"`
	Date              string  `json:"date,omitempty"`
}

// CreateWeight records a weight taken at date. A zero date or a
// non-positive weight is rejected before any request is made.
func (c *Client) CreateWeight(ctx context.Context, kg float64, date time.Time) error {
	if kg <= 0 {
		return fmt.Errorf("%w: weight %.2f kg is not positive", wsync.ErrValidation, kg)
	}
	if date.IsZero() {
		return fmt.Errorf("%w: weight date is not set", wsync.ErrValidation)
	}

	body, err := json.Marshal(weightRecord{WeightInKilograms: kg, Date: date.Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("encoding weight record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/my/body/weight", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf8")

	resp, err := c.hc.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusUnauthorized:
		return wsync.AccountBlocked(wsync.KindAuthorization, "Smashrun rejected the access token")
	case http.StatusTooManyRequests:
		return wsync.ServiceError(wsync.KindRateLimited, "Smashrun rate limit reached", nil)
	default:
		return wsync.ServiceError(wsync.KindUpload,
			fmt.Sprintf("Smashrun weight upload failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)), nil)
	}
}

// classifyTransport separates refresh-token failures, which need the user
// to authorize again, from ordinary network errors.
func classifyTransport(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return wsync.ServiceError(wsync.KindSystem, "Smashrun token endpoint unavailable", err)
		}
		return wsync.AccountBlocked(wsync.KindAuthorization, "Smashrun refresh token rejected")
	}
	return wsync.TransportError(wsync.KindUpload, "Smashrun upload", err)
}
