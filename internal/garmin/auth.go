package garmin

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/net/publicsuffix"

	"weightsync/internal/wsync"
)

// maxRedirects is the length of the ticket redemption chain Connect walks
// through after a successful SSO login.
const maxRedirects = 7

var profilePattern = regexp.MustCompile(`(?m)VIEWER_SOCIAL_PROFILE\s*=\s*JSON\.parse\((.+)\);$`)

// Credentials are the account's SSO username and password.
type Credentials struct {
	Username string
	Password string
}

// Session is an authenticated Connect web session.
type Session struct {
	AccountID   string
	Jar         http.CookieJar
	CreatedAt   time.Time
	DisplayName string
}

// Login returns the cached session for accountID, authenticating when
// there is none. Concurrent logins for one account share a single SSO run.
func (c *Client) Login(ctx context.Context, accountID string, creds Credentials) (*Session, error) {
	return c.cache.GetOrLoad(ctx, accountID, func(ctx context.Context) (*Session, error) {
		return c.Authenticate(ctx, accountID, creds)
	})
}

// Authenticate runs the full SSO login chain and caches the resulting
// session under accountID. Every returned error is a *wsync.Error; nothing
// is cached unless the whole chain succeeds.
func (c *Client) Authenticate(ctx context.Context, accountID string, creds Credentials) (*Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, wsync.AccountBlocked(wsync.KindMissingCredentials, "Garmin username or password not configured")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, wsync.ServiceError(wsync.KindSystem, "creating cookie jar", err)
	}
	hc := c.httpClient(jar, false)

	loginURL := c.endpoint(c.ssoURL, "/sso/login")
	loginURL.RawQuery = c.ssoParams().Encode()

	pre, err := c.get(ctx, hc, loginURL.String(), "SSO prestart")
	if err != nil {
		return nil, err
	}
	if pre.status != http.StatusOK {
		return nil, wsync.ServiceError(wsync.KindSystem, fmt.Sprintf("SSO prestart error %d", pre.status), nil)
	}

	form := url.Values{
		"username": {creds.Username},
		"password": {creds.Password},
		"_eventId": {"submit"},
		"embed":    {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, wsync.ServiceError(wsync.KindSystem, "SSO login: building request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sso, err := c.do(hc, req, "SSO login")
	if err != nil {
		return nil, err
	}
	if e := classifyLoginResponse(sso.status, sso.body); e != nil {
		c.logger.Warn("garmin login rejected", "account", accountID, "kind", string(e.Kind))
		return nil, e
	}

	if err := c.redeemTicket(ctx, hc); err != nil {
		return nil, err
	}

	name, err := c.displayName(ctx, c.httpClient(jar, true))
	if err != nil {
		return nil, err
	}

	sess := &Session{
		AccountID:   accountID,
		Jar:         jar,
		CreatedAt:   c.clock.Now(),
		DisplayName: name,
	}
	c.cache.Set(accountID, sess)
	c.logger.Info("garmin login succeeded", "account", accountID, "display_name", name)
	return sess, nil
}

func (c *Client) ssoParams() url.Values {
	modern := c.endpoint(c.connectURL, "/modern").String()
	return url.Values{
		"service":                         {modern},
		"redirectAfterAccountLoginUrl":    {modern},
		"redirectAfterAccountCreationUrl": {modern},
		"clientId":                        {"GarminConnect"},
		"gauthHost":                       {c.endpoint(c.ssoURL, "/sso").String()},
		"consumeServiceTicket":            {"false"},
	}
}

// classifyLoginResponse maps the SSO login page to an error, or nil when
// the credentials were accepted. The SSO answers 200 for both outcomes and
// signals failures only through markers in the page script.
func classifyLoginResponse(status int, body []byte) *wsync.Error {
	if status != http.StatusOK || bytes.Contains(body, []byte("temporarily unavailable")) {
		return wsync.ServiceError(wsync.KindSystem, fmt.Sprintf("SSO error %d", status), nil)
	}
	switch {
	case bytes.Contains(body, []byte(">sendEvent('FAIL')")):
		return wsync.AccountBlocked(wsync.KindAuthorization, "invalid login")
	case bytes.Contains(body, []byte(">sendEvent('ACCOUNT_LOCKED')")):
		return wsync.AccountBlocked(wsync.KindLocked, "account locked")
	case bytes.Contains(body, []byte("renewPassword")):
		return wsync.AccountBlocked(wsync.KindRenewPassword, "password reset required")
	}
	return nil
}

// redeemTicket walks Connect's redirect chain by hand so every hop's
// cookies land in the jar. Relative locations resolve against the origin
// of the previous hop.
func (c *Client) redeemTicket(ctx context.Context, hc *http.Client) error {
	start := c.endpoint(c.connectURL, "/modern")
	resp, err := c.get(ctx, hc, start.String(), "Connect redeem start")
	if err != nil {
		return err
	}
	if resp.status != http.StatusFound {
		return wsync.ServiceError(wsync.KindSystem, fmt.Sprintf("Connect redeem-start error %d", resp.status), nil)
	}

	origin := &url.URL{Scheme: start.Scheme, Host: start.Host}
	for hop := 1; ; hop++ {
		loc := resp.header.Get("Location")
		if loc == "" {
			return wsync.ServiceError(wsync.KindSystem, fmt.Sprintf("Connect redeem %d/%d: redirect without location", hop, maxRedirects), nil)
		}
		ref, err := url.Parse(loc)
		if err != nil {
			return wsync.ServiceError(wsync.KindSystem, fmt.Sprintf("Connect redeem %d/%d: bad location", hop, maxRedirects), err)
		}
		next := origin.ResolveReference(ref)
		origin = &url.URL{Scheme: next.Scheme, Host: next.Host}

		resp, err = c.get(ctx, hc, next.String(), "Connect redeem")
		if err != nil {
			return err
		}
		if hop >= maxRedirects && resp.status != http.StatusOK {
			return wsync.ServiceError(wsync.KindSystem,
				fmt.Sprintf("Connect redeem %d/%d error %d", hop, maxRedirects, resp.status), nil)
		}
		if resp.status == http.StatusOK || resp.status == http.StatusNotFound {
			return nil
		}
	}
}

// displayName loads the Connect landing page and pulls the user's display
// name out of the embedded profile. A session that cannot see its own
// profile is not usable for uploads.
func (c *Client) displayName(ctx context.Context, hc *http.Client) (string, error) {
	resp, err := c.get(ctx, hc, c.endpoint(c.connectURL, "/modern").String(), "Connect profile")
	if err != nil {
		return "", err
	}

	profileErr := func(reason string) error {
		return wsync.AccountBlocked(wsync.KindAuthorization, "unable to retrieve username: "+reason)
	}

	m := profilePattern.FindSubmatch(resp.body)
	if m == nil {
		return "", profileErr("profile not found")
	}
	var encoded string
	if err := json.Unmarshal(m[1], &encoded); err != nil {
		return "", profileErr("profile is not a JSON string")
	}
	var profile struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal([]byte(encoded), &profile); err != nil {
		return "", profileErr("profile is not valid JSON")
	}
	if profile.DisplayName == "" {
		return "", profileErr("empty display name")
	}
	return profile.DisplayName, nil
}
