package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"weightsync/internal/garmin"
	"weightsync/internal/secret"
	"weightsync/internal/smashrun"
	"weightsync/internal/wsync"
)

// SmashrunImplicitRedirect echoes the implicit-flow redirect so the user can
// copy the access token from the URL fragment.
const SmashrunImplicitRedirect = "https://httpbin.org/get"

// WithingsAuthURL stores the application credentials in the (unsaved)
// config and returns the page where the user grants access. The run ID is
// used as the OAuth2 state.
func (a *WSApp) WithingsAuthURL(clientID, clientSecret, callbackURI string) string {
	a.cfg.Withings.ClientID = clientID
	a.cfg.Withings.ClientSecret = clientSecret
	a.cfg.Withings.CallbackURI = callbackURI
	return a.withingsConfig().OAuth2Config().AuthCodeURL(a.runID)
}

// CompleteWithingsSetup exchanges the code in the callback URL the user was
// redirected to and saves the resulting tokens. A stored withings block is
// cleared.
func (a *WSApp) CompleteWithingsSetup(ctx context.Context, responseURL string) error {
	u, err := url.Parse(strings.TrimSpace(responseURL))
	if err != nil {
		return fmt.Errorf("%w: callback url: %v", wsync.ErrValidation, err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return fmt.Errorf("withings denied access: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return fmt.Errorf("%w: callback url has no code parameter", wsync.ErrValidation)
	}
	if state := q.Get("state"); state != "" && state != a.runID {
		return fmt.Errorf("%w: callback state %q does not match this setup", wsync.ErrValidation, state)
	}

	tok, err := a.withingsConfig().OAuth2Config().Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return fmt.Errorf("exchanging Withings code: %w", err)
	}

	wc := &a.cfg.Withings
	wc.AccessToken = tok.AccessToken
	wc.RefreshToken = tok.RefreshToken
	wc.TokenType = tok.TokenType
	wc.TokenExpiry = 0
	if !tok.Expiry.IsZero() {
		wc.TokenExpiry = tok.Expiry.Unix()
	}
	wc.UserID = extraString(tok, "userid")
	wc.Blocked = nil
	a.withings = nil

	a.log.Info("withings authorized", "user_id", wc.UserID)
	return a.saveConfig()
}

// SetupGarmin seals and stores the Connect login. With verify set the
// login is tried first and nothing is stored if it fails. A stored block
// is cleared since new credentials are its remedy.
func (a *WSApp) SetupGarmin(ctx context.Context, username, password string, verify bool) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", wsync.ErrValidation)
	}

	encoding := a.cfg.Garmin.PasswordEncoding
	sealer, err := secret.NewSealerFromConfig(encoding, a.cfg.Secrets)
	if err != nil {
		return err
	}
	if s, ok := sealer.(interface{ Setup() error }); ok {
		if err := s.Setup(); err != nil {
			return fmt.Errorf("setting up %s password encoding: %w", encoding, err)
		}
	}

	if verify {
		client, err := a.garminClient()
		if err != nil {
			return err
		}
		sess, err := client.Authenticate(ctx, username, garmin.Credentials{Username: username, Password: password})
		if err != nil {
			return err
		}
		a.log.Info("garmin login verified", "display_name", sess.DisplayName)
	}

	sealed, err := sealer.Seal(password)
	if err != nil {
		return fmt.Errorf("sealing password: %w", err)
	}
	a.cfg.Garmin.Username = username
	a.cfg.Garmin.Password = sealed
	a.cfg.Garmin.Blocked = nil
	return a.saveConfig()
}

// SmashrunImplicitAuthURL returns the page where the user obtains a token
// for the implicit flow.
func (a *WSApp) SmashrunImplicitAuthURL() string {
	return smashrun.Config{}.ImplicitAuthURL(SmashrunImplicitRedirect)
}

// SetupSmashrunToken stores an implicit-flow access token as copied from
// the redirect URL.
func (a *WSApp) SetupSmashrunToken(token string) error {
	token, err := url.QueryUnescape(strings.TrimSpace(token))
	if err != nil || token == "" {
		return fmt.Errorf("%w: invalid access token", wsync.ErrValidation)
	}
	sc := &a.cfg.Smashrun
	sc.Type = "implicit"
	sc.Token = token
	sc.Blocked = nil
	return a.saveConfig()
}

// SmashrunCodeAuthURL stores the application credentials in the (unsaved)
// config and returns the page where the user authorizes the application.
func (a *WSApp) SmashrunCodeAuthURL(clientID, clientSecret string) string {
	a.cfg.Smashrun.Type = "code"
	a.cfg.Smashrun.ClientID = clientID
	a.cfg.Smashrun.ClientSecret = clientSecret
	return a.smashrunConfig().OAuth2Config().AuthCodeURL(a.runID)
}

// CompleteSmashrunCodeSetup exchanges the displayed code for a refresh token.
func (a *WSApp) CompleteSmashrunCodeSetup(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("%w: code is required", wsync.ErrValidation)
	}
	tok, err := a.smashrunConfig().OAuth2Config().Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return fmt.Errorf("exchanging Smashrun code: %w", err)
	}
	if tok.RefreshToken == "" {
		return fmt.Errorf("smashrun returned no refresh token")
	}
	sc := &a.cfg.Smashrun
	sc.Type = "code"
	sc.RefreshToken = tok.RefreshToken
	sc.Blocked = nil
	return a.saveConfig()
}

// oauthContext makes token exchanges honor the configured HTTP timeout.
func (a *WSApp) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: a.cfg.HTTPTimeout()})
}

// extraString reads a non-standard token response field. Numbers are
// formatted without a fractional part.
func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
