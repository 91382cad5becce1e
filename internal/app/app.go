package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/oauth2"

	"weightsync/internal/archive"
	"weightsync/internal/config"
	"weightsync/internal/database"
	"weightsync/internal/fitenc"
	"weightsync/internal/garmin"
	"weightsync/internal/secret"
	"weightsync/internal/session"
	"weightsync/internal/smashrun"
	"weightsync/internal/withings"
	"weightsync/internal/wsync"
)

// Destinations lists the services measurements can be synced to.
var Destinations = []string{garmin.Name, smashrun.Name}

// Options adjusts how a WSApp is built. Zero values select production behavior.
type Options struct {
	Verbose bool
	Console io.Writer // log output besides the log file, default os.Stderr
	Clock   wsync.Clock
	IDs     wsync.IDGenerator

	// OpenHistory replaces the configured history database.
	OpenHistory func(config.DatabaseConfig) (History, error)
}

// WSApp is the application layer between the CLI and the sync core.
// It constructs provider clients from config, persists refreshed tokens
// and sync state back to the config file, and records sync runs. The
// caller must call Close when done.
type WSApp struct {
	cfgPath string
	cfg     *config.Config
	runID   string
	clock   wsync.Clock
	log     wsync.Logger
	logFile *os.File
	state   *ConfigStateStore

	openHistory func(config.DatabaseConfig) (History, error)
	history     History

	sessions *session.Cache[*garmin.Session]
	withings *withings.Client
	smashrun *smashrun.Client
}

// NewWSApp creates a WSApp for the config at cfgPath.
func NewWSApp(cfgPath string, cfg *config.Config, opts Options) (*WSApp, error) {
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = wsync.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = wsync.UUIDGenerator{}
	}
	if opts.OpenHistory == nil {
		opts.OpenHistory = func(c config.DatabaseConfig) (History, error) {
			return database.NewDatabaseFromConfig(c)
		}
	}

	runID := opts.IDs.New()
	logger, logFile, err := newLogger(cfg.LogDir, runID, opts.Console, opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &WSApp{
		cfgPath:     cfgPath,
		cfg:         cfg,
		runID:       runID,
		clock:       opts.Clock,
		log:         &slogAdapter{l: logger},
		logFile:     logFile,
		state:       NewConfigStateStore(cfgPath, cfg, opts.Clock),
		openHistory: opts.OpenHistory,
		sessions:    session.New[*garmin.Session](session.DefaultLifetime, opts.Clock),
	}, nil
}

// RunID identifies this invocation in logs and history.
func (a *WSApp) RunID() string { return a.runID }

// ConfigPath is where config changes are saved.
func (a *WSApp) ConfigPath() string { return a.cfgPath }

// Config returns the loaded configuration.
func (a *WSApp) Config() *config.Config { return a.cfg }

// Sync runs one synchronization to dest and records it in the history.
func (a *WSApp) Sync(ctx context.Context, dest string) (*wsync.Result, error) {
	return a.runSyncer(ctx, "sync", dest, (*wsync.Syncer).Sync)
}

// Preview shows what Sync would upload to dest without uploading.
func (a *WSApp) Preview(ctx context.Context, dest string) (*wsync.Result, error) {
	return a.runSyncer(ctx, "sync-preview", dest, (*wsync.Syncer).Preview)
}

type syncFunc func(*wsync.Syncer, context.Context, wsync.Destination) (*wsync.Result, error)

func (a *WSApp) runSyncer(ctx context.Context, command, dest string, fn syncFunc) (*wsync.Result, error) {
	run := newSyncRun(a.runID, command, dest, a.clock.Now())
	a.recordStart(ctx, run)

	res, err := a.syncWith(ctx, dest, fn)

	finishSyncRun(run, res, err, a.clock.Now())
	a.recordFinish(ctx, run)
	if serr := a.saveTokens(); serr != nil {
		a.log.Error("saving refreshed tokens failed", "error", serr.Error())
		if err == nil {
			err = serr
		}
	}
	return res, err
}

func (a *WSApp) syncWith(ctx context.Context, dest string, fn syncFunc) (*wsync.Result, error) {
	source, err := a.Withings(ctx)
	if err != nil {
		return nil, err
	}
	d, err := a.destination(ctx, dest)
	if err != nil {
		return nil, err
	}
	return fn(wsync.NewSyncer(source, a.state, a.log), ctx, d)
}

// Last returns the n most recent measurement groups, newest first.
func (a *WSApp) Last(ctx context.Context, n int) ([]wsync.MeasurementGroup, error) {
	c, err := a.Withings(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := c.Last(ctx, n)
	return groups, a.afterWithings(err)
}

// UserInfo returns the Withings profile of the configured user.
func (a *WSApp) UserInfo(ctx context.Context) (map[string]any, error) {
	c, err := a.Withings(ctx)
	if err != nil {
		return nil, err
	}
	info, err := c.UserInfo(ctx)
	return info, a.afterWithings(err)
}

// Subscribe registers a Withings notification callback.
func (a *WSApp) Subscribe(ctx context.Context, callbackURL, comment string) error {
	c, err := a.Withings(ctx)
	if err != nil {
		return err
	}
	return a.afterWithings(c.Subscribe(ctx, callbackURL, comment))
}

// Unsubscribe revokes a Withings notification callback.
func (a *WSApp) Unsubscribe(ctx context.Context, callbackURL string) error {
	c, err := a.Withings(ctx)
	if err != nil {
		return err
	}
	return a.afterWithings(c.Unsubscribe(ctx, callbackURL))
}

// ListSubscriptions returns the registered Withings notification callbacks.
func (a *WSApp) ListSubscriptions(ctx context.Context) ([]withings.Subscription, error) {
	c, err := a.Withings(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := c.ListSubscriptions(ctx)
	return subs, a.afterWithings(err)
}

// afterWithings persists tokens refreshed during a call. The call's own
// error takes precedence.
func (a *WSApp) afterWithings(err error) error {
	if serr := a.saveTokens(); serr != nil {
		a.log.Error("saving refreshed tokens failed", "error", serr.Error())
		if err == nil {
			return serr
		}
	}
	return err
}

// History returns the most recent sync runs, optionally for one destination.
func (a *WSApp) History(ctx context.Context, dest string, limit int) ([]*database.SyncRun, error) {
	h, err := a.historyDB()
	if err != nil {
		return nil, err
	}
	return h.ListSyncRuns(ctx, dest, limit)
}

// ExcludedItems returns the measurements the run with row id skipped.
func (a *WSApp) ExcludedItems(ctx context.Context, id int64) ([]database.ExcludedItem, error) {
	h, err := a.historyDB()
	if err != nil {
		return nil, err
	}
	return h.ExcludedItems(ctx, id)
}

// PruneHistory deletes sync runs started more than maxAge ago.
func (a *WSApp) PruneHistory(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: prune age must be positive, got %s", wsync.ErrValidation, maxAge)
	}
	h, err := a.historyDB()
	if err != nil {
		return 0, err
	}
	n, err := h.PruneSyncRuns(ctx, a.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	a.log.Info("pruned sync history", "removed", n, "max_age", maxAge.String())
	return n, nil
}

// Check is the outcome of one setup check.
type Check struct {
	Name string
	Err  error // nil when the check passed
}

// Check verifies the parts of the setup a sync depends on besides the
// provider accounts: the history schema, the archive and the stored
// Garmin password.
func (a *WSApp) Check(ctx context.Context) []Check {
	var checks []Check

	h, err := a.historyDB()
	name := "history database"
	if err == nil {
		name += " " + h.Path()
		err = h.CheckMigrations()
	}
	checks = append(checks, Check{Name: name, Err: err})

	arch, err := archive.NewArchiveFromConfig(ctx, a.cfg.Archive)
	if err == nil && arch != nil {
		err = arch.ValidateSetup(ctx)
	}
	if err != nil || arch != nil {
		checks = append(checks, Check{Name: "archive " + a.cfg.Archive.Type, Err: err})
	}

	if a.cfg.Garmin.Password != "" {
		sealer, err := secret.NewSealerFromConfig(a.cfg.Garmin.PasswordEncoding, a.cfg.Secrets)
		if err == nil {
			_, err = sealer.Open(a.cfg.Garmin.Password)
		}
		checks = append(checks, Check{Name: "garmin password", Err: err})
	}
	return checks
}

// Unblock clears the recorded block for withings or a destination so
// automated sync resumes. It reports whether a block was present.
func (a *WSApp) Unblock(dest string) (bool, error) {
	if dest != withings.Name && !isDestination(dest) {
		return false, fmt.Errorf("unknown service %q, expected withings or one of %v", dest, Destinations)
	}
	b, err := a.state.Block(dest)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	if err := a.state.SetBlock(dest, nil); err != nil {
		return false, err
	}
	a.log.Info("service unblocked", "service", dest, "kind", string(b.Kind))
	return true, nil
}

// Withings returns the source client built from the [withings] section.
func (a *WSApp) Withings(ctx context.Context) (*withings.Client, error) {
	if a.withings != nil {
		return a.withings, nil
	}
	wc := a.cfg.Withings
	if wc.AccessToken == "" && wc.RefreshToken == "" {
		return nil, wsync.ServiceBlocked(wsync.KindNotConfigured, "Withings is not set up").WithService(withings.Name)
	}
	a.withings = withings.NewClient(ctx, a.withingsConfig(), withingsToken(wc), wc.UserID)
	return a.withings, nil
}

func (a *WSApp) withingsConfig() withings.Config {
	wc := a.cfg.Withings
	return withings.Config{
		APIURL:       wc.APIURL,
		AuthURL:      wc.AuthURL,
		TokenURL:     wc.TokenURL,
		ClientID:     wc.ClientID,
		ClientSecret: wc.ClientSecret,
		CallbackURL:  wc.CallbackURI,
		Timeout:      a.cfg.HTTPTimeout(),
	}
}

func withingsToken(wc config.WithingsConfig) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  wc.AccessToken,
		RefreshToken: wc.RefreshToken,
		TokenType:    wc.TokenType,
	}
	if wc.TokenExpiry > 0 {
		tok.Expiry = time.Unix(wc.TokenExpiry, 0)
	}
	return tok
}

func (a *WSApp) destination(ctx context.Context, name string) (wsync.Destination, error) {
	switch name {
	case garmin.Name:
		return a.garminDestination(ctx)
	case smashrun.Name:
		return a.smashrunDestination(ctx)
	}
	return nil, fmt.Errorf("%w: unknown service %q, expected one of %v", wsync.ErrValidation, name, Destinations)
}

func (a *WSApp) garminDestination(ctx context.Context) (*garmin.Destination, error) {
	gc := a.cfg.Garmin
	if gc.Username == "" || gc.Password == "" {
		return nil, wsync.ServiceBlocked(wsync.KindNotConfigured, "Garmin Connect is not set up; run `wsync setup garmin`")
	}
	sealer, err := secret.NewSealerFromConfig(gc.PasswordEncoding, a.cfg.Secrets)
	if err != nil {
		return nil, err
	}
	password, err := sealer.Open(gc.Password)
	if err != nil {
		return nil, fmt.Errorf("opening garmin password: %w", err)
	}

	client, err := a.garminClient()
	if err != nil {
		return nil, err
	}
	arch, err := archive.NewArchiveFromConfig(ctx, a.cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	creds := garmin.Credentials{Username: gc.Username, Password: password}
	return garmin.NewDestination(client, creds, fitenc.New(), arch, a.log), nil
}

func (a *WSApp) garminClient() (*garmin.Client, error) {
	return garmin.NewClient(garmin.Config{
		SSOURL:     a.cfg.Garmin.SSOURL,
		ConnectURL: a.cfg.Garmin.ConnectURL,
		Timeout:    a.cfg.HTTPTimeout(),
	}, a.sessions, a.clock, a.log)
}

func (a *WSApp) smashrunDestination(ctx context.Context) (*smashrun.Destination, error) {
	sc := a.cfg.Smashrun
	cfg := a.smashrunConfig()

	var ts oauth2.TokenSource
	switch sc.Type {
	case "code":
		if sc.RefreshToken == "" {
			return nil, wsync.ServiceBlocked(wsync.KindNotConfigured, "Smashrun is not set up; run `wsync setup smashrun_code`")
		}
		ts = smashrun.RefreshTokenSource(ctx, cfg, sc.RefreshToken)
	default:
		if sc.Token == "" {
			return nil, wsync.ServiceBlocked(wsync.KindNotConfigured, "Smashrun is not set up; run `wsync setup smashrun`")
		}
		ts = smashrun.ImplicitTokenSource(sc.Token)
	}
	a.smashrun = smashrun.NewClient(ctx, cfg, ts)
	return smashrun.NewDestination(a.smashrun, a.log), nil
}

func (a *WSApp) smashrunConfig() smashrun.Config {
	sc := a.cfg.Smashrun
	cfg := smashrun.Config{
		BaseURL:  sc.BaseURL,
		TokenURL: sc.TokenURL,
		Timeout:  a.cfg.HTTPTimeout(),
	}
	if sc.Type == "code" {
		cfg.ClientID = sc.ClientID
		cfg.ClientSecret = sc.ClientSecret
	}
	return cfg
}

// saveTokens writes tokens refreshed by the provider clients back to the
// config file. Nothing is written when no token changed.
func (a *WSApp) saveTokens() error {
	changed := false

	if a.withings != nil {
		tok, err := a.withings.Token()
		if err == nil && tok.AccessToken != "" {
			wc := &a.cfg.Withings
			expiry := int64(0)
			if !tok.Expiry.IsZero() {
				expiry = tok.Expiry.Unix()
			}
			if tok.AccessToken != wc.AccessToken || (tok.RefreshToken != "" && tok.RefreshToken != wc.RefreshToken) || expiry != wc.TokenExpiry {
				wc.AccessToken = tok.AccessToken
				if tok.RefreshToken != "" {
					wc.RefreshToken = tok.RefreshToken
				}
				if tok.TokenType != "" {
					wc.TokenType = tok.TokenType
				}
				wc.TokenExpiry = expiry
				changed = true
			}
		}
	}

	if a.smashrun != nil && a.cfg.Smashrun.Type == "code" {
		tok, err := a.smashrun.Token()
		if err == nil && tok.RefreshToken != "" && tok.RefreshToken != a.cfg.Smashrun.RefreshToken {
			a.cfg.Smashrun.RefreshToken = tok.RefreshToken
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return a.saveConfig()
}

func (a *WSApp) saveConfig() error {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	if err := config.WriteToFile(a.cfgPath, a.cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

// historyDB opens the history database on first use.
func (a *WSApp) historyDB() (History, error) {
	if a.history != nil {
		return a.history, nil
	}
	h, err := a.openHistory(a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	a.history = h
	return h, nil
}

// recordStart and recordFinish keep history failures from failing a sync;
// the watermark in the config file is the source of truth.
func (a *WSApp) recordStart(ctx context.Context, run *database.SyncRun) {
	h, err := a.historyDB()
	if err == nil {
		err = h.CreateSyncRun(ctx, run)
	}
	if err != nil {
		a.log.Warn("recording sync run failed", "destination", run.Destination, "error", err.Error())
	}
}

func (a *WSApp) recordFinish(ctx context.Context, run *database.SyncRun) {
	if run.ID == 0 {
		return
	}
	if err := a.history.FinishSyncRun(ctx, run); err != nil {
		a.log.Warn("recording sync result failed", "destination", run.Destination, "error", err.Error())
	}
}

// Close closes the history database and log file.
func (a *WSApp) Close() error {
	var firstErr error
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

func isDestination(name string) bool {
	for _, d := range Destinations {
		if d == name {
			return true
		}
	}
	return false
}
