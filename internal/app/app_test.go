package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"weightsync/internal/config"
	"weightsync/internal/database"
	"weightsync/internal/testutil"
	"weightsync/internal/wsync"
)

// fakeProviders stands in for the Withings API, its token endpoint and the
// Smashrun API.
type fakeProviders struct {
	mu            sync.Mutex
	bearer        string // token the Withings API accepts
	tokenRequests []string
	weights       []string
	smashrunCode  int

	withings *httptest.Server
	smashrun *httptest.Server
}

const oneGroup = `{"status":0,"body":{"updatetime":1520200000,"more":0,"offset":0,"measuregrps":[
	{"grpid":1,"attrib":0,"date":1520147700,"category":1,"measures":[{"value":80100,"type":1,"unit":-3}]}]}}`

func newFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()
	f := &fakeProviders{bearer: "a1", smashrunCode: http.StatusOK}

	f.withings = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.URL.Path == "/oauth2/token" {
			r.ParseForm()
			grant := r.PostForm.Get("grant_type")
			f.tokenRequests = append(f.tokenRequests, grant)
			w.Header().Set("Content-Type", "application/json")
			switch grant {
			case "refresh_token":
				f.bearer = "a2"
				fmt.Fprint(w, `{"access_token":"a2","refresh_token":"r2","token_type":"Bearer","expires_in":10800,"userid":1234}`)
			case "authorization_code":
				fmt.Fprint(w, `{"access_token":"a1","refresh_token":"r1","token_type":"Bearer","expires_in":10800,"userid":4321}`)
			default:
				w.WriteHeader(http.StatusBadRequest)
			}
			return
		}

		if r.Header.Get("Authorization") != "Bearer "+f.bearer {
			fmt.Fprint(w, `{"status":401,"error":"invalid token"}`)
			return
		}
		switch r.URL.Query().Get("action") {
		case "getmeas":
			fmt.Fprint(w, oneGroup)
		case "getbyuserid":
			fmt.Fprint(w, `{"status":0,"body":{"user":{"firstname":"Jane"}}}`)
		case "list":
			fmt.Fprint(w, `{"status":0,"body":{"profiles":[{"callbackurl":"https://example.com/hook","comment":"wsync","expires":0}]}}`)
		case "subscribe", "revoke":
			fmt.Fprint(w, `{"status":0}`)
		default:
			fmt.Fprint(w, `{"status":2554}`)
		}
	}))
	t.Cleanup(f.withings.Close)

	f.smashrun = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != "/my/body/weight" || r.Header.Get("Authorization") != "Bearer s1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.smashrunCode == http.StatusOK {
			f.weights = append(f.weights, string(body))
		}
		w.WriteHeader(f.smashrunCode)
	}))
	t.Cleanup(f.smashrun.Close)
	return f
}

func (f *fakeProviders) config(dir string) *config.Config {
	cfg := config.NewConfig(dir)
	cfg.Withings = config.WithingsConfig{
		ClientID:     "cid",
		ClientSecret: "cs",
		AccessToken:  "a1",
		RefreshToken: "r1",
		TokenType:    "Bearer",
		TokenExpiry:  time.Now().Add(time.Hour).Unix(),
		UserID:       "1234",
		APIURL:       f.withings.URL,
		TokenURL:     f.withings.URL + "/oauth2/token",
	}
	cfg.Smashrun = config.SmashrunConfig{Type: "implicit", Token: "s1", BaseURL: f.smashrun.URL}
	return cfg
}

type testApp struct {
	*WSApp
	path string
	db   *database.SQLiteDatabase
}

func newTestApp(t *testing.T, cfg *config.Config) *testApp {
	t.Helper()
	path := filepath.Join(cfg.BaseDir, "wsync.toml")
	if err := config.WriteToFile(path, cfg); err != nil {
		t.Fatalf("WriteToFile() error = %v", err)
	}
	db := testutil.NewTestDatabase(t)

	a, err := NewWSApp(path, cfg, Options{
		Console:     io.Discard,
		Clock:       testutil.FixedClock(),
		IDs:         testutil.NewStubIDGenerator(),
		OpenHistory: func(config.DatabaseConfig) (History, error) { return db, nil },
	})
	if err != nil {
		t.Fatalf("NewWSApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return &testApp{WSApp: a, path: path, db: db}
}

func (ta *testApp) saved(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.ReadFromFile(ta.path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	return cfg
}

func TestWSApp_Sync(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads to smashrun and persists watermark and history", func(t *testing.T) {
		f := newFakeProviders(t)
		ta := newTestApp(t, f.config(t.TempDir()))

		res, err := ta.Sync(ctx, "smashrun")
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if res.State != wsync.StateIdle || res.Uploaded != 1 {
			t.Errorf("result = %+v, want idle with 1 uploaded", res)
		}
		if len(f.weights) != 1 || !strings.Contains(f.weights[0], `"weightInKilograms":80.1`) {
			t.Errorf("smashrun received %v", f.weights)
		}
		if got := ta.saved(t).Smashrun.LastSync; got != 1520147700 {
			t.Errorf("saved last_sync = %d, want 1520147700", got)
		}

		runs, err := ta.db.ListSyncRuns(ctx, "smashrun", 0)
		if err != nil || len(runs) != 1 {
			t.Fatalf("ListSyncRuns() = %d runs, %v", len(runs), err)
		}
		if runs[0].RunID != "run-1" || runs[0].Status != "idle" || runs[0].Watermark != 1520147700 {
			t.Errorf("history run = %+v", runs[0])
		}
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		f := newFakeProviders(t)
		ta := newTestApp(t, f.config(t.TempDir()))

		if _, err := ta.Sync(ctx, "smashrun"); err != nil {
			t.Fatalf("first Sync() error = %v", err)
		}
		res, err := ta.Sync(ctx, "smashrun")
		if err != nil {
			t.Fatalf("second Sync() error = %v", err)
		}
		if res.State != wsync.StateNothingNew {
			t.Errorf("state = %s, want nothing_new", res.State)
		}
		if len(f.weights) != 1 {
			t.Errorf("smashrun uploads = %d, want 1", len(f.weights))
		}
	})

	t.Run("refreshed withings token is saved", func(t *testing.T) {
		f := newFakeProviders(t)
		cfg := f.config(t.TempDir())
		cfg.Withings.TokenExpiry = time.Now().Add(-time.Hour).Unix()
		ta := newTestApp(t, cfg)

		if _, err := ta.Sync(ctx, "smashrun"); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		saved := ta.saved(t).Withings
		if saved.AccessToken != "a2" || saved.RefreshToken != "r2" {
			t.Errorf("saved tokens = %q/%q, want a2/r2", saved.AccessToken, saved.RefreshToken)
		}
	})

	t.Run("refreshed token is saved even when the upload fails", func(t *testing.T) {
		f := newFakeProviders(t)
		f.smashrunCode = http.StatusInternalServerError
		cfg := f.config(t.TempDir())
		cfg.Withings.TokenExpiry = time.Now().Add(-time.Hour).Unix()
		ta := newTestApp(t, cfg)

		res, err := ta.Sync(ctx, "smashrun")
		if err == nil {
			t.Fatal("Sync() expected error")
		}
		if res.State != wsync.StateFailed {
			t.Errorf("state = %s, want failed", res.State)
		}
		saved := ta.saved(t)
		if saved.Withings.AccessToken != "a2" {
			t.Errorf("saved access token = %q, want a2", saved.Withings.AccessToken)
		}
		if saved.Smashrun.LastSync != 0 {
			t.Errorf("saved last_sync = %d, want 0", saved.Smashrun.LastSync)
		}
	})

	t.Run("rejected token blocks the destination", func(t *testing.T) {
		f := newFakeProviders(t)
		cfg := f.config(t.TempDir())
		cfg.Smashrun.Token = "expired"
		ta := newTestApp(t, cfg)

		_, err := ta.Sync(ctx, "smashrun")
		if !wsync.IsBlocking(err) {
			t.Fatalf("Sync() error = %v, want blocking", err)
		}
		b := ta.saved(t).Smashrun.Blocked
		if b == nil || b.Kind != "auth" || b.Scope != "account" {
			t.Fatalf("saved block = %+v, want account auth block", b)
		}
		if b.Since != testutil.FixedClock().Now().Unix() {
			t.Errorf("block since = %d, want clock time", b.Since)
		}

		runs, _ := ta.db.ListSyncRuns(ctx, "smashrun", 0)
		if len(runs) != 1 || runs[0].ErrorKind != "auth" {
			t.Errorf("history = %+v, want one auth failure", runs)
		}
	})

	t.Run("unconfigured destination", func(t *testing.T) {
		f := newFakeProviders(t)
		ta := newTestApp(t, f.config(t.TempDir()))

		_, err := ta.Sync(ctx, "garmin")
		e, ok := wsync.AsError(err)
		if !ok || e.Kind != wsync.KindNotConfigured {
			t.Fatalf("Sync() error = %v, want config_missing", err)
		}
		if ta.saved(t).Garmin.Blocked != nil {
			t.Error("missing setup must not be recorded as a block")
		}
		runs, _ := ta.db.ListSyncRuns(ctx, "garmin", 0)
		if len(runs) != 1 || runs[0].Status != "failed" {
			t.Errorf("history = %+v, want one failed run", runs)
		}
	})

	t.Run("unknown destination", func(t *testing.T) {
		f := newFakeProviders(t)
		ta := newTestApp(t, f.config(t.TempDir()))

		if _, err := ta.Sync(ctx, "strava"); !errors.Is(err, wsync.ErrValidation) {
			t.Errorf("Sync() error = %v, want ErrValidation", err)
		}
	})
}

func TestWSApp_BlockedAndUnblock(t *testing.T) {
	ctx := context.Background()
	f := newFakeProviders(t)
	cfg := f.config(t.TempDir())
	cfg.Smashrun.Blocked = &config.BlockConfig{Kind: "auth", Scope: "account", Message: "token rejected"}
	ta := newTestApp(t, cfg)

	res, err := ta.Sync(ctx, "smashrun")
	if !wsync.IsBlocking(err) || res.State != wsync.StateBlocked {
		t.Fatalf("Sync() = %s, %v; want blocked", res.State, err)
	}
	if len(f.weights) != 0 {
		t.Error("blocked destination received an upload")
	}

	cleared, err := ta.Unblock("smashrun")
	if err != nil || !cleared {
		t.Fatalf("Unblock() = %v, %v; want true", cleared, err)
	}
	if ta.saved(t).Smashrun.Blocked != nil {
		t.Error("block still saved after Unblock()")
	}
	if cleared, _ := ta.Unblock("smashrun"); cleared {
		t.Error("second Unblock() reported a block")
	}
	if _, err := ta.Unblock("strava"); err == nil {
		t.Error("Unblock(strava) expected error")
	}

	if _, err := ta.Sync(ctx, "smashrun"); err != nil {
		t.Fatalf("Sync() after unblock error = %v", err)
	}
}

func TestWSApp_WithingsBlock(t *testing.T) {
	ctx := context.Background()
	f := newFakeProviders(t)
	cfg := f.config(t.TempDir())
	cfg.Withings.Blocked = &config.BlockConfig{Kind: "auth", Scope: "account", Message: "refresh token revoked"}
	ta := newTestApp(t, cfg)

	res, err := ta.Sync(ctx, "smashrun")
	e, ok := wsync.AsError(err)
	if !ok || !e.Blocking || res.State != wsync.StateBlocked {
		t.Fatalf("Sync() = %s, %v; want blocked", res.State, err)
	}
	if e.Service != "withings" {
		t.Errorf("Sync() error service = %q, want withings", e.Service)
	}
	if len(f.weights) != 0 {
		t.Error("blocked source still led to an upload")
	}
	if ta.saved(t).Smashrun.Blocked != nil {
		t.Error("withings block was copied onto smashrun")
	}

	cleared, err := ta.Unblock("withings")
	if err != nil || !cleared {
		t.Fatalf("Unblock(withings) = %v, %v; want true", cleared, err)
	}
	if ta.saved(t).Withings.Blocked != nil {
		t.Error("withings block still saved after Unblock()")
	}
	if _, err := ta.Sync(ctx, "smashrun"); err != nil {
		t.Fatalf("Sync() after unblock error = %v", err)
	}
}

func TestWSApp_Preview(t *testing.T) {
	f := newFakeProviders(t)
	ta := newTestApp(t, f.config(t.TempDir()))

	res, err := ta.Preview(context.Background(), "smashrun")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(res.Groups) != 1 {
		t.Errorf("preview groups = %d, want 1", len(res.Groups))
	}
	if len(f.weights) != 0 || ta.saved(t).Smashrun.LastSync != 0 {
		t.Error("Preview() uploaded or advanced the watermark")
	}
	runs, _ := ta.db.ListSyncRuns(context.Background(), "", 0)
	if len(runs) != 1 || runs[0].Command != "sync-preview" {
		t.Errorf("history = %+v, want one sync-preview run", runs)
	}
}

func TestWSApp_WithingsCommands(t *testing.T) {
	ctx := context.Background()
	f := newFakeProviders(t)
	ta := newTestApp(t, f.config(t.TempDir()))

	groups, err := ta.Last(ctx, 1)
	if err != nil || len(groups) != 1 {
		t.Fatalf("Last() = %d groups, %v", len(groups), err)
	}
	info, err := ta.UserInfo(ctx)
	if err != nil || info["user"] == nil {
		t.Errorf("UserInfo() = %v, %v", info, err)
	}
	if err := ta.Subscribe(ctx, "https://example.com/hook", "wsync"); err != nil {
		t.Errorf("Subscribe() error = %v", err)
	}
	subs, err := ta.ListSubscriptions(ctx)
	if err != nil || len(subs) != 1 || subs[0].Comment != "wsync" {
		t.Errorf("ListSubscriptions() = %+v, %v", subs, err)
	}
	if err := ta.Unsubscribe(ctx, "https://example.com/hook"); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestWSApp_WithingsNotConfigured(t *testing.T) {
	ta := newTestApp(t, config.NewConfig(t.TempDir()))

	_, err := ta.Last(context.Background(), 1)
	e, ok := wsync.AsError(err)
	if !ok || e.Kind != wsync.KindNotConfigured {
		t.Errorf("Last() error = %v, want config_missing", err)
	}
}

func TestWSApp_HistoryMaintenance(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t, config.NewConfig(t.TempDir()))
	now := testutil.FixedClock().Now()

	old := newSyncRun("old", "sync", "garmin", now.AddDate(0, 0, -90))
	recent := newSyncRun("recent", "sync", "garmin", now.Add(-time.Hour))
	for _, r := range []*database.SyncRun{old, recent} {
		if err := ta.db.CreateSyncRun(ctx, r); err != nil {
			t.Fatalf("CreateSyncRun() error = %v", err)
		}
	}
	finished := now
	recent.FinishedAt = &finished
	recent.Status = string(wsync.StateIdle)
	recent.Excluded = []database.ExcludedItem{{ItemID: "7", Message: "no weight", Permanent: true, ReasonKind: "data_insufficient"}}
	if err := ta.db.FinishSyncRun(ctx, recent); err != nil {
		t.Fatalf("FinishSyncRun() error = %v", err)
	}

	if _, err := ta.PruneHistory(ctx, 0); !errors.Is(err, wsync.ErrValidation) {
		t.Errorf("PruneHistory(0) error = %v, want ErrValidation", err)
	}
	n, err := ta.PruneHistory(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PruneHistory() removed %d, want 1", n)
	}

	runs, err := ta.History(ctx, "", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "recent" {
		t.Fatalf("History() = %+v, want only the recent run", runs)
	}
	items, err := ta.ExcludedItems(ctx, runs[0].ID)
	if err != nil {
		t.Fatalf("ExcludedItems() error = %v", err)
	}
	if len(items) != 1 || items[0] != recent.Excluded[0] {
		t.Errorf("ExcludedItems() = %+v", items)
	}
}

func TestWSApp_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.NewConfig(dir)
		cfg.Archive = config.ArchiveConfig{Type: "filesystem", FSRoot: dir}
		cfg.Garmin.Username = "alice@example.com"
		cfg.Garmin.Password = "aHVudGVyMg=="
		ta := newTestApp(t, cfg)

		checks := ta.Check(ctx)
		if len(checks) != 3 {
			t.Fatalf("Check() = %+v, want history, archive and password checks", checks)
		}
		for _, c := range checks {
			if c.Err != nil {
				t.Errorf("check %s failed: %v", c.Name, c.Err)
			}
		}
		if checks[0].Name != "history database :memory:" {
			t.Errorf("checks[0].Name = %q", checks[0].Name)
		}
	})

	t.Run("broken archive and password", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.NewConfig(dir)
		notADir := filepath.Join(dir, "archive")
		if err := os.WriteFile(notADir, nil, 0644); err != nil {
			t.Fatal(err)
		}
		cfg.Archive = config.ArchiveConfig{Type: "filesystem", FSRoot: notADir}
		cfg.Garmin.Password = "not base64!"
		ta := newTestApp(t, cfg)

		var failed []string
		for _, c := range ta.Check(ctx) {
			if c.Err != nil {
				failed = append(failed, c.Name)
			}
		}
		if len(failed) != 2 {
			t.Errorf("failed checks = %v, want archive and garmin password", failed)
		}
	})
}
