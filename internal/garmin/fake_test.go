package garmin

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"weightsync/internal/session"
	"weightsync/internal/testutil"
	"weightsync/internal/wsync"
)

const sessionCookie = "SESSIONID"

// fakeGarmin serves the SSO and Connect hosts from two test servers. The
// ticket redemption chain crosses between them: hop 1 is an absolute
// redirect to the SSO host, the following SSO hops use relative locations
// and the last hop lands back on Connect.
type fakeGarmin struct {
	t       *testing.T
	sso     *httptest.Server
	connect *httptest.Server

	mu   sync.Mutex
	hits map[string]int

	prestartStatus int
	loginStatus    int
	loginBody      string
	redeemStatus   int // status of the Connect redeem start
	hops           int // redirects until the final hop
	finalStatus    int
	displayName    string
	delay          time.Duration

	uploadStatus int
	uploadBody   string
	uploads      [][]byte
}

func newFakeGarmin(t *testing.T) *fakeGarmin {
	t.Helper()
	f := &fakeGarmin{
		t:              t,
		hits:           make(map[string]int),
		prestartStatus: http.StatusOK,
		loginStatus:    http.StatusOK,
		loginBody:      `<script>var response_url = "https://connect.garmin.com/modern?ticket=ST-1";</script>`,
		redeemStatus:   http.StatusFound,
		hops:           6,
		finalStatus:    http.StatusOK,
		displayName:    "alice",
		uploadStatus:   http.StatusOK,
		uploadBody:     `{"detailedImportResult":{"uploadId":42,"successes":[{"internalId":1}],"failures":[]}}`,
	}

	ssoMux := http.NewServeMux()
	ssoMux.HandleFunc("GET /sso/login", f.prestart)
	ssoMux.HandleFunc("POST /sso/login", f.login)
	ssoMux.HandleFunc("GET /sso/redeem/{n}", f.ssoHop)
	f.sso = httptest.NewServer(ssoMux)
	t.Cleanup(f.sso.Close)

	connectMux := http.NewServeMux()
	connectMux.HandleFunc("GET /modern", f.modern)
	connectMux.HandleFunc("GET /redeem/final", f.final)
	connectMux.HandleFunc("POST "+uploadPath, f.upload)
	f.connect = httptest.NewServer(connectMux)
	t.Cleanup(f.connect.Close)

	return f
}

func (f *fakeGarmin) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[name]++
}

// Hits returns how often the named endpoint was called.
func (f *fakeGarmin) Hits(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[name]
}

func (f *fakeGarmin) Uploads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.uploads...)
}

func (f *fakeGarmin) prestart(w http.ResponseWriter, r *http.Request) {
	f.hit("prestart")
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if r.URL.Query().Get("clientId") != "GarminConnect" {
		http.Error(w, "missing clientId", http.StatusBadRequest)
		return
	}
	w.WriteHeader(f.prestartStatus)
	fmt.Fprint(w, "<html>sign in</html>")
}

func (f *fakeGarmin) login(w http.ResponseWriter, r *http.Request) {
	f.hit("login")
	if r.FormValue("_eventId") != "submit" || r.FormValue("embed") != "true" {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	w.WriteHeader(f.loginStatus)
	fmt.Fprint(w, f.loginBody)
}

func (f *fakeGarmin) modern(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(sessionCookie); err == nil {
		f.hit("profile")
		profile, _ := json.Marshal(fmt.Sprintf(`{"displayName":%q,"userId":7}`, f.displayName))
		fmt.Fprintf(w, "<html>\n<script>\nwindow.VIEWER_SOCIAL_PROFILE = JSON.parse(%s);\n</script>\n</html>", profile)
		return
	}
	f.hit("redeem-start")
	if f.redeemStatus != http.StatusFound {
		w.WriteHeader(f.redeemStatus)
		return
	}
	if f.hops == 1 {
		w.Header().Set("Location", "/redeem/final")
	} else {
		w.Header().Set("Location", f.sso.URL+"/sso/redeem/1")
	}
	w.WriteHeader(http.StatusFound)
}

func (f *fakeGarmin) ssoHop(w http.ResponseWriter, r *http.Request) {
	f.hit("hop")
	n, _ := strconv.Atoi(r.PathValue("n"))
	if n < f.hops-1 {
		w.Header().Set("Location", fmt.Sprintf("/sso/redeem/%d", n+1))
	} else {
		w.Header().Set("Location", f.connect.URL+"/redeem/final")
	}
	w.WriteHeader(http.StatusFound)
}

func (f *fakeGarmin) final(w http.ResponseWriter, r *http.Request) {
	f.hit("final")
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "ok", Path: "/"})
	w.WriteHeader(f.finalStatus)
}

func (f *fakeGarmin) upload(w http.ResponseWriter, r *http.Request) {
	f.hit("upload")
	if _, err := r.Cookie(sessionCookie); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Header.Get("nk") != "NT" {
		http.Error(w, "missing nk header", http.StatusPreconditionFailed)
		return
	}
	file, hdr, err := r.FormFile("data")
	if err != nil || hdr.Filename != uploadFilename {
		http.Error(w, "missing data file", http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(file)
	f.mu.Lock()
	f.uploads = append(f.uploads, data)
	f.mu.Unlock()

	w.WriteHeader(f.uploadStatus)
	fmt.Fprint(w, f.uploadBody)
}

// newTestClient creates a Client pointed at f with rate limiting disabled.
func newTestClient(t *testing.T, f *fakeGarmin, timeout time.Duration) (*Client, *session.Cache[*Session]) {
	t.Helper()
	clock := testutil.FixedClock()
	cache := session.New[*Session](session.DefaultLifetime, clock)
	c, err := NewClient(Config{
		SSOURL:     f.sso.URL,
		ConnectURL: f.connect.URL,
		Timeout:    timeout,
		RateLimit:  rate.Inf,
	}, cache, clock, wsync.NewNopLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, cache
}

var testCreds = Credentials{Username: "alice@example.com", Password: "hunter2"}
