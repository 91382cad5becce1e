package smashrun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"weightsync/internal/wsync"
)

func TestClient_CreateWeight(t *testing.T) {
	date := time.Date(2018, 3, 4, 7, 15, 0, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name     string
		status   int
		wantErr  bool
		kind     wsync.Kind
		blocking bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "created", status: http.StatusCreated},
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: true, kind: wsync.KindAuthorization, blocking: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true, kind: wsync.KindRateLimited},
		{name: "server error", status: http.StatusBadGateway, wantErr: true, kind: wsync.KindUpload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got weightRecord
			var auth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/v1/my/body/weight" {
					http.NotFound(w, r)
					return
				}
				auth = r.Header.Get("Authorization")
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(context.Background(), Config{BaseURL: srv.URL + "/v1"}, ImplicitTokenSource("tok"))
			err := c.CreateWeight(context.Background(), 80.5, date)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateWeight() error = %v, wantErr %v", err, tt.wantErr)
			}
			if auth != "Bearer tok" {
				t.Errorf("Authorization = %q, want Bearer tok", auth)
			}
			if got.WeightInKilograms != 80.5 || got.Date != "2018-03-04T07:15:00+01:00" {
				t.Errorf("request body = %+v", got)
			}
			if !tt.wantErr {
				return
			}
			e, ok := wsync.AsError(err)
			if !ok || e.Kind != tt.kind || e.Blocking != tt.blocking {
				t.Errorf("CreateWeight() error = %v, want %s blocking=%v", err, tt.kind, tt.blocking)
			}
		})
	}
}

func TestClient_CreateWeightValidation(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()
	c := NewClient(context.Background(), Config{BaseURL: srv.URL}, ImplicitTokenSource("tok"))

	tests := []struct {
		name string
		kg   float64
		date time.Time
	}{
		{"zero date", 80, time.Time{}},
		{"zero weight", 0, time.Now()},
		{"negative weight", -1, time.Now()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.CreateWeight(context.Background(), tt.kg, tt.date)
			if !errors.Is(err, wsync.ErrValidation) {
				t.Errorf("CreateWeight() error = %v, want ErrValidation", err)
			}
		})
	}
	if calls != 0 {
		t.Errorf("server calls = %d, want 0", calls)
	}
}

func TestClient_RefreshTokenFlow(t *testing.T) {
	t.Run("refreshes and exposes the rotated token", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
			if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") != "r1" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"a2","token_type":"bearer","refresh_token":"r2","expires_in":3600}`)
		})
		mux.HandleFunc("POST /v1/my/body/weight", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer a2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := Config{BaseURL: srv.URL + "/v1", TokenURL: srv.URL + "/oauth2/token", ClientID: "app", ClientSecret: "s"}
		c := NewClient(context.Background(), cfg, RefreshTokenSource(context.Background(), cfg, "r1"))

		if err := c.CreateWeight(context.Background(), 80, time.Now()); err != nil {
			t.Fatalf("CreateWeight() error = %v", err)
		}
		tok, err := c.Token()
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok.RefreshToken != "r2" {
			t.Errorf("RefreshToken = %q, want r2", tok.RefreshToken)
		}
	})

	t.Run("rejected refresh token blocks", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
		}))
		defer srv.Close()

		cfg := Config{BaseURL: srv.URL, TokenURL: srv.URL + "/token", ClientID: "app"}
		c := NewClient(context.Background(), cfg, RefreshTokenSource(context.Background(), cfg, "stale"))

		err := c.CreateWeight(context.Background(), 80, time.Now())
		if e, ok := wsync.AsError(err); !ok || e.Kind != wsync.KindAuthorization || !e.Blocking {
			t.Errorf("CreateWeight() error = %v, want blocking auth error", err)
		}
	})
}
