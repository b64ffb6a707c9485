package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.APIKey != "key" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(loginResponse{Token: "tok"})
	})
	mux.HandleFunc("/contracts/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(statusResponse{Ready: true})
	})
	mux.HandleFunc("/snapshots", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(snapshotResponse{
			Snapshots: []snapshot{{Code: "2330", Name: "TSMC", Close: 905, ChangeRate: 0.55, BuyPrice: 904, SellPrice: 905, TS: 1772413200000}},
			Errors:    []codeError{{Code: "0000", Message: "contract not found"}},
		})
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayRoundTrip(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL+"/", "key", "secret", 5*time.Second)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	ready, err := c.ReferenceReady(ctx)
	if err != nil || !ready {
		t.Fatalf("expected ready, got %v (%v)", ready, err)
	}

	snaps, err := c.Snapshots(ctx, []string{"2330", "0000"})
	if err != nil {
		t.Fatalf("snapshots failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected unresolved code to be skipped, got %v", snaps)
	}
	s := snaps["2330"]
	if s.Price != 905 || s.Bid != 904 || s.Name != "TSMC" {
		t.Errorf("unexpected snapshot %+v", s)
	}
	if !s.CapturedAt.Equal(time.UnixMilli(1772413200000)) {
		t.Errorf("unexpected capture time %v", s.CapturedAt)
	}

	if err := c.Logout(ctx); err != nil {
		t.Errorf("logout failed: %v", err)
	}
	if _, err := c.Snapshots(ctx, []string{"2330"}); err == nil {
		t.Error("expected error after logout")
	}
}

func TestGatewayLoginRejected(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "wrong", "secret", 5*time.Second)
	if err := c.Login(context.Background()); err == nil {
		t.Fatal("expected login error")
	}
}
