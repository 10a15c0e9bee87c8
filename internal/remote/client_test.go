package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowmint/flowmint/pkg/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/", time.Second, "alice")
}

func TestTrack(t *testing.T) {
	var got models.Action
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/track" {
			t.Errorf("request = %s %s, want POST /api/track", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte("ok, not json"))
	})

	err := c.Track(context.Background(), models.Action{ID: "a1", Type: models.ActionClick, Target: "BUTTON"})
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if got.ID != "a1" || got.UserID != "alice" {
		t.Errorf("server received %+v, want id a1 and user alice", got)
	}
}

func TestTrack_NonSuccessStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	err := c.Track(context.Background(), models.Action{ID: "a1"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Track() error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "overloaded" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestTrack_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, 200*time.Millisecond, "")
	if err := c.Track(context.Background(), models.Action{ID: "a1"}); err == nil {
		t.Error("Track() against closed server returned nil error")
	}
}

func TestFetchPatterns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/patterns" {
			t.Errorf("path = %s, want /api/patterns", r.URL.Path)
		}
		if u := r.URL.Query().Get("user_id"); u != "alice" {
			t.Errorf("user_id = %q, want alice", u)
		}
		w.Write([]byte(`[
			{"id":"p1","name":"Weekly","frequency":3,"confidence":0.9,"time_saved":30,"status":"DEPLOYED","txHash":"abc"},
			{"name":"no id"},
			{"id":"p2","status":"EXPLODED"},
			"not an object",
			{"id":"p3","name":"Fresh"}
		]`))
	})

	got, err := c.FetchPatterns(context.Background())
	if err != nil {
		t.Fatalf("FetchPatterns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FetchPatterns() returned %d patterns, want 2: %+v", len(got), got)
	}
	if got[0].ID != "p1" || got[0].Status != models.StatusDeployed || got[0].TxHash != "abc" || got[0].TimeSaved != 30 {
		t.Errorf("p1 = %+v", got[0])
	}
	if got[1].ID != "p3" || got[1].Status != models.StatusDetected {
		t.Errorf("p3 = %+v, want DETECTED default", got[1])
	}
}

func TestFetchPatterns_NonListIsEmpty(t *testing.T) {
	for _, body := range []string{`{"detail":"nope"}`, ``, `null`, `<html>`} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
		got, err := c.FetchPatterns(context.Background())
		if err != nil {
			t.Errorf("FetchPatterns(%q) error = %v", body, err)
			continue
		}
		if got == nil || len(got) != 0 {
			t.Errorf("FetchPatterns(%q) = %v, want empty slice", body, got)
		}
	}
}

func TestFetchPatterns_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := c.FetchPatterns(context.Background()); err == nil {
		t.Error("FetchPatterns() on 500 returned nil error")
	}
}

func TestGenerate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.LifecycleRequest
		json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/api/generate" || req.PatternID != "p1" || req.Name != "Weekly" {
			t.Errorf("got %s %+v", r.URL.Path, req)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "pattern_id": "p1", "code": "print('hi')"})
	})

	resp, err := c.Generate(context.Background(), models.LifecycleRequest{PatternID: "p1", Name: "Weekly"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Code != "print('hi')" {
		t.Errorf("Code = %q", resp.Code)
	}
}

func TestGenerate_MissingCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	})
	if _, err := c.Generate(context.Background(), models.LifecycleRequest{PatternID: "p1"}); err == nil {
		t.Error("Generate() without code returned nil error")
	}
}

func TestMint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mint" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"tx_hash":"abc123"}`))
	})

	resp, err := c.Mint(context.Background(), models.LifecycleRequest{PatternID: "p3"})
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if resp.TxHash != "abc123" {
		t.Errorf("TxHash = %q, want abc123", resp.TxHash)
	}
}

func TestMint_MissingTxHash(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false}`))
	})
	if _, err := c.Mint(context.Background(), models.LifecycleRequest{PatternID: "p3"}); err == nil {
		t.Error("Mint() without tx_hash returned nil error")
	}
}
