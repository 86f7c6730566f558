package markets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory()

	// Permissive by default.
	if open, err := d.IsOpen(context.Background(), "anything"); err != nil || !open {
		t.Fatalf("default: open=%v err=%v", open, err)
	}

	d.Set(Market{ID: "m1", Question: "closed one", Open: false})
	if open, _ := d.IsOpen(context.Background(), "m1"); open {
		t.Error("registered closed market must report closed")
	}

	d.AllowAll = false
	if open, _ := d.IsOpen(context.Background(), "unknown"); open {
		t.Error("strict directory must reject unknown markets")
	}
}

func TestHTTPDirectory_FetchAndCache(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/markets/m1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(Market{ID: "m1", Open: true})
	}))
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL, time.Second, time.Minute)

	open, err := d.IsOpen(context.Background(), "m1")
	if err != nil || !open {
		t.Fatalf("first lookup: open=%v err=%v", open, err)
	}
	// Second lookup is served from cache.
	if _, err := d.IsOpen(context.Background(), "m1"); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if hits != 1 {
		t.Errorf("backend hits: got %d, want 1", hits)
	}

	if _, err := d.IsOpen(context.Background(), "missing"); err == nil {
		t.Error("unknown market must surface an error")
	}
}
