package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/cwbudde/sizif/internal/metric"
	"github.com/cwbudde/sizif/internal/retention"
	"github.com/cwbudde/sizif/internal/store"
)

type fakeSource struct {
	state retention.State
	refs  []retention.Ref
	best *float64
	div  retention.Divergence
}

func (f *fakeSource) State() retention.State { return f.state }

func (f *fakeSource) Snapshots() []retention.Ref { return f.refs }

func (f *fakeSource) Best() (float64, bool) {
	if f.best == nil {
		return 0, false
	}
	return *f.best, true
}

func (f *fakeSource) Divergence() retention.Divergence { return f.div }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Status(t *testing.T) {
	best := 0.25
	src := &fakeSource{
		state: retention.StateMirroring,
		refs:  []retention.Ref{{ID: "a"}, {ID: "b"}},
		best:  &best,
		div:   retention.Divergence{PendingMirror: []string{"b"}, RemoteStale: true},
	}
	s := NewServer(":0", src)

	w := get(t, s.Handler(), "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.State != "mirroring" {
		t.Errorf("Expected state mirroring, got %s", resp.State)
	}
	if resp.Best == nil || *resp.Best != best {
		t.Errorf("Expected best %v, got %v", best, resp.Best)
	}
	if resp.Snapshots != 2 {
		t.Errorf("Expected 2 snapshots, got %d", resp.Snapshots)
	}
	if len(resp.PendingMirror) != 1 || !resp.RemoteStale {
		t.Errorf("Unexpected divergence: %+v", resp)
	}
	if resp.RemoteOnly == nil {
		t.Error("Expected empty list, not null")
	}
}

func TestServer_StatusWithoutBest(t *testing.T) {
	s := NewServer(":0", &fakeSource{})

	w := get(t, s.Handler(), "/api/v1/status")
	if strings.Contains(w.Body.String(), `"best"`) {
		t.Errorf("Expected no best value, got %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"state":"idle"`) {
		t.Errorf("Expected idle state, got %s", w.Body.String())
	}
}

func TestServer_SnapshotsFromEngine(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemStore("local")
	engine, err := retention.NewEngine(retention.Policy{
		Version:   "1",
		Template:  "weights_{epoch:04d}-{val_loss:.4f}",
		KeepCount: 2,
		Monitor:   "val_loss",
		Mode:      metric.ModeMin,
	}, local, nil)
	if err != nil {
		t.Fatal(err)
	}

	scheme := engine.Scheme()
	for i, v := range []float64{0.5, 0.2, 0.3} {
		id, err := scheme.Render(i+1, map[string]float64{"val_loss": v})
		if err != nil {
			t.Fatal(err)
		}
		if err := local.Put(ctx, id, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := engine.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	w := get(t, NewServer(":0", engine).Handler(), "/api/v1/snapshots")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp []SnapshotResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp) != 3 {
		t.Fatalf("Expected 3 snapshots, got %d", len(resp))
	}
	if resp[0].Iteration != 2 || !resp[0].Local || resp[0].Remote {
		t.Errorf("Expected best snapshot of iteration 2 first, got %+v", resp[0])
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	h := NewServer(":0", &fakeSource{}).Handler()
	for _, path := range []string{"/api/v1/status", "/api/v1/snapshots"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", path, w.Code)
		}
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	h := NewServer(":0", &fakeSource{}).Handler()

	if w := get(t, h, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("Expected healthz 200, got %d", w.Code)
	}

	w := get(t, h, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected metrics 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("Expected default collectors in metrics output")
	}
}

func TestServer_ShutdownWithoutStart(t *testing.T) {
	s := NewServer(":0", &fakeSource{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{})

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Expected nil error after shutdown, got %v", err)
	}
}
