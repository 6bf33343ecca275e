package procwatch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestManagerFacadeStartStatusStop(t *testing.T) {
	requireUnix(t)
	m := New()
	defer m.Shutdown()
	s := Spec{Name: "pf1", Command: "sleep 0.2", StartDuration: 10 * time.Millisecond}
	if err := m.Start(s); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err := m.Status("pf1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running && st.PID == 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	_ = m.Stop("pf1", 200*time.Millisecond)
	_ = m.StopAll("pf1", 200*time.Millisecond)
}

func TestManagerFacadeRemoveAndList(t *testing.T) {
	requireUnix(t)
	m := New()
	defer m.Shutdown()
	_ = m.Start(Spec{Name: "pf2", Command: "sleep 0.1"})
	if len(m.List()) == 0 {
		t.Fatal("expected at least one entry in List()")
	}
	if err := m.Remove("pf2", 200*time.Millisecond); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Status("pf2"); err == nil {
		t.Fatal("expected error after Remove")
	}
}

func TestManagerFacadeSaveRestore(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "process.dump")

	m := New()
	defer m.Shutdown()
	_ = m.Start(Spec{Name: "pf3", Command: "sleep 0.2"})
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	m2 := New()
	defer m2.Shutdown()
	if err := m2.Restore(path); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := m2.Status("pf3"); err != nil {
		t.Fatalf("expected restored process, got error: %v", err)
	}
}

func TestGroupFacade(t *testing.T) {
	requireUnix(t)
	m := New()
	defer m.Shutdown()
	gs := GroupSpec{
		Name: "g",
		Members: []Spec{
			{Name: "g-a", Command: "sleep 0.2", StartDuration: 10 * time.Millisecond},
			{Name: "g-b", Command: "sleep 0.2", StartDuration: 10 * time.Millisecond},
		},
	}
	g := NewGroup(m)
	if err := g.Start(gs); err != nil {
		t.Fatalf("group start: %v", err)
	}
	mset, err := g.Status(gs)
	if err != nil {
		t.Fatalf("group status: %v", err)
	}
	if len(mset) != 2 {
		t.Fatalf("expected 2 members, got %d", len(mset))
	}
	_ = g.Stop(gs, 200*time.Millisecond)
}

func TestConfigHelpers(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.toml")
	data := `
shell = "/bin/bash"

[daemon]
port = 8080
`
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Shell != "/bin/bash" {
		t.Fatalf("expected shell override, got %q", cfg.Shell)
	}
	if cfg.Daemon.Port != 8080 {
		t.Fatalf("expected port override, got %d", cfg.Daemon.Port)
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("metrics handler status %d", rr.Code)
	}
}
