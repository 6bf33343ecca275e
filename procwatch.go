// Package procwatch is the public embeddable facade over the process
// supervision engine: a thin set of aliases and pass-through methods so a
// host program can manage processes without importing internal packages.
package procwatch

import (
	"net/http"
	"time"

	"github.com/procwatch/procwatch/internal/auth"
	cfg "github.com/procwatch/procwatch/internal/config"
	"github.com/procwatch/procwatch/internal/history"
	"github.com/procwatch/procwatch/internal/logsink"
	"github.com/procwatch/procwatch/internal/manager"
	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/persistence"
	"github.com/procwatch/procwatch/internal/process"
	pg "github.com/procwatch/procwatch/internal/process_group"
	iapi "github.com/procwatch/procwatch/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

type HistoryConfig = cfg.HistoryConfig

type HistorySink = history.Sink

func New() *Manager { return &Manager{inner: manager.NewManager()} }

func (m *Manager) SetGlobalEnv(kvs []string)            { m.inner.SetGlobalEnv(kvs) }
func (m *Manager) SetHistorySinks(sinks ...HistorySink) { m.inner.SetHistorySinks(sinks...) }
func (m *Manager) Start(s Spec) error                   { return m.inner.Start(s) }
func (m *Manager) StartN(s Spec) error                  { return m.inner.StartN(s) }
func (m *Manager) Stop(name string, wait time.Duration) error {
	return m.inner.Stop(name, wait)
}
func (m *Manager) Remove(name string, wait time.Duration) error {
	return m.inner.Remove(name, wait)
}
func (m *Manager) RemoveAll(base string, wait time.Duration) error {
	return m.inner.RemoveAll(base, wait)
}
func (m *Manager) StopAll(base string, wait time.Duration) error {
	return m.inner.StopAll(base, wait)
}
func (m *Manager) Status(name string) (Status, error)      { return m.inner.Status(name) }
func (m *Manager) StatusAll(base string) ([]Status, error) { return m.inner.StatusAll(base) }
func (m *Manager) StatusMatch(pattern string) ([]Status, error) {
	return m.inner.StatusMatch(pattern)
}
func (m *Manager) List() []Status                         { return m.inner.List() }
func (m *Manager) Count(base string) (int, error)         { return m.inner.Count(base) }
func (m *Manager) Reset() error                           { return m.inner.Reset() }
func (m *Manager) Save(path string) error                 { return m.inner.Save(path) }
func (m *Manager) Restore(path string) error               { return m.inner.Restore(path) }
func (m *Manager) StartReconciler(interval time.Duration) { m.inner.StartReconciler(interval) }
func (m *Manager) StopReconciler()                         { m.inner.StopReconciler() }
func (m *Manager) Shutdown()                               { m.inner.Shutdown() }

// LogLine mirrors the Log Sink's captured-line shape for external callers.
type LogLine = logsink.Line

// Tail returns the last n lines of name's captured stdout/stderr, merged
// by receive timestamp.
func (m *Manager) Tail(name string, n int) ([]LogLine, error) { return m.inner.Tail(name, n) }

// Subscribe starts a live stream of name's log lines appended from this
// point on; the returned cancel func releases the subscription.
func (m *Manager) Subscribe(name string) (<-chan LogLine, func(), error) {
	return m.inner.Subscribe(name)
}

// Flush truncates name's log files to zero length.
func (m *Manager) Flush(name string) error { return m.inner.Flush(name) }

// FlushAll flushes every registered process's logs.
func (m *Manager) FlushAll() map[string]error { return m.inner.FlushAll() }

// Import decodes src (the Spec Codec's HCL grammar) and starts each spec it
// contains, returning the names started.
func (m *Manager) Import(filename string, src []byte) ([]string, error) {
	return m.inner.Import(filename, src)
}

// Export renders name's current spec back to the Spec Codec's HCL grammar.
func (m *Manager) Export(name string) ([]byte, error) { return m.inner.Export(name) }

// Group facade
type Group struct{ inner *pg.Group }

type GroupSpec = pg.GroupSpec

func NewGroup(m *Manager) *Group { return &Group{inner: pg.New(m.inner)} }

func (g *Group) Start(gs GroupSpec) error                    { return g.inner.Start(gs) }
func (g *Group) Stop(gs GroupSpec, wait time.Duration) error { return g.inner.Stop(gs, wait) }
func (g *Group) Status(gs GroupSpec) (map[string][]Status, error) {
	return g.inner.Status(gs)
}

// SnapshotEntry mirrors the persistence layer's entry shape for callers that
// want to build a custom snapshot without going through Manager.Save.
type SnapshotEntry = persistence.Entry

func LoadConfig(path string) (*cfg.Config, error) {
	return cfg.LoadConfig(path)
}

// NewHTTPServer starts an HTTP server exposing the daemon's HTTP+WebSocket
// surface (C9/C10) using the given manager. metricsCollector and token may
// be nil/empty to disable metrics enrichment and bearer-token auth
// respectively.
func NewHTTPServer(addr, basePath string, m *Manager, metricsCollector *metrics.ProcessMetricsCollector, token string) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, m.inner, metricsCollector, auth.NewGate(token))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
