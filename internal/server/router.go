package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/procwatch/procwatch/internal/auth"
	"github.com/procwatch/procwatch/internal/errs"
	"github.com/procwatch/procwatch/internal/hclspec"
	mng "github.com/procwatch/procwatch/internal/manager"
	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/process"
)

// Router is the HTTP half of the Command Surface Transport (C10): it
// translates the endpoints in spec.md §6 into Manager calls and back into
// the {"error":{"kind":...,"message":...}} envelope. The name identifies a
// record uniquely, so it doubles as the ":id" path parameter throughout —
// this repository never introduced a separate numeric allocator.
type Router struct {
	mgr        *mng.Manager
	metrics    *metrics.ProcessMetricsCollector // optional; nil disables cpu%/rss/ports enrichment
	gate       *auth.Gate
	defLogDir  string // config.toml's log_dir; applied to a spec that names no explicit log paths
}

// NewRouter constructs a Router. metricsCollector and gate may be nil.
func NewRouter(mgr *mng.Manager, metricsCollector *metrics.ProcessMetricsCollector, gate *auth.Gate) *Router {
	if gate == nil {
		gate = auth.NewGate("")
	}
	return &Router{mgr: mgr, metrics: metricsCollector, gate: gate}
}

// SetDefaultLogDir sets the directory a created process's stdout/stderr
// logs default into when its spec names none, matching config.toml's
// log_dir (spec.md §6).
func (r *Router) SetDefaultLogDir(dir string) { r.defLogDir = dir }

// Handler returns an http.Handler powered by gin exposing spec.md §6's
// HTTP API under basePath (commonly "" or "/api").
func (r *Router) Handler(basePath string) http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/health", r.handleHealth)

	grp := g.Group(sanitizeBase(basePath))
	grp.Use(r.gate.GinMiddleware())
	grp.GET("/processes", r.handleList)
	grp.GET("/processes/:id", r.handleGet)
	grp.POST("/processes", r.handleCreate)
	grp.DELETE("/processes/:id", r.handleDelete)
	grp.POST("/processes/:id/stop", r.handleStop)
	grp.POST("/processes/:id/restart", r.handleRestart)
	grp.POST("/processes/:id/flush", r.handleFlush)
	grp.GET("/processes/:id/logs", r.handleLogs)
	grp.GET("/processes/:id/logs/ws", r.handleLogsWS)
	grp.GET("/processes/:id/export", r.handleExport)
	grp.POST("/processes/import", r.handleImport)
	grp.POST("/save", r.handleSave)
	grp.POST("/restore", r.handleRestore)
	return g
}

// NewServer starts a standalone HTTP server on addr serving the Command
// Surface under basePath.
func NewServer(addr, basePath string, mgr *mng.Manager, metricsCollector *metrics.ProcessMetricsCollector, gate *auth.Gate) (*http.Server, error) {
	r := NewRouter(mgr, metricsCollector, gate)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(basePath),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// ProcessView is the shared response shape for a single record, matching
// spec.md §4.9: id, name, state, pid, restart_count, uptime, cpu%, rss,
// last_exit, log_paths.
type ProcessView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	State          string     `json:"state"`
	PID            int        `json:"pid"`
	RestartCount   int        `json:"restart_count"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
	CPUPercent     float64    `json:"cpu_percent,omitempty"`
	MemoryRSS      uint64     `json:"rss,omitempty"`
	LastExit       *time.Time `json:"last_exit,omitempty"`
	LogPaths       []string   `json:"log_paths,omitempty"`
	ListeningPorts []uint16   `json:"listening_ports,omitempty"`
}

func (r *Router) toView(st process.Status) ProcessView {
	v := ProcessView{
		ID:           st.Name,
		Name:         st.Name,
		State:        st.State,
		PID:          st.PID,
		RestartCount: st.Restarts,
	}
	if st.Running && !st.StartedAt.IsZero() {
		v.UptimeSeconds = time.Since(st.StartedAt).Seconds()
	}
	if !st.StoppedAt.IsZero() {
		t := st.StoppedAt
		v.LastExit = &t
	}
	if len(st.ListeningPorts) > 0 {
		v.ListeningPorts = st.ListeningPorts
	}
	if r.metrics != nil {
		if pm, ok := r.metrics.GetMetrics(st.Name); ok {
			v.CPUPercent = pm.CPUPercent
			v.MemoryRSS = pm.MemoryRSS
			if len(pm.ListeningPorts) > 0 {
				v.ListeningPorts = pm.ListeningPorts
			}
		}
	}
	if spec, err := r.mgr.Spec(st.Name); err == nil {
		v.LogPaths = logPathsFor(spec)
	}
	return v
}

func logPathsFor(spec process.Spec) []string {
	var paths []string
	if spec.Log.StdoutPath != "" {
		paths = append(paths, spec.Log.StdoutPath)
	} else if spec.Log.Dir != "" {
		paths = append(paths, spec.Log.Dir+"/"+spec.Name+"-out.log")
	}
	if spec.Log.StderrPath != "" {
		paths = append(paths, spec.Log.StderrPath)
	} else if spec.Log.Dir != "" {
		paths = append(paths, spec.Log.Dir+"/"+spec.Name+"-error.log")
	}
	return paths
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleList(c *gin.Context) {
	sts := r.mgr.List()
	views := make([]ProcessView, 0, len(sts))
	for _, st := range sts {
		views = append(views, r.toView(st))
	}
	writeJSON(c, http.StatusOK, views)
}

func (r *Router) handleGet(c *gin.Context) {
	name := c.Param("id")
	st, err := r.mgr.Status(name)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.toView(st))
}

func (r *Router) handleCreate(c *gin.Context) {
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeErr(c, errs.InvalidSpecf("invalid JSON: %v", err))
		return
	}
	if spec.Name == "" {
		writeErr(c, errs.InvalidSpecf("name required"))
		return
	}
	if !isSafeName(spec.Name) {
		writeErr(c, errs.InvalidSpecf("invalid name: allowed [A-Za-z0-9._-], no path separators"))
		return
	}
	if !isSafeAbsPath(spec.WorkDir) || !isSafeAbsPath(spec.PIDFile) ||
		!isSafeAbsPath(spec.Log.Dir) || !isSafeAbsPath(spec.Log.StdoutPath) || !isSafeAbsPath(spec.Log.StderrPath) {
		writeErr(c, errs.InvalidSpecf("path fields must be absolute, without traversal"))
		return
	}
	if r.defLogDir != "" && spec.Log.Dir == "" && spec.Log.StdoutPath == "" && spec.Log.StderrPath == "" {
		spec.Log.Dir = r.defLogDir
	}
	if err := r.mgr.StartN(spec); err != nil {
		writeErr(c, err)
		return
	}
	st, _ := r.mgr.Status(spec.Name)
	writeJSON(c, http.StatusOK, r.toView(st))
}

func (r *Router) handleDelete(c *gin.Context) {
	name := c.Param("id")
	wait := parseWait(c)
	if err := r.mgr.Remove(name, wait); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"removed": name})
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Param("id")
	wait := parseWait(c)
	if err := r.mgr.Stop(name, wait); err != nil {
		writeErr(c, err)
		return
	}
	st, _ := r.mgr.Status(name)
	writeJSON(c, http.StatusOK, r.toView(st))
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Param("id")
	wait := parseWait(c)
	if err := r.mgr.Restart(name, wait); err != nil {
		writeErr(c, err)
		return
	}
	st, err := r.mgr.Status(name)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.toView(st))
}

func (r *Router) handleFlush(c *gin.Context) {
	name := c.Param("id")
	if name == "all" {
		errsByName := r.mgr.FlushAll()
		if len(errsByName) > 0 {
			msgs := make(map[string]string, len(errsByName))
			for n, e := range errsByName {
				msgs[n] = e.Error()
			}
			writeJSON(c, http.StatusOK, gin.H{"flushed": "all", "errors": msgs})
			return
		}
		writeJSON(c, http.StatusOK, gin.H{"flushed": "all"})
		return
	}
	if err := r.mgr.Flush(name); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"flushed": name})
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("id")
	lines := 100
	if v := c.Query("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	entries, err := r.mgr.Tail(name, lines)
	if err != nil {
		writeErr(c, err)
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, l := range entries {
		out = append(out, gin.H{"stream": l.Stream, "at": l.At, "text": l.Text})
	}
	writeJSON(c, http.StatusOK, gin.H{"name": name, "lines": lines, "entries": out})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleLogsWS upgrades to a WebSocket for streaming log tail, mirroring
// the HTTP log endpoint's subscription described in spec.md §6. The
// Manager's Log Sink fan-out is the source of truth; this handler only
// bridges its subscription into the socket.
func (r *Router) handleLogsWS(c *gin.Context) {
	name := c.Param("id")
	lines, cancel, err := r.mgr.Subscribe(name)
	if err != nil {
		writeErr(c, err)
		return
	}
	defer cancel()

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, []byte("subscribed to "+name))

	// A client disconnect must cancel this subscription (spec.md §5's
	// cancellation rule); reading in the background is what notices the
	// close since gorilla/websocket has no separate disconnect signal.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnected:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			payload := line.Stream + " " + line.At.Format(time.RFC3339Nano) + " " + line.Text
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				return
			}
		}
	}
}

// handleExport renders name's spec through the Spec Codec (C13) so a client
// can capture it and later Import it back — spec.md §8's export/import
// round-trip property. The body is the opaque HCL text itself, not a JSON
// envelope, matching how spec.md treats the format as opaque serialisation.
func (r *Router) handleExport(c *gin.Context) {
	name := c.Param("id")
	body, err := r.mgr.Export(name)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/hcl", body)
}

// handleImport decodes the request body (the Spec Codec's HCL grammar) and
// starts every spec it contains, matching the `import` client command.
func (r *Router) handleImport(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeErr(c, errs.InvalidSpecf("read body: %v", err))
		return
	}
	specs, decodeErr := hclspec.Import("import", body)
	if decodeErr != nil {
		writeErr(c, errs.InvalidSpecf("import: %v", decodeErr))
		return
	}
	for _, spec := range specs {
		if !isSafeName(spec.Name) {
			writeErr(c, errs.InvalidSpecf("invalid name: allowed [A-Za-z0-9._-], no path separators"))
			return
		}
		if !isSafeAbsPath(spec.WorkDir) || !isSafeAbsPath(spec.PIDFile) ||
			!isSafeAbsPath(spec.Log.Dir) || !isSafeAbsPath(spec.Log.StdoutPath) || !isSafeAbsPath(spec.Log.StderrPath) {
			writeErr(c, errs.InvalidSpecf("path fields must be absolute, without traversal"))
			return
		}
	}
	imported, err := r.mgr.Import("import", body)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, gin.H{"imported": imported, "error": gin.H{"kind": errs.KindOf(err), "message": err.Error()}})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"imported": imported})
}

func (r *Router) handleSave(c *gin.Context) {
	var body struct {
		Path string `json:"path"`
	}
	_ = c.ShouldBindJSON(&body)
	path := body.Path
	if path == "" {
		writeErr(c, errs.InvalidSpecf("path required"))
		return
	}
	if err := r.mgr.Save(path); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"saved": path})
}

func (r *Router) handleRestore(c *gin.Context) {
	var body struct {
		Path string `json:"path"`
	}
	_ = c.ShouldBindJSON(&body)
	path := body.Path
	if path == "" {
		writeErr(c, errs.InvalidSpecf("path required"))
		return
	}
	if err := r.mgr.Restore(path); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"restored": path})
}

func parseWait(c *gin.Context) time.Duration {
	if v := c.Query("wait"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 5 * time.Second
}

func writeErr(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case errs.NotFound:
		code = http.StatusNotFound
	case errs.AlreadyExists, errs.Conflict:
		code = http.StatusConflict
	case errs.InvalidSpec:
		code = http.StatusBadRequest
	case errs.Unauthorized:
		code = http.StatusUnauthorized
	case errs.Timeout:
		code = http.StatusGatewayTimeout
	case errs.DaemonUnavailable:
		code = http.StatusServiceUnavailable
	case errs.SpawnFailed, errs.Internal:
		code = http.StatusInternalServerError
	}
	writeJSON(c, code, gin.H{"error": gin.H{"kind": kind, "message": err.Error()}})
}
