package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/procwatch/procwatch/internal/auth"
	"github.com/procwatch/procwatch/internal/errs"
	"github.com/procwatch/procwatch/internal/hclspec"
	mng "github.com/procwatch/procwatch/internal/manager"
	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/process"
)

// SocketName is the fixed filename the Unix-domain-socket transport binds
// under a config directory, per spec.md §6 ("<config_dir>/pmc.sock").
const SocketName = "pmc.sock"

// Server is the IPC half of the Command Surface Transport (C10). It speaks
// the same operations as the HTTP Router but frames them as length-prefixed
// JSON over a Unix domain socket instead of HTTP verbs.
type Server struct {
	mgr     *mng.Manager
	metrics *metrics.ProcessMetricsCollector
	gate    *auth.Gate

	path     string
	listener net.Listener
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// NewServer constructs an IPC Server bound to path. metricsCollector and
// gate may be nil, matching the HTTP Router's constructor.
func NewServer(path string, mgr *mng.Manager, metricsCollector *metrics.ProcessMetricsCollector, gate *auth.Gate) *Server {
	if gate == nil {
		gate = auth.NewGate("")
	}
	return &Server{mgr: mgr, metrics: metricsCollector, gate: gate, path: path}
}

// Listen binds the Unix domain socket, removing a stale socket file left
// behind by a daemon that did not shut down cleanly (detected by attempting
// to dial it first, mirroring the pack's own daemon-socket bootstrap).
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		if conn, dialErr := net.Dial("unix", s.path); dialErr == nil {
			conn.Close()
			return fmt.Errorf("ipc: socket %s is already in use by a running daemon", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("ipc: remove stale socket %s: %w", s.path, err)
		}
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("ipc: chmod %s: %w", s.path, err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until the listener is closed. Call Listen
// first; Serve blocks the calling goroutine.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("ipc: Listen must be called before Serve")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// ListenAndServe binds the socket and serves in a background goroutine,
// returning once the listener is bound (mirroring NewServer's HTTP
// counterpart). Any error accepting a connection after startup is logged,
// never fatal to the daemon (spec.md §7: only explicit stop and failure to
// bind the control socket at startup are fatal).
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil {
			slog.Error("ipc: serve exited", "error", err)
		}
	}()
	return nil
}

// Close stops accepting connections, waits for in-flight requests to
// finish, and removes the socket file.
func (s *Server) Close() error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// handleConn serves every pipelined request a client sends on one
// connection until it disconnects or sends a malformed frame.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Debug("ipc: read request failed", "error", err)
			}
			return
		}
		resp := s.dispatch(req)
		if err := WriteMessage(conn, resp); err != nil {
			slog.Debug("ipc: write response failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	if err := s.gate.Check("Bearer " + req.Token); err != nil {
		return errResponse(req.ID, err)
	}
	switch req.Op {
	case "list":
		return s.opList(req)
	case "get":
		return s.opGet(req)
	case "create":
		return s.opCreate(req)
	case "remove":
		return s.opRemove(req)
	case "stop":
		return s.opStop(req)
	case "restart":
		return s.opRestart(req)
	case "flush":
		return s.opFlush(req)
	case "logs":
		return s.opLogs(req)
	case "export":
		return s.opExport(req)
	case "import":
		return s.opImport(req)
	case "save":
		return s.opSave(req)
	case "restore":
		return s.opRestore(req)
	case "health":
		return okResponse(req.ID, map[string]string{"status": "ok"})
	default:
		return errResponse(req.ID, errs.InvalidSpecf("unknown op %q", req.Op))
	}
}

func (s *Server) toView(st process.Status) processView {
	v := processView{
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
	if s.metrics != nil {
		if pm, ok := s.metrics.GetMetrics(st.Name); ok {
			v.CPUPercent = pm.CPUPercent
			v.MemoryRSS = pm.MemoryRSS
			if len(pm.ListeningPorts) > 0 {
				v.ListeningPorts = pm.ListeningPorts
			}
		}
	}
	return v
}

// processView mirrors server.ProcessView (spec.md §4.9's shared response
// shape); the two transports keep separate copies rather than share an
// import so neither package depends on the other's wire concerns.
type processView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	State          string     `json:"state"`
	PID            int        `json:"pid"`
	RestartCount   int        `json:"restart_count"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
	CPUPercent     float64    `json:"cpu_percent,omitempty"`
	MemoryRSS      uint64     `json:"rss,omitempty"`
	LastExit       *time.Time `json:"last_exit,omitempty"`
	ListeningPorts []uint16   `json:"listening_ports,omitempty"`
}

func (s *Server) opList(req Request) Response {
	sts := s.mgr.List()
	views := make([]processView, 0, len(sts))
	for _, st := range sts {
		views = append(views, s.toView(st))
	}
	return okResponse(req.ID, views)
}

func (s *Server) opGet(req Request) Response {
	st, err := s.mgr.Status(req.Name)
	if err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, s.toView(st))
}

func (s *Server) opCreate(req Request) Response {
	var spec process.Spec
	if err := json.Unmarshal(req.Spec, &spec); err != nil {
		return errResponse(req.ID, errs.InvalidSpecf("invalid spec: %v", err))
	}
	if err := s.mgr.StartN(spec); err != nil {
		return errResponse(req.ID, err)
	}
	st, _ := s.mgr.Status(spec.Name)
	return okResponse(req.ID, s.toView(st))
}

func (s *Server) opRemove(req Request) Response {
	wait := parseWait(req.Wait)
	if req.Name == "all" {
		if err := s.mgr.RemoveAll(req.Base, wait); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, map[string]string{"removed": "all"})
	}
	if err := s.mgr.Remove(req.Name, wait); err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, map[string]string{"removed": req.Name})
}

func (s *Server) opStop(req Request) Response {
	wait := parseWait(req.Wait)
	if err := s.mgr.Stop(req.Name, wait); err != nil {
		return errResponse(req.ID, err)
	}
	st, _ := s.mgr.Status(req.Name)
	return okResponse(req.ID, s.toView(st))
}

func (s *Server) opRestart(req Request) Response {
	wait := parseWait(req.Wait)
	if err := s.mgr.Restart(req.Name, wait); err != nil {
		return errResponse(req.ID, err)
	}
	st, err := s.mgr.Status(req.Name)
	if err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, s.toView(st))
}

func (s *Server) opFlush(req Request) Response {
	if req.Name == "all" {
		errsByName := s.mgr.FlushAll()
		msgs := make(map[string]string, len(errsByName))
		for n, e := range errsByName {
			msgs[n] = e.Error()
		}
		return okResponse(req.ID, map[string]any{"flushed": "all", "errors": msgs})
	}
	if err := s.mgr.Flush(req.Name); err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, map[string]string{"flushed": req.Name})
}

func (s *Server) opLogs(req Request) Response {
	lines := req.Lines
	if lines <= 0 {
		lines = 100
	}
	entries, err := s.mgr.Tail(req.Name, lines)
	if err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, map[string]any{"name": req.Name, "lines": lines, "entries": entries})
}

func (s *Server) opExport(req Request) Response {
	body, err := s.mgr.Export(req.Name)
	if err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, map[string]any{"name": req.Name, "body": body})
}

func (s *Server) opImport(req Request) Response {
	specs, err := hclspec.Import("import", req.Body)
	if err != nil {
		return errResponse(req.ID, errs.InvalidSpecf("import: %v", err))
	}
	for _, spec := range specs {
		if strings.ContainsAny(spec.Name, "/\\") || strings.Contains(spec.Name, "..") {
			return errResponse(req.ID, errs.InvalidSpecf("invalid name: allowed [A-Za-z0-9._-], no path separators"))
		}
	}
	imported, err := s.mgr.Import("import", req.Body)
	if err != nil {
		return Response{
			ID:     req.ID,
			Result: mustMarshal(map[string]any{"imported": imported}),
			Error:  &ErrorPayload{Kind: string(errs.KindOf(err)), Message: err.Error()},
		}
	}
	return okResponse(req.ID, map[string]any{"imported": imported})
}

func (s *Server) opSave(req Request) Response {
	if req.Path == "" {
		return errResponse(req.ID, errs.InvalidSpecf("path required"))
	}
	if err := s.mgr.Save(req.Path); err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, map[string]string{"saved": req.Path})
}

func (s *Server) opRestore(req Request) Response {
	if req.Path == "" {
		return errResponse(req.ID, errs.InvalidSpecf("path required"))
	}
	if err := s.mgr.Restore(req.Path); err != nil {
		return errResponse(req.ID, err)
	}
	return okResponse(req.ID, map[string]string{"restored": req.Path})
}

func parseWait(s string) time.Duration {
	if s == "" {
		return 5 * time.Second
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 5 * time.Second
}

func okResponse(id string, v any) Response {
	return Response{ID: id, Result: mustMarshal(v)}
}

func errResponse(id string, err error) Response {
	return Response{ID: id, Error: &ErrorPayload{Kind: string(errs.KindOf(err)), Message: err.Error()}}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}
