package manager

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/procwatch/procwatch/internal/env"
	"github.com/procwatch/procwatch/internal/errs"
	"github.com/procwatch/procwatch/internal/hclspec"
	"github.com/procwatch/procwatch/internal/history"
	"github.com/procwatch/procwatch/internal/logsink"
	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/persistence"
	"github.com/procwatch/procwatch/internal/process"
	"github.com/procwatch/procwatch/internal/watcher"
)

// Manager is the table-level dispatcher (C1 Process Table + C8 Supervisor
// Loop): it owns creation/removal/listing of per-process handlers and fans
// commands out to the right process's control channel. Table-shape
// operations (start/stop of a new or removed name) take the table lock;
// everything else is serialised by the target handler's own channel.
type Manager struct {
	mu        sync.RWMutex
	envM      *env.Env
	reconStop chan struct{}
	histSinks []history.Sink

	// watch proposes restarts when a record's watch_paths change (C5); nil
	// when the filesystem watcher could not be created (degrades to no-op).
	watch     *watcher.Watcher
	watchStop chan struct{}

	// logs is the Log Sink (C3); nil when its own filesystem watcher could
	// not be created (tail/flush still work directly off disk, but stream
	// becomes unavailable).
	logs *logsink.Sink

	// unified per-process entry holding handler/supervisor and their cancels
	entries map[string]*procEntry
}

type procEntry struct {
	h       *handler
	hCancel context.CancelFunc
	s       *supervisor
	sCancel context.CancelFunc
}

func NewManager() *Manager {
	m := &Manager{
		entries: make(map[string]*procEntry),
		envM:    env.New(),
	}
	if w, err := watcher.New(); err != nil {
		slog.Warn("manager: filesystem watcher unavailable", "error", err)
	} else {
		m.watch = w
		m.watchStop = make(chan struct{})
		go m.watchLoop()
	}
	if ls, err := logsink.New(); err != nil {
		slog.Warn("manager: log sink watcher unavailable, stream() disabled", "error", err)
	} else {
		m.logs = ls
	}
	return m
}

// watchLoop turns watcher proposals into reload restarts (ReasonReload:
// immediate, bypassing the crash-loop backoff) for the named record.
func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.watchStop:
			return
		case p, ok := <-m.watch.Proposals():
			if !ok {
				return
			}
			h := m.getHandler(p.Name)
			if h == nil {
				continue
			}
			slog.Info("manager: watch_paths changed, reloading", "name", p.Name, "path", p.Path)
			reply := make(chan error, 1)
			h.ctrl <- CtrlMsg{Type: CtrlStop, Wait: 5 * time.Second, Reply: reply}
			<-reply
			spec := h.Spec()
			reply2 := make(chan error, 1)
			h.ctrl <- CtrlMsg{Type: CtrlStart, Spec: spec, Reply: reply2}
			if err := <-reply2; err != nil {
				slog.Warn("manager: reload restart failed", "name", p.Name, "error", err)
			}
		}
	}
}

// SetHistorySinks configures external audit sinks (ClickHouse, Postgres, SQLite).
// Passing nil or no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// recordStart delivers a start event to every configured Audit Sink (C12).
// Audit writes are best-effort and never block or fail the command that
// triggered them.
func (m *Manager) recordStart(p *process.Process) {
	m.mu.Lock()
	sinks := append([]history.Sink(nil), m.histSinks...)
	m.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	rs := p.Snapshot()
	rec := history.Record{
		Name:      rs.Name,
		PID:       rs.PID,
		StartedAt: rs.StartedAt,
		Running:   true,
		Uniq:      history.UniqueKey(rs.PID, rs.StartedAt),
	}
	evt := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}
	for _, s := range sinks {
		_ = s.Send(context.Background(), evt)
	}
}

// recordStop delivers a stop event to every configured Audit Sink (C12).
func (m *Manager) recordStop(p *process.Process, exitErr error) {
	m.mu.Lock()
	sinks := append([]history.Sink(nil), m.histSinks...)
	m.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	rs := p.Snapshot()
	rec := history.Record{
		Name:      rs.Name,
		PID:       rs.PID,
		StartedAt: rs.StartedAt,
		StoppedAt: sql.NullTime{Time: rs.StoppedAt, Valid: !rs.StoppedAt.IsZero()},
		Running:   false,
		Uniq:      history.UniqueKey(rs.PID, rs.StartedAt),
	}
	if exitErr != nil {
		rec.ExitErr = sql.NullString{String: exitErr.Error(), Valid: true}
	}
	evt := history.Event{Type: history.EventStop, OccurredAt: time.Now().UTC(), Record: rec}
	for _, s := range sinks {
		_ = s.Send(context.Background(), evt)
	}
}

// SetGlobalEnv sets global environment variables affecting all processes managed by this Manager.
// kvs must be in the form "KEY=VALUE".
func (m *Manager) SetGlobalEnv(kvs []string) {
	if m.envM == nil {
		m.envM = env.New()
	}
	e := m.envM
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			e.Set(k, v)
		}
	}
	m.envM = e
}

func (m *Manager) Start(spec process.Spec) error {
	// Inject merged env into spec before passing to handler
	spec.Env = m.mergedEnvFor(spec)
	m.ensureHandler(spec)
	h := m.getHandler(spec.Name)
	if h == nil {
		return errs.New(errs.Internal, fmt.Sprintf("failed to ensure handler for %s", spec.Name))
	}
	attempts, interval := retryParams(spec)
	var lastErr error
	for i := 0; i <= attempts; i++ {
		reply := make(chan error, 1)
		h.ctrl <- CtrlMsg{Type: CtrlStart, Spec: spec, Reply: reply}
		err := <-reply
		if err == nil {
			// ensure supervisor is running for this process; observability handled by supervisor
			m.ensureSupervisor(spec.Name)
			if m.logs != nil {
				outPath, errPath := spec.Log.Paths(spec.Name)
				m.logs.Register(spec.Name, outPath, errPath)
			}
			return nil
		}
		lastErr = err
		if i < attempts {
			if !process.IsBeforeStartErr(err) {
				time.Sleep(interval)
			}
		}
	}
	if lastErr != nil {
		if _, ok := lastErr.(*errs.Error); !ok {
			return errs.SpawnFailedErr(spec.Name, lastErr)
		}
	}
	return lastErr
}

// Stop stops a running process. If already stopped, it's a no-op.
func (m *Manager) Stop(name string, wait time.Duration) error {
	h := m.getHandler(name)
	if h == nil {
		return errs.NotFoundf("unknown process: %s", name)
	}
	reply := make(chan error, 1)
	h.ctrl <- CtrlMsg{Type: CtrlStop, Wait: wait, Reply: reply}
	err := <-reply
	// stop supervisor if running
	m.mu.Lock()
	if e := m.entries[name]; e != nil {
		if e.sCancel != nil {
			e.sCancel()
			e.sCancel = nil
		}
		e.s = nil
	}
	m.mu.Unlock()
	return err
}

// Status returns current status including detector check.
func (m *Manager) Status(name string) (process.Status, error) {
	h := m.getHandler(name)
	if h == nil {
		return process.Status{}, errs.NotFoundf("unknown process: %s", name)
	}
	return h.Status(), nil
}

// Spec returns the last-known spec registered for name, so a caller (e.g.
// the HTTP restart endpoint) can reissue Start without the client having
// to resend the whole spec.
func (m *Manager) Spec(name string) (process.Spec, error) {
	h := m.getHandler(name)
	if h == nil {
		return process.Spec{}, errs.NotFoundf("unknown process: %s", name)
	}
	return h.Spec(), nil
}

// Restart stops name, waiting up to wait, then starts it again from its
// own last-known spec — the idempotent-restart path in spec.md §4.8 rule 3,
// exposed directly rather than forcing a client to resend the spec.
func (m *Manager) Restart(name string, wait time.Duration) error {
	spec, err := m.Spec(name)
	if err != nil {
		return err
	}
	if err := m.Stop(name, wait); err != nil {
		return err
	}
	return m.Start(spec)
}

// Import decodes src (in the Spec Codec's HCL grammar, C13) into zero or
// more specs and starts each of them via StartN, matching the `import`
// client command (spec.md §4.1's "Created by Start/Import"). filename is
// used only for the codec's diagnostic messages. It returns the names
// successfully started; on a failure partway through, the names already
// started remain running and are included in the returned slice alongside
// the error, mirroring Start's own "no automatic rollback" behavior.
func (m *Manager) Import(filename string, src []byte) ([]string, error) {
	specs, err := hclspec.Import(filename, src)
	if err != nil {
		return nil, errs.InvalidSpecf("import: %v", err)
	}
	started := make([]string, 0, len(specs))
	for _, spec := range specs {
		if err := m.StartN(spec); err != nil {
			return started, err
		}
		started = append(started, spec.Name)
	}
	return started, nil
}

// Export renders name's current spec through the Spec Codec (C13) so that
// Import(filename, Export(name)) reproduces an equal spec — spec.md §8's
// export/import round-trip property.
func (m *Manager) Export(name string) ([]byte, error) {
	spec, err := m.Spec(name)
	if err != nil {
		return nil, err
	}
	return hclspec.Export(spec)
}

// StartN starts Spec.Instances instances by suffixing names with -1..-N.
func (m *Manager) StartN(spec process.Spec) error {
	n := spec.Instances
	if n <= 1 {
		return m.Start(spec)
	}
	for i := 1; i <= n; i++ {
		inst := spec
		inst.Name = fmt.Sprintf("%s-%d", spec.Name, i)
		if err := m.Start(inst); err != nil {
			return err
		}
	}
	// update gauge for base name
	if c, err := m.Count(spec.Name); err == nil {
		metrics.SetRunningInstances(spec.Name, c)
	}
	return nil
}

// StopAll stops all instances with the base name.
func (m *Manager) StopAll(base string, wait time.Duration) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		if name == base || strings.HasPrefix(name, base+"-") {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	var firstErr error
	for _, name := range names {
		if err := m.Stop(name, wait); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c, err := m.Count(base); err == nil {
		metrics.SetRunningInstances(base, c)
	}
	return firstErr
}

// StatusAll returns statuses for all instances matching the base name.
func (m *Manager) StatusAll(base string) ([]process.Status, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		if name == base || strings.HasPrefix(name, base+"-") {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	res := make([]process.Status, 0, len(names))
	for _, n := range names {
		st, err := m.Status(n)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, nil
}

// StatusMatch returns statuses for all process names that match the wildcard pattern.
// Supported wildcard: '*' matches any substring (including empty). Multiple '*' are allowed.
func (m *Manager) StatusMatch(pattern string) ([]process.Status, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		if wildcardMatch(name, pattern) {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	res := make([]process.Status, 0, len(names))
	for _, n := range names {
		st, err := m.Status(n)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, nil
}

// StopMatch stops all processes with names that match the wildcard pattern.
// Returns the first error encountered, if any.
func (m *Manager) StopMatch(pattern string, wait time.Duration) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		if wildcardMatch(name, pattern) {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	var firstErr error
	for _, name := range names {
		if err := m.Stop(name, wait); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Remove stops name (if running) and deletes its table entry entirely.
// Unlike Stop, a removed name forgets its spec; a later Start for the same
// name creates a brand new record.
func (m *Manager) Remove(name string, wait time.Duration) error {
	stopErr := m.Stop(name, wait)
	m.mu.Lock()
	e, ok := m.entries[name]
	if ok {
		delete(m.entries, name)
	}
	m.mu.Unlock()
	if !ok {
		return errs.NotFoundf("unknown process: %s", name)
	}
	if m.watch != nil {
		m.watch.Unsubscribe(name)
	}
	if m.logs != nil {
		m.logs.Unregister(name)
	}
	reply := make(chan error, 1)
	select {
	case e.h.ctrl <- CtrlMsg{Type: CtrlShutdown, Reply: reply}:
		<-reply
	default:
	}
	if e.hCancel != nil {
		e.hCancel()
	}
	return stopErr
}

// RemoveAll stops and removes every name matching the base name or its
// instance suffixes, issuing stops concurrently before waiting on any of
// them (spec scenario: "remove all" with N running processes).
func (m *Manager) RemoveAll(base string, wait time.Duration) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		if name == base || strings.HasPrefix(name, base+"-") {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	errs := make(chan error, len(names))
	for _, name := range names {
		go func(n string) { errs <- m.Remove(n, wait) }(name)
	}
	var firstErr error
	for range names {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List returns a status snapshot for every process currently in the table.
func (m *Manager) List() []process.Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.RUnlock()
	res := make([]process.Status, 0, len(names))
	for _, n := range names {
		if st, err := m.Status(n); err == nil {
			res = append(res, st)
		}
	}
	return res
}

// Save snapshots every registered process's spec and last-known running
// state to path, atomically (C7). It returns only after the snapshot is
// durably in place.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	entries := make([]persistence.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e == nil || e.h == nil {
			continue
		}
		state := persistence.StateStopped
		if e.h.Status().Running {
			state = persistence.StateRunning
		}
		entries = append(entries, persistence.Entry{Spec: e.h.Spec(), State: state})
	}
	m.mu.RUnlock()
	return persistence.Save(path, entries)
}

// Restore reads a snapshot from path and issues synthetic Start commands
// for every entry whose last-known state was Running; Stopped entries are
// registered without being started. Per-entry validation or start failures
// are collected and returned together; they never abort the rest of the
// restore.
func (m *Manager) Restore(path string) error {
	snap, err := persistence.Load(path)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range snap.Processes {
		if err := entry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("skipping invalid entry: %w", err))
			continue
		}
		switch entry.State {
		case persistence.StateRunning:
			if err := m.Start(entry.Spec); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", entry.Spec.Name, err))
			}
		case persistence.StateStopped:
			m.ensureHandler(entry.Spec)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	msg := fmt.Sprintf("%d restore error(s)", len(errs))
	for _, e := range errs {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// Reset returns a Conflict error while any record still exists and succeeds
// otherwise. Records are keyed by name and no id counter is kept, so there is
// no further state for it to clear.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) != 0 {
		return errs.ConflictF("cannot reset: %d process(es) still registered", len(m.entries))
	}
	return nil
}

// Count returns number of running instances for the base name.
func (m *Manager) Count(base string) (int, error) {
	sts, err := m.StatusAll(base)
	if err != nil {
		return 0, err
	}
	c := 0
	for _, st := range sts {
		if st.Running {
			c++
		}
	}
	return c, nil
}

// Tail returns the last n lines of name's captured stdout/stderr, merged
// by receive timestamp (C3). It reads directly from disk via the paths on
// name's spec, so it works whether or not the process is currently
// running or registered with the Log Sink's live watcher.
func (m *Manager) Tail(name string, n int) ([]logsink.Line, error) {
	spec, err := m.Spec(name)
	if err != nil {
		return nil, err
	}
	outPath, errPath := spec.Log.Paths(name)
	return logsink.Tail(outPath, errPath, n)
}

// Subscribe starts a live stream() of name's log lines appended from this
// point on. The returned cancel func must be called when the caller is
// done. Returns an error if the Log Sink's watcher could not be created.
func (m *Manager) Subscribe(name string) (<-chan logsink.Line, func(), error) {
	if m.logs == nil {
		return nil, nil, errs.New(errs.Internal, "log stream unavailable")
	}
	if _, err := m.Spec(name); err != nil {
		return nil, nil, err
	}
	return m.logs.Subscribe(name)
}

// Flush truncates name's log files to zero length (C3 flush).
func (m *Manager) Flush(name string) error {
	if _, err := m.Spec(name); err != nil {
		return err
	}
	if m.logs != nil {
		if err := m.logs.Flush(name); err == nil || !isUnknownLogName(err) {
			if err == nil {
				metrics.IncLogFlush(name)
			}
			return err
		}
	}
	spec, err := m.Spec(name)
	if err != nil {
		return err
	}
	outPath, errPath := spec.Log.Paths(name)
	if err := logsink.FlushPaths(outPath, errPath); err != nil {
		return err
	}
	metrics.IncLogFlush(name)
	return nil
}

// FlushAll flushes every registered process's logs, matching `flush all`.
func (m *Manager) FlushAll() map[string]error {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for n := range m.entries {
		names = append(names, n)
	}
	m.mu.RUnlock()

	errsByName := make(map[string]error)
	for _, n := range names {
		if err := m.Flush(n); err != nil {
			errsByName[n] = err
		}
	}
	return errsByName
}

func isUnknownLogName(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unknown process")
}

// --- helpers extracted to reduce cyclomatic complexity in Start() ---

// getHandler returns the handler for a process name.
func (m *Manager) getHandler(name string) *handler {
	m.mu.RLock()
	e := m.entries[name]
	m.mu.RUnlock()
	if e != nil {
		return e.h
	}
	return nil
}

// ensureHandler creates and runs a handler for the given spec name if missing.
// It also updates the handler's spec if it already exists.
func (m *Manager) ensureHandler(spec process.Spec) *handler {
	m.mu.Lock()
	e := m.entries[spec.Name]
	if e == nil {
		// create new handler with injected env merge and history callbacks
		h := newHandler(spec, m.mergedEnvFor, m.recordStart, m.recordStop)
		ctx, cancel := context.WithCancel(context.Background())
		e = &procEntry{h: h, hCancel: cancel}
		m.entries[spec.Name] = e
		go h.run(ctx)
	} else {
		// update spec via control channel synchronously
		reply := make(chan error, 1)
		e.h.ctrl <- CtrlMsg{Type: CtrlUpdateSpec, Spec: spec, Reply: reply}
		<-reply
	}
	m.mu.Unlock()
	if m.watch != nil {
		if err := m.watch.Subscribe(spec.Name, spec.WatchPaths); err != nil {
			slog.Warn("manager: watch subscribe failed", "name", spec.Name, "error", err)
		}
	}
	return e.h
}

// wildcardMatch matches name against a pattern with '*' wildcard (glob-like, case-sensitive).
// It returns true if the sequence of non-* segments appear in order in name.
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	// fast path: no '*'
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	// Handle anchors based on leading/trailing '*'
	idx := 0
	// Leading part must match prefix if pattern doesn't start with '*'
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	// Middle parts must occur in order
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	// Trailing part must match suffix if pattern doesn't end with '*'
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name, last) && idx <= len(name)-len(last)
	}
	return true
}

// retryParams computes attempts and interval from the spec.
func retryParams(spec process.Spec) (int, time.Duration) {
	attempts := spec.RetryCount
	if attempts < 0 {
		attempts = 0
	}
	interval := spec.RetryInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return attempts, interval
}

// mergedEnvFor merges manager globals with per-process env.
func (m *Manager) mergedEnvFor(spec process.Spec) []string {
	if m.envM != nil {
		return m.envM.Merge(spec.Env)
	}
	return nil
}

// ReconcileOnce checks current managed processes against reality and
// attempts to auto-start any that should be running but are not, by
// sending control messages. This is a safety net alongside the
// supervisor's own restart policy, not a replacement for it.
func (m *Manager) ReconcileOnce() {
	m.mu.Lock()
	handlers := make([]*handler, 0, len(m.entries))
	for _, e := range m.entries {
		if e != nil && e.h != nil {
			handlers = append(handlers, e.h)
		}
	}
	m.mu.Unlock()
	for _, h := range handlers {
		stSnap := h.Status()
		if stSnap.Running {
			continue
		}
		// Auto-start safety net: only when no supervisor is present (supervisor owns policies/starts)
		spec := h.Spec()
		if spec.AutoRestart && !h.StopRequested() && m.getSupervisor(spec.Name) == nil {
			reply := make(chan error, 1)
			h.ctrl <- CtrlMsg{Type: CtrlStart, Spec: spec, Reply: reply}
			if err := <-reply; err == nil {
				// Ensure supervisor exists to monitor subsequent exits; observability handled there
				m.ensureSupervisor(spec.Name)
			}
		}
	}
}

// StartReconciler starts a background loop that periodically calls ReconcileOnce.
func (m *Manager) StartReconciler(interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	m.mu.Lock()
	if m.reconStop != nil {
		m.mu.Unlock()
		return // already running
	}
	stop := make(chan struct{})
	m.reconStop = stop
	m.mu.Unlock()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.ReconcileOnce()
			case <-stop:
				return
			}
		}
	}()
}

// StopReconciler stops the background reconcile loop if running.
func (m *Manager) StopReconciler() {
	m.mu.Lock()
	ch := m.reconStop
	m.reconStop = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Shutdown stops reconciler and gracefully shuts down all handlers by sending CtrlShutdown
// and canceling their contexts to avoid goroutine leaks.
func (m *Manager) Shutdown() {
	// stop reconciler first to avoid new auto-starts during shutdown
	m.StopReconciler()
	if m.watch != nil {
		close(m.watchStop)
		_ = m.watch.Close()
	}
	if m.logs != nil {
		_ = m.logs.Close()
	}
	m.mu.Lock()
	entries := make(map[string]*procEntry, len(m.entries))
	for name, e := range m.entries {
		entries[name] = e
	}
	m.mu.Unlock()
	// cancel all supervisors first
	for _, e := range entries {
		if e != nil && e.sCancel != nil {
			e.sCancel()
			e.sCancel = nil
		}
	}
	// then send shutdown to each handler and cancel its context
	var wg sync.WaitGroup
	for _, e := range entries {
		if e == nil || e.h == nil {
			continue
		}
		reply := make(chan error, 1)
		select {
		case e.h.ctrl <- CtrlMsg{Type: CtrlShutdown, Reply: reply}:
			// sent
		default:
			// if channel is full, still attempt cancel to unblock run
		}
		if e.hCancel != nil {
			e.hCancel()
		}
		wg.Add(1)
		go func(r <-chan error) {
			defer wg.Done()
			select {
			case <-r:
			case <-time.After(2 * time.Second):
				// timeout; best-effort
			}
		}(reply)
	}
	wg.Wait()
}

// getSupervisor returns the supervisor for a process name.
func (m *Manager) getSupervisor(name string) *supervisor {
	m.mu.RLock()
	var s *supervisor
	if e := m.entries[name]; e != nil {
		s = e.s
	}
	m.mu.RUnlock()
	return s
}

// ensureSupervisor creates and runs a supervisor for the given process name if missing.
func (m *Manager) ensureSupervisor(name string) *supervisor {
	m.mu.Lock()
	e := m.entries[name]
	if e == nil {
		m.mu.Unlock()
		return nil
	}
	s := e.s
	if s == nil && e.h != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s = newSupervisor(ctx, e.h, m.recordStart, m.recordStop)
		e.s = s
		e.sCancel = cancel
		go s.Run()
	}
	m.mu.Unlock()
	return s
}
