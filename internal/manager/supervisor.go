package manager

import (
	"context"
	"time"

	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/process"
	"github.com/procwatch/procwatch/internal/restartpolicy"
)

// supervisor observes one handler's process and applies policies (autorestart/backoff/metrics/history).
// It must be created and owned by Manager. It never accesses process directly except for
// read-only snapshots and monitor coordination hooks.
// All lifecycle operations (start/stop) are invoked via the handler's control channel.

type supervisor struct {
	h      *handler
	ctx    context.Context
	cancel context.CancelFunc
	// callbacks for history persistence (provided by Manager)
	recordStart func(*process.Process)
	recordStop  func(*process.Process, error)
	// internal: whether we've already observed the first run for this handler
	seenFirstRun bool
}

func newSupervisor(ctx context.Context, h *handler, recStart func(*process.Process), recStop func(*process.Process, error)) *supervisor {
	cctx, cancel := context.WithCancel(ctx)
	return &supervisor{h: h, ctx: cctx, cancel: cancel, recordStart: recStart, recordStop: recStop}
}

func (s *supervisor) Shutdown() { s.cancel() }

func (s *supervisor) Run() {
	// Track last observed run identity to attach waiter once per run.
	var lastPID int
	var lastStartedAt time.Time
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		st := s.h.Snapshot()
		alive, _ := s.h.proc.DetectAlive()
		if alive {
			if st.PID != 0 && (st.PID != lastPID || !st.StartedAt.Equal(lastStartedAt)) {
				// New run detected: attach waiter once.
				if s.h.proc.MonitoringStartIfNeeded() {
					go s.waitAndHandleExit()
					// Reaper subscribed: promote Pending to Running
					// (spec.md §3's "confirmed pid, reaper subscribed").
					s.h.proc.SetState("running")
					// Record start exactly once per run here (centralized observability, W4).
					name := s.h.Spec().Name
					metrics.IncStart(name)
					if d := s.h.Spec().StartDuration; d > 0 {
						metrics.ObserveStartDuration(name, d.Seconds())
					}
					if s.seenFirstRun {
						_ = s.h.proc.IncRestarts()
						metrics.IncRestart(name)
					} else {
						s.seenFirstRun = true
					}
					if s.recordStart != nil {
						s.recordStart(s.h.proc)
					}
				}
				lastPID, lastStartedAt = st.PID, st.StartedAt
			}
		} else {
			// Not alive. If AutoRestart desired and stop not requested, try to start.
			s.tryAutoStart()
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (s *supervisor) waitAndHandleExit() {
	// Ensure we wait on cmd.Wait and transition process state.
	cmd := s.h.proc.CopyCmd()
	var err error
	if cmd != nil {
		err = cmd.Wait()
	}
	s.h.proc.CloseWaitDone()
	s.h.proc.MarkExited(err)
	// Close any log writers now that the process has exited.
	s.h.proc.CloseWriters()
	s.h.proc.MonitoringStop()
	// Metrics and history for stop
	name := s.h.Spec().Name
	metrics.IncStop(name)
	if s.recordStop != nil {
		s.recordStop(s.h.proc, err)
	}
	// Decide on restart
	s.tryAutoStart()
}

// tryAutoStart consults the Restart Policy Engine (C6) on every exit and
// acts on its verdict: give up (mark Errored), restart after a backoff
// delay, or restart immediately. Each restart attempt itself still gets
// the spec's own spawn-failure retry budget (RetryCount/RetryInterval),
// a distinct concern from the crash-loop backoff computed here.
func (s *supervisor) tryAutoStart() {
	if s.h.StopRequested() {
		return
	}
	spec := s.h.Spec()
	if !spec.AutoRestart {
		return
	}

	now := time.Now()
	priorExits := s.h.RecordExit(now)
	restartCount := s.h.proc.Snapshot().Restarts
	policy := restartpolicy.DefaultPolicy(spec.MaxRestarts, spec.RestartWindow)
	if spec.RestartInterval > 0 {
		policy.Base = spec.RestartInterval
	}
	decision := restartpolicy.Decide(policy, restartpolicy.ReasonCrash, restartCount, priorExits, now)

	switch decision.Action {
	case restartpolicy.DoNothing:
		return
	case restartpolicy.GiveUp:
		s.h.proc.SetState("errored")
		return
	case restartpolicy.RestartAfter:
		t := time.NewTimer(decision.Delay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	case restartpolicy.RestartImmediately:
		// fall through to the attempt loop below without waiting
	}

	s.attemptStart(spec)
}

// attemptStart issues one restart attempt, honoring the spec's own
// spawn-failure retry budget (distinct from the crash-loop backoff above).
func (s *supervisor) attemptStart(spec process.Spec) {
	attempts := spec.RetryCount
	if attempts < 0 {
		attempts = 0
	}
	interval := spec.RetryInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for i := 0; i <= attempts; i++ {
		if s.h.StopRequested() || s.ctx.Err() != nil {
			return
		}
		reply := make(chan error, 1)
		s.h.ctrl <- CtrlMsg{Type: CtrlStart, Spec: spec, Reply: reply}
		err := <-reply
		if err == nil {
			// Successful start; observability is handled in Run() when the new run is observed.
			return
		}
		if i < attempts {
			if !process.IsBeforeStartErr(err) {
				time.Sleep(interval)
			}
			continue
		}
		return
	}
}
