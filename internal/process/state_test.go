package process

import (
	"testing"
)

// TestNewStartsPending covers the state machine's initial state: a record
// exists but no spawn has been issued.
func TestNewStartsPending(t *testing.T) {
	p := New(Spec{Name: "state-new", Command: "true"})
	if got := p.Snapshot().State; got != "pending" {
		t.Fatalf("expected new process state pending, got %q", got)
	}
}

// TestSetStartedIsPendingUntilConfirmed matches spec's "Pending means spawn
// issued, not yet confirmed" — SetStarted alone must not jump straight to
// Running; only the supervisor's own SetState("running") call, once its
// reaper is attached, does that (exercised in internal/manager).
func TestSetStartedIsPendingUntilConfirmed(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "state-started", Command: "sleep 0.2"})
	cmd := p.ConfigureCmd(nil)
	if err := p.TryStart(cmd); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	defer func() { _ = p.Kill() }()

	got := p.Snapshot().State
	if got != "pending" {
		t.Fatalf("expected pending immediately after spawn, got %q", got)
	}
}

// TestMarkExitedAfterStopIsStopped matches spec's "Stopped means terminated
// by user request": a Stop-requested exit must land in Stopped, never
// Crashed, regardless of how the exit is observed.
func TestMarkExitedAfterStopIsStopped(t *testing.T) {
	p := New(Spec{Name: "state-stopped", Command: "true"})
	p.SetStopRequested(true)
	p.MarkExited(nil)

	if got := p.Snapshot().State; got != "stopped" {
		t.Fatalf("expected stopped after a user-requested exit, got %q", got)
	}
}

// TestMarkExitedWithoutStopIsCrashed matches spec's "Crashed means exited
// without user request, eligible for auto-restart".
func TestMarkExitedWithoutStopIsCrashed(t *testing.T) {
	p := New(Spec{Name: "state-crashed", Command: "true"})
	p.MarkExited(nil)

	if got := p.Snapshot().State; got != "crashed" {
		t.Fatalf("expected crashed after an unrequested exit, got %q", got)
	}
}

// TestSetStateErroredIsExplicit covers the terminal Errored state, set only
// by the restart policy engine's GiveUp verdict (internal/manager's
// supervisor), never by Process itself.
func TestSetStateErroredIsExplicit(t *testing.T) {
	p := New(Spec{Name: "state-errored", Command: "true"})
	p.MarkExited(nil)
	p.SetState("errored")

	if got := p.Snapshot().State; got != "errored" {
		t.Fatalf("expected errored, got %q", got)
	}
}

// TestRestartAfterStopReturnsToPending matches "from Stopped/Crashed a
// restart transitions back to Pending": a fresh SetStarted call after a
// recorded exit must reset state to pending, not linger on the old value.
func TestRestartAfterStopReturnsToPending(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "state-restart", Command: "sleep 0.2"})
	p.SetStopRequested(true)
	p.MarkExited(nil)
	if got := p.Snapshot().State; got != "stopped" {
		t.Fatalf("precondition: expected stopped, got %q", got)
	}

	cmd := p.ConfigureCmd(nil)
	if err := p.TryStart(cmd); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	defer func() { _ = p.Kill() }()

	if got := p.Snapshot().State; got != "pending" {
		t.Fatalf("expected pending after restart, got %q", got)
	}
}
