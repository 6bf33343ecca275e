package process

import "time"

// Status mirrors process.Status to avoid import cycle; kept minimal for internal use.
type Status struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitErr    error     `json:"exit_error,omitempty"`
	DetectedBy string    `json:"detected_by"`
	Restarts   int       `json:"restarts"`
	State      string    `json:"state"` // State machine state: pending, running, stopped, crashed, errored

	// Group is the logical group this record was started under, if any.
	Group string `json:"group,omitempty"`
	// ListeningPorts is a best-effort, cache-refreshed list of TCP ports the
	// process appears to be listening on. Empty or stale on inspection
	// failure; never blocks or fails a status lookup.
	ListeningPorts []uint16 `json:"listening_ports,omitempty"`
}
