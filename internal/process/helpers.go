package process

import (
	"errors"
	"fmt"
	"time"
)

func fmtErrorString(s string) error { return errors.New(s) }

// beforeStartError marks an exit observed while EnforceStartDuration was
// still waiting out the minimum up-time window, so retry callers can skip
// the backoff sleep between attempts (the process never even got going).
type beforeStartError struct {
	d time.Duration
}

func (e *beforeStartError) Error() string {
	return fmt.Sprintf("process exited before start duration %s", e.d)
}

func errBeforeStart(d time.Duration) error {
	return &beforeStartError{d: d}
}

// IsBeforeStartErr reports whether err was produced by EnforceStartDuration
// observing an exit before the minimum start duration elapsed.
func IsBeforeStartErr(err error) bool {
	var e *beforeStartError
	return errors.As(err, &e)
}
