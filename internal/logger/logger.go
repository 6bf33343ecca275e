package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the daemon's own operational log. Managed
// processes' stdout/stderr are never rotated by size or time — the only
// trimming they get is an explicit flush command.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes log destinations for a single managed process. If
// StdoutPath/StderrPath are empty and Dir is set, files default to
// Dir/<name>-out.log and Dir/<name>-error.log.
type Config struct {
	Dir        string // base directory for logs
	StdoutPath string // explicit stdout path overrides Dir
	StderrPath string // explicit stderr path overrides Dir
}

// Paths resolves the stdout/stderr file paths for the named process
// without opening them, so callers that only need to read (tail, stream,
// flush) don't have to hold a Config's writers open.
func (c Config) Paths(name string) (stdout, stderr string) {
	stdout = c.StdoutPath
	stderr = c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s-out.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s-error.log", name))
	}
	return stdout, stderr
}

// Writers returns plain append-mode file writers for stdout/stderr of the
// named process. name may include an instance suffix (e.g. web-1). Unlike
// the daemon's own log, these are never rotated.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr := c.Paths(name)
	var outW, errW io.WriteCloser
	var err error
	if stdout != "" {
		if outW, err = openAppend(stdout); err != nil {
			return nil, nil, err
		}
	}
	if stderr != "" {
		if errW, err = openAppend(stderr); err != nil {
			_ = outW.Close()
			return nil, nil, err
		}
	}
	return outW, errW, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
}

// DaemonLogger returns a rotating writer for the daemon's own operational
// log — its own activity, not managed-process output, so the log-rotation
// non-goal does not apply to it.
func DaemonLogger(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAge:     DefaultMaxAgeDays,
		Compress:   true,
	}
}
