package device

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionClosed is returned to a waiting command when the interactive
// process exits or the session is stopped underneath it.
var ErrSessionClosed = errors.New("device session closed")

// ConfigurationError reports a setup problem that retrying will not fix.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("device configuration: %s: %s", e.Field, e.Reason)
}

// ProcessError reports a device CLI that could not be spawned or exited non-zero.
// ExitCode is -1 when the process never ran.
type ProcessError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	if e.ExitCode < 0 {
		return fmt.Sprintf("device CLI %q failed to start: %v", e.Command, e.Err)
	}
	if detail == "" {
		return fmt.Sprintf("device CLI %q failed (%d)", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("device CLI %q failed (%d): %s", e.Command, e.ExitCode, detail)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// TimeoutError reports a command that produced no usable reply in time.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for reply to %q after %s", e.Command, e.After)
}

// ParseError reports output that held no JSON value, even after salvage.
type ParseError struct {
	Command string
	Output  string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("no JSON in output of %q: %v", e.Command, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
