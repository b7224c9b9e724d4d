package device

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
)

const (
	defaultCommandTimeout = 30 * time.Second
	waitDelay             = time.Second // Grace for grandchildren holding stdout after a kill
)

// OutputHandler receives every captured stdout of a one-shot run.
type OutputHandler func(stdout string)

// RunnerOptions configures one-shot invocations.
type RunnerOptions struct {
	Binary   string
	Target   string
	Timeout  time.Duration // Per-process timeout (default: 30s)
	OnOutput OutputHandler // Called with stdout, success or not
}

// Runner spawns a fresh, non-interactive device CLI per call. Calls are
// independent processes and safe to run concurrently.
type Runner struct {
	opts RunnerOptions

	mu     sync.RWMutex
	target string
}

// NewRunner creates a one-shot runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Binary == "" {
		opts.Binary = "meshcore-cli"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCommandTimeout
	}
	return &Runner{opts: opts, target: opts.Target}
}

// SetTarget changes the device target for subsequent calls. Runs already
// in flight keep their target.
func (r *Runner) SetTarget(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
}

// Target returns the current device target.
func (r *Runner) Target() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// RunJSON runs `<binary> -t <target> -j <args...>` and decodes stdout.
func (r *Runner) RunJSON(ctx context.Context, args ...string) (any, string, error) {
	stdout, err := r.run(ctx, true, args)
	if err != nil {
		return nil, stdout, err
	}
	v, err := ParseOutput(stdout)
	if err != nil {
		metrics.MetricFailWithReason("runner", "parse", strings.Join(args, " "))
		return nil, stdout, &ParseError{Command: strings.Join(args, " "), Output: stdout, Err: err}
	}
	return v, stdout, nil
}

// RunText runs the command without the JSON flag and returns raw stdout.
func (r *Runner) RunText(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, false, args)
}

func (r *Runner) run(ctx context.Context, jsonOutput bool, args []string) (string, error) {
	target := strings.TrimSpace(r.Target())
	if target == "" {
		return "", &ConfigurationError{Field: "device.target", Reason: "no device target configured"}
	}

	argv := []string{"-t", target}
	if jsonOutput {
		argv = append(argv, "-j")
	}
	argv = append(argv, args...)
	command := strings.Join(args, " ")

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.opts.Binary, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	started := time.Now()
	err := cmd.Run()
	metrics.MetricDuration("runner", "exec", time.Since(started))

	out := Clean(stdout.String())
	r.handleOutput(out)

	if err == nil {
		metrics.MetricSuccess("runner", "exec")
		L_debug("runner: command finished", "command", command, "elapsed", time.Since(started).Round(time.Millisecond))
		return out, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.MetricFailWithReason("runner", "exec", "timeout")
		return out, &TimeoutError{Command: command, After: r.opts.Timeout}
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	metrics.MetricFailWithReason("runner", "exec", command)
	L_debug("runner: command failed", "command", command, "exitCode", exitCode, "error", err)
	return out, &ProcessError{
		Command:  command,
		ExitCode: exitCode,
		Stdout:   out,
		Stderr:   stderr.String(),
		Err:      err,
	}
}

func (r *Runner) handleOutput(stdout string) {
	if r.opts.OnOutput == nil || stdout == "" {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			L_error("runner: output handler panic", "panic", rec)
		}
	}()
	r.opts.OnOutput(stdout)
}
