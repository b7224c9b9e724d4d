package device

import (
	"context"
	"time"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
)

const (
	defaultJSONTimeout = 5 * time.Second
	defaultDwell       = 500 * time.Millisecond
	defaultMaxWait     = 3 * time.Second
	pollInterval       = 100 * time.Millisecond
)

// TextOptions controls when RunTextCommand considers a reply complete.
type TextOptions struct {
	Dwell         time.Duration // Quiet period with no new output
	MaxWait       time.Duration // Overall cap
	WaitForPrompt bool          // Also require a prompt line before returning early
}

// DefaultTextOptions returns the usual quiescence settings.
func DefaultTextOptions() TextOptions {
	return TextOptions{Dwell: defaultDwell, MaxWait: defaultMaxWait, WaitForPrompt: true}
}

func (o TextOptions) withDefaults() TextOptions {
	if o.Dwell <= 0 {
		o.Dwell = defaultDwell
	}
	if o.MaxWait <= 0 {
		o.MaxWait = defaultMaxWait
	}
	return o
}

// TextDefaults returns the session's configured text options.
func (s *Session) TextDefaults() TextOptions {
	return s.opts.Text
}

// RunJSONCommand writes line and waits for a JSON object or array to appear
// in the output that follows it. The whole post-command transcript is
// rescanned on every change so interleaved chat never hides the reply.
// A timeout <= 0 uses the session default.
func (s *Session) RunJSONCommand(ctx context.Context, line string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = s.opts.JSONTimeout
	}
	// Checked under cmdMu: the command ahead may have taken the CLI down
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.EnsureStarted(); err != nil {
		return nil, err
	}
	release := s.buf.Hold()
	defer release()
	defer metrics.MetricStartAuto("session", "json")()

	start := s.buf.Len()
	p, err := s.write(line)
	if err != nil {
		metrics.MetricFailWithReason("session", "json", err.Error())
		return nil, err
	}
	L_debug("session: json command sent", "command", line)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		segment, _, changed := s.buf.Since(start)
		if v, ok := ExtractJSON(segment); ok {
			metrics.MetricSuccess("session", "json")
			return v, nil
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-p.done:
			// Output may have landed just before exit
			segment, _, _ = s.buf.Since(start)
			if v, ok := ExtractJSON(segment); ok {
				metrics.MetricSuccess("session", "json")
				return v, nil
			}
			metrics.MetricFailWithReason("session", "json", "closed")
			return nil, ErrSessionClosed
		case <-ctx.Done():
			metrics.MetricFailWithReason("session", "json", "cancelled")
			return nil, ctx.Err()
		case <-deadline.C:
			metrics.MetricFailWithReason("session", "json", "timeout")
			L_warn("session: json command timed out", "command", line, "after", timeout)
			return nil, &TimeoutError{Command: line, After: timeout}
		}
	}
}

// RunTextCommand writes line and returns the text produced after it once
// output has been quiet for Dwell (and, if WaitForPrompt, a prompt has been
// seen since the write), or MaxWait elapses. Hitting MaxWait is not an error.
func (s *Session) RunTextCommand(ctx context.Context, line string, opts TextOptions) (string, error) {
	opts = opts.withDefaults()
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.EnsureStarted(); err != nil {
		return "", err
	}
	release := s.buf.Hold()
	defer release()
	defer metrics.MetricStartAuto("session", "text")()

	start := s.buf.Len()
	p, err := s.write(line)
	if err != nil {
		metrics.MetricFailWithReason("session", "text", err.Error())
		return "", err
	}
	L_debug("session: text command sent", "command", line)

	maxWait := time.NewTimer(opts.MaxWait)
	defer maxWait.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastSize := start
	lastChange := time.Now()
	sawPrompt := false

	for {
		segment, size, changed := s.buf.Since(start)
		now := time.Now()
		if size != lastSize {
			lastSize = size
			lastChange = now
			if opts.WaitForPrompt && !sawPrompt {
				sawPrompt = HasPrompt(segment)
			}
		} else if (!opts.WaitForPrompt || sawPrompt) && now.Sub(lastChange) >= opts.Dwell {
			metrics.MetricSuccess("session", "text")
			return segment, nil
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-p.done:
			segment, _, _ = s.buf.Since(start)
			metrics.MetricFailWithReason("session", "text", "closed")
			return segment, ErrSessionClosed
		case <-ctx.Done():
			segment, _, _ = s.buf.Since(start)
			return segment, ctx.Err()
		case <-maxWait.C:
			segment, _, _ = s.buf.Since(start)
			metrics.MetricInc("session", "text_maxwait")
			return segment, nil
		}
	}
}
