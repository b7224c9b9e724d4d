package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// interactiveCLI echoes a banner, then answers commands. `infos` replies
// with JSON surrounded by chat lines; `quit` exits at once and `die` exits
// after a pause. `target` reports the -t argument.
const interactiveCLI = `
echo "interactive mode, line starting with \"$\" to send to shell"
while IFS= read -r line; do
  case "$line" in
    infos)
      echo "Alice (D): before the reply"
      echo '{"name": "node",'
      echo ' "tx_power": 20}'
      echo "Bob (D): after the reply"
      ;;
    slow)
      sleep 0.3
      echo "Carol (D): still waiting"
      sleep 0.3
      echo '[1, 2, 3]'
      ;;
    quiet)
      ;;
    quit)
      exit 0
      ;;
    die)
      sleep 0.5
      exit 1
      ;;
    second)
      echo '{"ok": 2}'
      ;;
    target)
      echo "{\"target\": \"$2\"}"
      ;;
    *)
      echo "ok $line"
      printf 'node\360\237\255\250\n'
      ;;
  esac
done
`

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) contains(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func newTestSession(t *testing.T, rec *lineRecorder) *Session {
	t.Helper()
	opts := Options{
		Binary: writeScript(t, interactiveCLI),
		Target: "/dev/fake",
	}
	if rec != nil {
		opts.OnLine = rec.add
	}
	s := NewSession(opts)
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestStartWithoutTarget(t *testing.T) {
	s := NewSession(Options{Binary: "/bin/true"})

	err := s.Start()
	if !IsConfiguration(err) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if s.IsAlive() {
		t.Error("session should not be alive")
	}
	if s.State() != StateStopped {
		t.Errorf("state: got %v, want stopped", s.State())
	}
}

func TestLifecycle(t *testing.T) {
	s := NewSession(Options{Binary: writeScript(t, interactiveCLI)})
	t.Cleanup(func() { s.Stop() })

	if err := s.EnsureStarted(); !IsConfiguration(err) {
		t.Fatalf("expected ConfigurationError before target is set, got %v", err)
	}

	s.SetTarget("/dev/fake")
	if err := s.EnsureStarted(); err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if !s.IsAlive() {
		t.Fatal("session should be alive after EnsureStarted")
	}
	if err := s.EnsureStarted(); err != nil {
		t.Fatalf("second EnsureStarted: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsAlive() {
		t.Error("session should not be alive after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state: got %v, want stopped", s.State())
	}
}

func TestRunJSONCommandWithInterleavedChat(t *testing.T) {
	rec := &lineRecorder{}
	s := newTestSession(t, rec)

	v, err := s.RunJSONCommand(context.Background(), "infos", 3*time.Second)
	if err != nil {
		t.Fatalf("RunJSONCommand: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", v)
	}
	if obj["name"] != "node" {
		t.Errorf("name: got %v, want node", obj["name"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for !rec.contains("Alice (D): before the reply") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !rec.contains("Alice (D): before the reply") {
		t.Error("line handler did not see the chat line")
	}
}

func TestRunJSONCommandWaitsForLateReply(t *testing.T) {
	s := newTestSession(t, nil)

	v, err := s.RunJSONCommand(context.Background(), "slow", 3*time.Second)
	if err != nil {
		t.Fatalf("RunJSONCommand: %v", err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("expected 3-element array, got %#v", v)
	}
}

func TestRunJSONCommandTimeout(t *testing.T) {
	s := newTestSession(t, nil)

	started := time.Now()
	_, err := s.RunJSONCommand(context.Background(), "quiet", 300*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestRunJSONCommandFailsFastOnExit(t *testing.T) {
	s := newTestSession(t, nil)

	started := time.Now()
	_, err := s.RunJSONCommand(context.Background(), "quit", 10*time.Second)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Errorf("closed session was not detected promptly: %v", elapsed)
	}

	// The next command restarts the process transparently
	if _, err := s.RunJSONCommand(context.Background(), "infos", 3*time.Second); err != nil {
		t.Fatalf("RunJSONCommand after restart: %v", err)
	}
}

func TestQueuedCommandRestartsDeadSession(t *testing.T) {
	s := newTestSession(t, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := make(chan error, 1)
	go func() {
		_, err := s.RunJSONCommand(context.Background(), "die", 5*time.Second)
		first <- err
	}()
	// Let the first command take the command lock before queueing
	time.Sleep(150 * time.Millisecond)

	v, err := s.RunJSONCommand(context.Background(), "second", 5*time.Second)
	if err != nil {
		t.Fatalf("queued command: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok || obj["ok"] != float64(2) {
		t.Fatalf(`expected {"ok": 2}, got %#v`, v)
	}

	if err := <-first; !errors.Is(err, ErrSessionClosed) {
		t.Errorf("first command: expected ErrSessionClosed, got %v", err)
	}
	if !s.IsAlive() {
		t.Error("session should be alive after the queued command")
	}
}

func TestRestartUsesNewTarget(t *testing.T) {
	s := newTestSession(t, nil)

	v, err := s.RunJSONCommand(context.Background(), "target", 3*time.Second)
	if err != nil {
		t.Fatalf("RunJSONCommand: %v", err)
	}
	if got := v.(map[string]any)["target"]; got != "/dev/fake" {
		t.Fatalf("target: got %v, want /dev/fake", got)
	}

	s.SetTarget("/dev/other")
	v, err = s.RunJSONCommand(context.Background(), "target", 3*time.Second)
	if err != nil {
		t.Fatalf("RunJSONCommand: %v", err)
	}
	if got := v.(map[string]any)["target"]; got != "/dev/fake" {
		t.Errorf("running process should keep its target, got %v", got)
	}

	if err := s.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	v, err = s.RunJSONCommand(context.Background(), "target", 3*time.Second)
	if err != nil {
		t.Fatalf("RunJSONCommand after restart: %v", err)
	}
	if got := v.(map[string]any)["target"]; got != "/dev/other" {
		t.Errorf("target after restart: got %v, want /dev/other", got)
	}
}

func TestRunTextCommandWaitsForPrompt(t *testing.T) {
	s := newTestSession(t, nil)

	out, err := s.RunTextCommand(context.Background(), "hello", TextOptions{
		Dwell:         100 * time.Millisecond,
		MaxWait:       3 * time.Second,
		WaitForPrompt: true,
	})
	if err != nil {
		t.Fatalf("RunTextCommand: %v", err)
	}
	if !strings.Contains(out, "ok hello") {
		t.Errorf("output missing reply: %q", out)
	}
	if !HasPrompt(out) {
		t.Errorf("output missing prompt: %q", out)
	}
}

func TestRunTextCommandMaxWait(t *testing.T) {
	s := newTestSession(t, nil)

	started := time.Now()
	_, err := s.RunTextCommand(context.Background(), "quiet", TextOptions{
		Dwell:         50 * time.Millisecond,
		MaxWait:       400 * time.Millisecond,
		WaitForPrompt: true,
	})
	if err != nil {
		t.Fatalf("RunTextCommand: %v", err)
	}
	if elapsed := time.Since(started); elapsed < 400*time.Millisecond {
		t.Errorf("returned before maxWait without a prompt: %v", elapsed)
	}
}

func TestTerminalEnvKeepsExisting(t *testing.T) {
	env := terminalEnv([]string{"TERM=vt100", "HOME=/root"}, 120, 40, "xterm-256color")

	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "TERM=vt100") || strings.Contains(joined, "TERM=xterm-256color") {
		t.Errorf("existing TERM overridden: %v", env)
	}
	if !strings.Contains(joined, "COLUMNS=120") || !strings.Contains(joined, "LINES=40") {
		t.Errorf("size hints missing: %v", env)
	}
}
