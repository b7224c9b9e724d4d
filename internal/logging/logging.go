// Package logging provides global logging functions for meshclaw.
// Use dot import to access L_info, L_error, etc. directly.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Log levels
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// traceLevel sits below charmbracelet's debug level so trace output can be
// switched off while debug stays on.
const traceLevel = log.DebugLevel - 4

// Output formats
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
)

var (
	logger       *log.Logger
	deviceLogger *log.Logger
	once         sync.Once

	// Set on SIGINT/SIGTERM; background loops stop retrying once set
	shuttingDown int32
)

// LogOptions holds logging configuration
type LogOptions struct {
	Level      int
	Format     string // text (default), json or logfmt
	TimeFormat string
	ShowCaller bool
	Output     io.Writer // defaults to stderr
}

// DefaultLogOptions returns sensible defaults
func DefaultLogOptions() *LogOptions {
	return &LogOptions{
		Level:      LevelInfo,
		Format:     FormatText,
		TimeFormat: "15:04:05",
	}
}

// ParseLevel maps a level name from config to a Level constant.
// Unknown names fall back to info.
func ParseLevel(name string) int {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Init initializes the global logger. Only the first call takes effect.
func Init(cfg *LogOptions) {
	once.Do(func() {
		if cfg == nil {
			cfg = DefaultLogOptions()
		}
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}

		logger = log.NewWithOptions(out, log.Options{
			ReportTimestamp: true,
			TimeFormat:      cfg.TimeFormat,
			ReportCaller:    cfg.ShowCaller,
			CallerOffset:    1, // logMsg calls Log directly; skip only L_*
			Formatter:       formatter(cfg.Format),
		})

		styles := log.DefaultStyles()
		styles.Levels[traceLevel] = lipgloss.NewStyle().
			SetString("TRAC").
			Bold(true).
			MaxWidth(4).
			Foreground(lipgloss.Color("244"))
		logger.SetStyles(styles)
		setLevel(cfg.Level)

		// Device transcript lines are told apart by their prefix
		deviceLogger = logger.WithPrefix("device")
	})
}

func formatter(name string) log.Formatter {
	switch strings.ToLower(name) {
	case FormatJSON:
		return log.JSONFormatter
	case FormatLogfmt:
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

func ensureInit() {
	if logger == nil {
		Init(nil)
	}
}

func setLevel(level int) {
	var l log.Level
	switch level {
	case LevelTrace:
		l = traceLevel
	case LevelDebug:
		l = log.DebugLevel
	case LevelWarn:
		l = log.WarnLevel
	case LevelError, LevelFatal:
		l = log.ErrorLevel
	default:
		l = log.InfoLevel
	}
	logger.SetLevel(l)
	if deviceLogger != nil {
		deviceLogger.SetLevel(l)
	}
}

// hasFmtVerb reports whether s looks like a printf format.
func hasFmtVerb(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '%' && s[i+1] != '%' && strings.ContainsRune("vsdtfgeopqxXbcUT+#", rune(s[i+1])) {
			return true
		}
	}
	return false
}

// logMsg accepts three shapes:
//
//	L_info("message")
//	L_info("value is %d", 42)
//	L_info("loaded", "key", val, ...)
func logMsg(level log.Level, msg string, args ...interface{}) {
	ensureInit()

	if len(args) > 0 && hasFmtVerb(msg) {
		msg, args = fmt.Sprintf(msg, args...), nil
	}
	logger.Log(level, msg, args...)
	if level == log.FatalLevel {
		os.Exit(1)
	}
}

// L_trace logs at trace level, below debug
func L_trace(msg string, args ...interface{}) {
	logMsg(traceLevel, msg, args...)
}

// L_debug logs at debug level
func L_debug(msg string, args ...interface{}) {
	logMsg(log.DebugLevel, msg, args...)
}

// L_info logs at info level
func L_info(msg string, args ...interface{}) {
	logMsg(log.InfoLevel, msg, args...)
}

// L_warn logs at warn level
func L_warn(msg string, args ...interface{}) {
	logMsg(log.WarnLevel, msg, args...)
}

// L_error logs at error level
func L_error(msg string, args ...interface{}) {
	logMsg(log.ErrorLevel, msg, args...)
}

// L_fatal logs at fatal level and exits
func L_fatal(msg string, args ...interface{}) {
	logMsg(log.FatalLevel, msg, args...)
}

// L_device logs one line of device CLI output verbatim, at debug level.
func L_device(line string) {
	ensureInit()
	deviceLogger.Debug(line)
}

// SetLevel changes the log level at runtime
func SetLevel(level int) {
	ensureInit()
	setLevel(level)
}

// SetShuttingDown marks the process as shutting down
func SetShuttingDown() {
	atomic.StoreInt32(&shuttingDown, 1)
	L_info("meshclaw shutting down")
}

// IsShuttingDown returns true once SetShuttingDown was called
func IsShuttingDown() bool {
	return atomic.LoadInt32(&shuttingDown) == 1
}

// L_elapsed logs msg at info with the time since start appended.
func L_elapsed(start time.Time, msg string, args ...interface{}) {
	args = append(args, "elapsed", time.Since(start).Round(time.Millisecond).String())
	logMsg(log.InfoLevel, msg, args...)
}
