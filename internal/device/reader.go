package device

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
)

const (
	readChunk   = 4096
	readBackoff = 100 * time.Millisecond
	maxPartial  = 64 * 1024 // Flush an unterminated line past this size
)

// Clean strips terminal control sequences and invalid UTF-8 from raw output.
func Clean(raw string) string {
	return strings.ToValidUTF8(ansi.Strip(raw), "")
}

// readLoop drains the PTY for one process. It runs until the PTY is closed
// or the child has exited; read errors back off and retry.
func (s *Session) readLoop(p *process) {
	defer p.reading.Store(false)
	defer func() {
		if r := recover(); r != nil {
			L_error("session: reader panic", "panic", r)
		}
	}()

	chunk := make([]byte, readChunk)
	var partial []byte

	for {
		n, err := p.ptmx.Read(chunk)
		if n > 0 {
			partial = s.consume(append(partial, chunk[:n]...))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrClosed) {
			return
		}
		// EIO once the child closes its side; keep trying until reaped
		if p.exited() {
			if len(partial) > 0 {
				s.consume(append(partial, '\n'))
			}
			return
		}
		L_trace("session: read error, backing off", "error", err)
		time.Sleep(readBackoff)
	}
}

// consume publishes the complete lines in data and returns the trailing
// partial line.
func (s *Session) consume(data []byte) []byte {
	idx := bytes.LastIndexByte(data, '\n')
	if idx < 0 {
		if len(data) < maxPartial {
			return data
		}
		idx = len(data) - 1
	}

	cleaned := Clean(string(data[:idx+1]))
	rest := append([]byte(nil), data[idx+1:]...)

	s.buf.Append(cleaned)

	for _, line := range strings.Split(strings.TrimSuffix(cleaned, "\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.recent.Write(line)
		L_device(strings.TrimRightFunc(line, isSpace))
		s.dispatch(line)
	}
	return rest
}

// dispatch hands a line to the configured handler. Handler faults are
// logged and never stop the reader.
func (s *Session) dispatch(line string) {
	if s.opts.OnLine == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.MetricFailWithReason("session", "line_handler", "panic")
			L_error("session: line handler panic", "panic", r)
		}
	}()
	s.opts.OnLine(line)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n'
}
