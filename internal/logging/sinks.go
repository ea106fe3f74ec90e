package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sink file names inside the config directory. Names and line shapes are
// read by existing admin clients through the get_logs RPC.
const (
	ForwardLog = "reenvios.log"
	ErrorLog   = "errores.log"
	TraceLog   = "procesamiento.log"
)

const timestampLayout = "2006-01-02 15:04:05"

// Sinks appends to the three plain-text log files. Files are opened in
// append mode per write so concurrent writers may interleave lines but can
// never truncate each other.
type Sinks struct {
	mu      sync.Mutex
	dir     string
	verbose func() bool
	now     func() time.Time
}

// NewSinks creates sinks rooted at dir. verbose gates the trace sink and is
// consulted on every write, so config changes apply immediately; nil means
// the trace sink stays off.
func NewSinks(dir string, verbose func() bool) *Sinks {
	if verbose == nil {
		verbose = func() bool { return false }
	}
	return &Sinks{dir: dir, verbose: verbose, now: time.Now}
}

// Forward records one successful forwarded delivery.
func (s *Sinks) Forward(subject, rule, recipient string) {
	s.append(ForwardLog, fmt.Sprintf("Asunto: %s | Regla: %s | Destinatario: %s", subject, rule, recipient))
}

// Error records an error line.
func (s *Sinks) Error(format string, args ...any) {
	s.append(ErrorLog, "ERROR: "+fmt.Sprintf(format, args...))
}

// Trace records a processing detail line when verbose logging is enabled.
func (s *Sinks) Trace(format string, args ...any) {
	if !s.verbose() {
		return
	}
	s.append(TraceLog, "DEBUG: "+fmt.Sprintf(format, args...))
}

func (s *Sinks) append(name, text string) {
	line := fmt.Sprintf("[%s] %s\n", s.now().Format(timestampLayout), text)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open log sink %s: %v\n", name, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "cannot write log sink %s: %v\n", name, err)
	}
}

// Lines returns the sink's content as lines with their trailing newline
// kept, matching what admin clients expect from get_logs. A missing file
// yields an empty slice.
func (s *Sinks) Lines(logType string) ([]string, error) {
	var name string
	switch logType {
	case "errores":
		name = ErrorLog
	case "procesamiento":
		name = TraceLog
	default:
		name = ForwardLog
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}
