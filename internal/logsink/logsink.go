package logsink

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Stream names one of a service's two output files.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Selection picks which streams a log read returns.
type Selection string

const (
	SelectStdout Selection = "stdout"
	SelectStderr Selection = "stderr"
	SelectBoth   Selection = "both"
)

const (
	DefaultTailLines = 100
	MaxTailLines     = 1000
)

const (
	msgNoLogs    = "No logs available"
	msgReadError = "Error reading log file"
)

var ErrUnsafeName = errors.New("unsafe service name")

// ParseSelection accepts stdout, stderr, both or empty (stderr).
func ParseSelection(s string) (Selection, error) {
	switch Selection(strings.ToLower(strings.TrimSpace(s))) {
	case SelectBoth:
		return SelectBoth, nil
	case SelectStdout:
		return SelectStdout, nil
	case "", SelectStderr:
		return SelectStderr, nil
	}
	return "", fmt.Errorf("invalid log type %q", s)
}

// Logs is the result of a tail read; a nil field was not selected.
type Logs struct {
	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`
}

// Sink owns <dir>/<service>.stdout.log and <dir>/<service>.stderr.log.
// Files are append-only and never rotated or truncated here.
type Sink struct {
	dir string
}

func New(dir string) *Sink { return &Sink{dir: dir} }

func (s *Sink) Dir() string { return s.dir }

// isSafeName validates service names to avoid path traversal when used in filenames.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(n string) bool {
	if n == "" || strings.Contains(n, "..") {
		return false
	}
	for _, r := range n {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// PathFor returns the deterministic file path for (name, stream).
func (s *Sink) PathFor(name string, stream Stream) (string, error) {
	if !isSafeName(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	if stream != Stdout && stream != Stderr {
		return "", fmt.Errorf("invalid stream %q", stream)
	}
	return filepath.Join(s.dir, name+"."+string(stream)+".log"), nil
}

// Open opens the stream for appending, creating the logs directory on demand.
// The caller owns the returned file and must close it after handing it to a child.
func (s *Sink) Open(name string, stream Stream) (*os.File, error) {
	p, err := s.PathFor(name, stream)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- p is built from a validated service name under the logs root
	return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// ClampLines bounds n to 1..MaxTailLines; n <= 0 means DefaultTailLines.
func ClampLines(n int) int {
	switch {
	case n <= 0:
		return DefaultTailLines
	case n > MaxTailLines:
		return MaxTailLines
	}
	return n
}

// Tail returns the last n lines of the stream. Problems are reported as a
// human-readable placeholder, never as an error.
func (s *Sink) Tail(name string, stream Stream, n int) string {
	p, err := s.PathFor(name, stream)
	if err != nil {
		return msgReadError
	}
	b, err := os.ReadFile(p) // #nosec G304 -- see Open
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "Log file not found: " + filepath.Base(p)
		}
		return msgReadError
	}
	if len(b) == 0 {
		return msgNoLogs
	}
	return lastLines(string(b), ClampLines(n))
}

// Size returns the current length of the stream file, 0 when it does not exist.
func (s *Sink) Size(name string, stream Stream) int64 {
	p, err := s.PathFor(name, stream)
	if err != nil {
		return 0
	}
	fi, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// Head returns at most max bytes of the stream starting at offset, or "" when unreadable.
func (s *Sink) Head(name string, stream Stream, offset int64, max int) string {
	p, err := s.PathFor(name, stream)
	if err != nil || max <= 0 {
		return ""
	}
	f, err := os.Open(p) // #nosec G304 -- see Open
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return ""
		}
	}
	b, _ := io.ReadAll(io.LimitReader(f, int64(max)))
	return string(b)
}

// Read tails the selected streams.
func (s *Sink) Read(name string, n int, sel Selection) (Logs, error) {
	if !isSafeName(name) {
		return Logs{}, fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	var out Logs
	if sel == SelectStdout || sel == SelectBoth {
		v := s.Tail(name, Stdout, n)
		out.Stdout = &v
	}
	if sel == SelectStderr || sel == SelectBoth {
		v := s.Tail(name, Stderr, n)
		out.Stderr = &v
	}
	return out, nil
}

func lastLines(content string, n int) string {
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "")
}
