package logsink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLines(t *testing.T, s *Sink, name string, stream Stream, lines ...string) {
	t.Helper()
	f, err := s.Open(name, stream)
	require.NoError(t, err)
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func TestPathFor(t *testing.T) {
	s := New("/var/log/helmd")
	p, err := s.PathFor("core", Stdout)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/log/helmd", "core.stdout.log"), p)

	_, err = s.PathFor("../etc", Stdout)
	assert.True(t, errors.Is(err, ErrUnsafeName))
	_, err = s.PathFor("core", Stream("stdin"))
	require.Error(t, err)
}

func TestOpenCreatesDirAndAppends(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	s := New(dir)
	writeLines(t, s, "core", Stdout, "one")
	writeLines(t, s, "core", Stdout, "two")

	b, err := os.ReadFile(filepath.Join(dir, "core.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))
}

func TestTailShortFileReturnsAllLines(t *testing.T) {
	s := New(t.TempDir())
	writeLines(t, s, "core", Stderr, "a", "b", "c")
	assert.Equal(t, "a\nb\nc\n", s.Tail("core", Stderr, 5))
}

func TestTailLastN(t *testing.T) {
	s := New(t.TempDir())
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf("line-%d", i))
	}
	writeLines(t, s, "core", Stdout, lines...)
	assert.Equal(t, "line-18\nline-19\n", s.Tail("core", Stdout, 2))
}

func TestTailWithoutTrailingNewline(t *testing.T) {
	s := New(t.TempDir())
	f, err := s.Open("core", Stdout)
	require.NoError(t, err)
	_, _ = f.WriteString("x\ny")
	require.NoError(t, f.Close())
	assert.Equal(t, "y", s.Tail("core", Stdout, 1))
}

func TestTailPlaceholders(t *testing.T) {
	s := New(t.TempDir())
	missing := s.Tail("ghost", Stdout, 10)
	assert.True(t, strings.HasPrefix(missing, "Log file not found"))
	assert.NotContains(t, missing, s.Dir(), "placeholder must not leak the logs root")

	f, err := s.Open("empty", Stdout)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, msgNoLogs, s.Tail("empty", Stdout, 10))
}

func TestClampLines(t *testing.T) {
	assert.Equal(t, DefaultTailLines, ClampLines(0))
	assert.Equal(t, DefaultTailLines, ClampLines(-3))
	assert.Equal(t, 7, ClampLines(7))
	assert.Equal(t, MaxTailLines, ClampLines(1_000_000))
}

func TestHeadIsBounded(t *testing.T) {
	s := New(t.TempDir())
	writeLines(t, s, "core", Stderr, strings.Repeat("x", 2000))
	assert.Len(t, s.Head("core", Stderr, 0, 500), 500)
	assert.Equal(t, "", s.Head("missing", Stderr, 0, 500))
}

func TestHeadFromOffset(t *testing.T) {
	s := New(t.TempDir())
	writeLines(t, s, "core", Stderr, "old run")
	off := s.Size("core", Stderr)
	require.Positive(t, off)
	writeLines(t, s, "core", Stderr, "boom")
	assert.Equal(t, "boom\n", s.Head("core", Stderr, off, 500))
	assert.Zero(t, s.Size("missing", Stderr))
}

func TestReadSelection(t *testing.T) {
	s := New(t.TempDir())
	writeLines(t, s, "core", Stdout, "out")
	writeLines(t, s, "core", Stderr, "err")

	l, err := s.Read("core", 10, SelectStdout)
	require.NoError(t, err)
	require.NotNil(t, l.Stdout)
	assert.Nil(t, l.Stderr)
	assert.Equal(t, "out\n", *l.Stdout)

	l, err = s.Read("core", 10, SelectBoth)
	require.NoError(t, err)
	require.NotNil(t, l.Stdout)
	require.NotNil(t, l.Stderr)
	assert.Equal(t, "err\n", *l.Stderr)

	_, err = s.Read("a/b", 10, SelectBoth)
	require.Error(t, err)
}

func TestParseSelection(t *testing.T) {
	for in, want := range map[string]Selection{"": SelectStderr, "BOTH": SelectBoth, "stdout": SelectStdout, "stderr": SelectStderr} {
		got, err := ParseSelection(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSelection("all")
	require.Error(t, err)
}
