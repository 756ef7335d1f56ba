package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayOrderFileWins(t *testing.T) {
	e := New([]string{"A=1"}).
		Overlay(Var{"B": "2"}).
		Overlay(Var{"A": "99"})
	m := e.Map()
	assert.Equal(t, "99", m["A"])
	assert.Equal(t, "2", m["B"])
	assert.Equal(t, []string{"A=99", "B=2"}, e.List())
}

func TestUnsetOnlyAffectsBase(t *testing.T) {
	e := New([]string{"WERKZEUG_RUN_MAIN=true", "PATH=/bin"}).
		Unset("WERKZEUG_RUN_MAIN", "MISSING").
		Set("FLASK_ENV", "production")
	m := e.Map()
	_, ok := m["WERKZEUG_RUN_MAIN"]
	assert.False(t, ok)
	assert.Equal(t, "/bin", m["PATH"])
	assert.Equal(t, "production", m["FLASK_ENV"])

	// a later layer may still set a scrubbed key deliberately
	m = New([]string{"X=1"}).Unset("X").Set("X", "2").Map()
	assert.Equal(t, "2", m["X"])
}

func TestFromListSkipsMalformed(t *testing.T) {
	m := FromList([]string{"=nokey", "noequals", "K=v=w", "K2="})
	assert.Equal(t, Var{"K": "v=w", "K2": ""}, m)
}

func TestParse(t *testing.T) {
	src := `
# comment
FLASK_APP=run.py
export SERVICE_NAME="core"
SECRET='a b c'
EMPTY=
  SPACED = value
QUOTED_HALF="oops
notapair
`
	m, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, Var{
		"FLASK_APP":    "run.py",
		"SERVICE_NAME": "core",
		"SECRET":       "a b c",
		"EMPTY":        "",
		"SPACED":       "value",
		"QUOTED_HALF":  `"oops`,
	}, m)
}

func TestParseFileMissingIsEmpty(t *testing.T) {
	m, err := ParseFile(filepath.Join(t.TempDir(), ".flaskenv"))
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestParseFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".flaskenv")
	require.NoError(t, os.WriteFile(p, []byte("A=99\n"), 0o600))
	m, err := ParseFile(p)
	require.NoError(t, err)
	assert.Equal(t, "99", m["A"])
}
