package env

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// FromList converts "K=V" pairs into a Var. Entries with an empty key are skipped;
// later duplicates win.
func FromList(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// Env composes a child environment from a base plus ordered overlays.
// Layers apply in the order they were added, so the last one wins on conflicts
// and unrelated keys from every layer survive.
type Env struct {
	base   Var
	unset  []string
	layers []Var
}

// New starts from base, typically os.Environ().
func New(base []string) *Env {
	return &Env{base: FromList(base)}
}

// FromOS starts from the current process environment.
func FromOS() *Env { return New(os.Environ()) }

// Unset removes inherited keys from the base before any overlay is applied.
func (e *Env) Unset(keys ...string) *Env {
	e.unset = append(e.unset, keys...)
	return e
}

// Overlay appends a layer. A nil or empty layer is a no-op.
func (e *Env) Overlay(v Var) *Env {
	if len(v) > 0 {
		e.layers = append(e.layers, v)
	}
	return e
}

// Set overlays a single key.
func (e *Env) Set(k, v string) *Env {
	if k == "" {
		return e
	}
	return e.Overlay(Var{k: v})
}

// Map returns the composed environment.
func (e *Env) Map() Var {
	m := make(Var, len(e.base))
	for k, v := range e.base {
		m[k] = v
	}
	for _, k := range e.unset {
		delete(m, k)
	}
	for _, l := range e.layers {
		for k, v := range l {
			if k == "" {
				continue
			}
			m[k] = v
		}
	}
	return m
}

// List returns the composed environment as sorted "K=V" pairs for exec.Cmd.Env.
func (e *Env) List() []string {
	m := e.Map()
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Parse reads KEY=VALUE lines. Blank lines and '#' comments are ignored,
// an optional "export " prefix is accepted, and one pair of matching
// surrounding quotes is stripped from the value.
func Parse(r io.Reader) (Var, error) {
	m := make(Var)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		m[k] = unquote(strings.TrimSpace(v))
	}
	return m, sc.Err()
}

// ParseFile parses path. A missing file is not an error and yields an empty Var.
func ParseFile(path string) (Var, error) {
	f, err := os.Open(path) // #nosec G304 -- path is the configured override file inside the service directory
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Var{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
