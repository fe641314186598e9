// Package env composes the environment handed to the adapter process:
// the OS environment, then .env files, then explicit KEY=VALUE overrides,
// with ${VAR} references expanded against the composed set.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	vars Var
}

func New() *Env { return &Env{vars: make(Var)} }

// FromOS starts from the current process environment.
func FromOS() *Env {
	e := New()
	e.Apply(os.Environ())
	return e
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

func (e *Env) Get(k string) (string, bool) {
	v, ok := e.vars[k]
	return v, ok
}

// Apply sets every "K=V" entry; malformed entries and empty keys are skipped.
func (e *Env) Apply(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
}

// LoadFile applies a simple .env file: KEY=VALUE lines, # comments, no quoting.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			e.Set(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
		}
	}
	return nil
}

// List returns the environment as sorted "K=V" pairs with one pass of
// ${VAR} expansion (no recursion).
func (e *Env) List() []string {
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, k+"="+e.expand(v))
	}
	sort.Strings(out)
	return out
}

func (e *Env) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return e.vars[k] })
}

// Compose builds the adapter environment. It returns nil when there is
// nothing to add, meaning "inherit the parent environment".
func Compose(files, overrides []string) ([]string, error) {
	if len(files) == 0 && len(overrides) == 0 {
		return nil, nil
	}
	e := FromOS()
	for _, f := range files {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	e.Apply(overrides)
	return e.List(), nil
}
