package env

import (
	"os"
	"path/filepath"
	"strings"
)

// Var holds environment variables keyed by name.
type Var map[string]string

// Env composes the environment handed to builds and the supervised
// service. Layers apply in order: the OS environment (opt-in), env
// files, then explicit overrides. Values may reference ${VAR} from the
// composed set; expansion is a single pass, no recursion.
type Env struct {
	base Var // cached OS environment, nil until UseOS
	vars Var // file entries and overrides in apply order
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// UseOS caches the current process environment as the base layer.
func (e *Env) UseOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" {
				continue
			}
			base[k] = kv[i+1:]
		}
	}
	e.base = base
}

// LoadFile applies KEY=VALUE lines from a simple env file. Blank lines
// and lines starting with # are ignored; no export keyword, no quoting.
func (e *Env) LoadFile(path string) error {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			if k == "" {
				continue
			}
			e.vars[k] = strings.TrimSpace(line[i+1:])
		}
	}
	return nil
}

// Set applies one override.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	delete(e.vars, k)
}

// Apply applies "K=V" overrides in order. Entries without '=' or with an
// empty key are skipped.
func (e *Env) Apply(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
}

// Merge composes the final environment with extra applied last, then
// expands ${VAR} placeholders using the composed map. Returns the
// environment in "K=V" form.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" { // skip malformed entries with empty key
				continue
			}
			m[k] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

// expand replaces ${VAR} occurrences using the composed map. Unknown
// placeholders stay as written.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
