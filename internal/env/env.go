// Package env composes the environment handed to supervised servers.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env layers an optional OS environment, global pairs and per-server pairs.
// Later layers override earlier ones.
type Env struct {
	base   map[string]string
	global map[string]string
}

// New returns an Env. When useOS is true the current process environment is
// captured as the base layer.
func New(useOS bool, global []string) *Env {
	e := &Env{base: map[string]string{}, global: Parse(global)}
	if useOS {
		e.base = Parse(os.Environ())
	}
	return e
}

// Set overrides a global variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

// Merge returns the final KEY=VALUE list for a server, sorted by key.
// ${VAR} references are expanded once against the merged set.
func (e *Env) Merge(perServer []string) []string {
	m := make(map[string]string, len(e.base)+len(e.global)+len(perServer))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range Parse(perServer) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse converts KEY=VALUE entries into a map. Entries without '=' or with
// an empty key are ignored.
func Parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// LoadFile reads a .env style file. Blank lines and # comments are skipped.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		k := strings.TrimSpace(line[:i])
		v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		out = append(out, k+"="+v)
	}
	return out, sc.Err()
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
