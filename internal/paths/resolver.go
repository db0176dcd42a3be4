// Package paths resolves the filesystem references found in mcphost
// configuration. A reference may start with a named prefix
// ("projects:api"), a leading ~, or be relative to the config file.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to directories and anchors relative
// paths at a base directory. It is nil-safe: a nil *Resolver only
// expands a leading ~.
type Resolver struct {
	base     string
	prefixes map[string]string // "projects:" -> "/home/me/src"
	sorted   []string          // prefixes sorted by descending length
}

// New creates a Resolver. base anchors relative paths, usually the
// directory holding the config file; empty leaves them relative.
// Prefix keys are names without the trailing colon. Prefix directories
// are themselves expanded and anchored at construction time.
func New(base string, prefixes map[string]string) *Resolver {
	r := &Resolver{
		base:     ExpandHome(base),
		prefixes: make(map[string]string, len(prefixes)),
		sorted:   make([]string, 0, len(prefixes)),
	}
	for name, dir := range prefixes {
		key := strings.TrimSuffix(name, ":") + ":"
		r.prefixes[key] = r.anchor(ExpandHome(dir))
		r.sorted = append(r.sorted, key)
	}
	// Longer prefixes first, so "proj:" cannot steal "projects:".
	sort.Slice(r.sorted, func(i, j int) bool {
		if len(r.sorted[i]) != len(r.sorted[j]) {
			return len(r.sorted[i]) > len(r.sorted[j])
		}
		return r.sorted[i] < r.sorted[j]
	})
	return r
}

// Resolve expands path. A registered prefix is replaced by its
// directory (a bare prefix names the directory itself), a leading ~ by
// the home directory, and what remains relative is joined to the base.
// The empty string stays empty.
func (r *Resolver) Resolve(path string) string {
	if path == "" {
		return ""
	}
	if r == nil {
		return ExpandHome(path)
	}
	for _, prefix := range r.sorted {
		if rel, ok := strings.CutPrefix(path, prefix); ok {
			if rel == "" {
				return r.prefixes[prefix]
			}
			return filepath.Join(r.prefixes[prefix], rel)
		}
	}
	return r.anchor(ExpandHome(path))
}

// ResolveAll resolves every element of paths into a new slice.
func (r *Resolver) ResolveAll(paths []string) []string {
	if paths == nil {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = r.Resolve(p)
	}
	return out
}

// HasPrefix reports whether path starts with a registered prefix.
func (r *Resolver) HasPrefix(path string) bool {
	if r == nil {
		return false
	}
	for _, prefix := range r.sorted {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Prefixes returns the registered prefix names sorted alphabetically,
// without trailing colons.
func (r *Resolver) Prefixes() []string {
	if r == nil || len(r.prefixes) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.prefixes))
	for prefix := range r.prefixes {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

func (r *Resolver) anchor(path string) string {
	if r.base == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.base, path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
// Other paths, including ~user forms, are returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
