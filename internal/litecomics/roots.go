package litecomics

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RootMapping is the immutable name <-> absolute path table built once at startup.
// It is safe for concurrent use without locking.
type RootMapping struct {
	order      []string
	nameToPath map[string]string
	pathToName map[string]string
}

// Root is one entry of a RootMapping.
type Root struct {
	Name string
	Path string
}

// ResolvedPath is the per-request result of resolving a logical path.
type ResolvedPath struct {
	RootName     string
	RelativePath string // slash-separated, "" for the root itself
	RootPath     string
	FullPath     string
}

// NewRootMapping normalizes roots into a RootMapping. Names default to the last path
// segment and must be unique.
func NewRootMapping(roots []RootConfig) (*RootMapping, error) {
	m := &RootMapping{
		nameToPath: make(map[string]string, len(roots)),
		pathToName: make(map[string]string, len(roots)),
	}
	for _, rc := range roots {
		rc.normalize()
		if rc.Name == "" || strings.Contains(rc.Name, "/") || rc.Name == "." || rc.Name == ".." {
			return nil, fmt.Errorf("root %q: invalid name %q", rc.Path, rc.Name)
		}
		abs, err := filepath.Abs(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", rc.Path, err)
		}
		if prev, ok := m.nameToPath[rc.Name]; ok {
			return nil, fmt.Errorf("root name collision %q: %q and %q", rc.Name, prev, abs)
		}
		m.nameToPath[rc.Name] = abs
		m.pathToName[abs] = rc.Name
		m.order = append(m.order, rc.Name)
	}
	return m, nil
}

// Roots returns the configured roots in configuration order.
func (m *RootMapping) Roots() []Root {
	if m == nil {
		return nil
	}
	out := make([]Root, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, Root{Name: name, Path: m.nameToPath[name]})
	}
	return out
}

// NameFor returns the root name configured for an absolute root path.
func (m *RootMapping) NameFor(absPath string) (string, bool) {
	if m == nil {
		return "", false
	}
	name, ok := m.pathToName[absPath]
	return name, ok
}

// Resolve maps "rootName/relative/path" onto the filesystem.
//
// Empty segments are ignored. The relative part must stay inside its root: any path
// that would resolve outside it fails with ErrPathTraversal.
func (m *RootMapping) Resolve(requestPath string) (ResolvedPath, error) {
	var parts []string
	for _, p := range strings.Split(requestPath, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 || m == nil {
		return ResolvedPath{}, fmt.Errorf("%w: %q", ErrUnknownRoot, requestPath)
	}

	rootPath, ok := m.nameToPath[parts[0]]
	if !ok {
		return ResolvedPath{}, fmt.Errorf("%w: %q", ErrUnknownRoot, parts[0])
	}

	rel := strings.Join(parts[1:], "/")
	full := rootPath
	if rel != "" {
		local := filepath.FromSlash(rel)
		if !filepath.IsLocal(local) {
			return ResolvedPath{}, fmt.Errorf("%w: %q", ErrPathTraversal, rel)
		}
		full = filepath.Join(rootPath, local)
	}

	return ResolvedPath{
		RootName:     parts[0],
		RelativePath: rel,
		RootPath:     rootPath,
		FullPath:     full,
	}, nil
}
