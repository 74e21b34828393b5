// Package vfs is the filesystem boundary of a storage node: it resolves
// virtual paths onto a node's private root and performs whole-file reads,
// atomic writes, listing and archiving under that root.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMarker is the namespace prefix clients use for virtual paths.
const DefaultMarker = "~S1"

// Sentinel errors for path and file lookups.
var (
	ErrOutsideRoot = errors.New("path outside node root")
	ErrNotFound    = errors.New("file not found")
)

// Resolve maps a virtual path onto root. A path beginning with marker (either
// the bare marker or marker followed by "/") has the marker stripped and the
// remainder joined onto root. Any other path is returned unchanged and is
// treated as already local. No existence checks are performed.
func Resolve(marker, virtualPath, root string) string {
	if rest, ok := stripMarker(marker, virtualPath); ok {
		return filepath.Join(root, rest)
	}
	return virtualPath
}

func stripMarker(marker, p string) (string, bool) {
	if marker == "" {
		return "", false
	}
	if p == marker {
		return "", true
	}
	if strings.HasPrefix(p, marker+"/") {
		return p[len(marker)+1:], true
	}
	return "", false
}

// Resolver binds a marker to one node root.
//
// In the default permissive mode unprefixed paths pass through unchanged, so
// a client can address any path the node process can reach. Strict mode
// rejects unprefixed paths and paths that escape Root after cleaning.
type Resolver struct {
	Marker string
	Root   string
	Strict bool
}

// Resolve translates virtualPath into a node-local path.
func (r Resolver) Resolve(virtualPath string) (string, error) {
	rest, ok := stripMarker(r.Marker, virtualPath)
	if !ok {
		if r.Strict {
			return "", fmt.Errorf("%q lacks %s prefix: %w", virtualPath, r.Marker, ErrOutsideRoot)
		}
		return virtualPath, nil
	}
	local := filepath.Join(r.Root, rest)
	if r.Strict && !within(r.Root, local) {
		return "", fmt.Errorf("%q: %w", virtualPath, ErrOutsideRoot)
	}
	return local, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// EnsureDir creates dir and every missing ancestor. It is a no-op when the
// directory already exists.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
