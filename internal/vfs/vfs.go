// Package vfs wraps the billy.Filesystem abstractions used to serve files
// (spec.md §4.4): osfs rooted at the configured directory in production,
// memfs for tests that should not touch the real filesystem. Grounded on
// the teacher's use of go-billy to abstract file access in
// internal/nfsmount/graphfs.go, adapted here from an NFS export to plain
// file serving.
package vfs

import (
	"fmt"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

// New returns a billy.Filesystem rooted at rootDir on the real filesystem.
func New(rootDir string) billy.Filesystem {
	return osfs.New(rootDir, osfs.WithBoundOS())
}

// NewMemory returns an in-memory filesystem, for tests and for request
// handlers configured without a backing root_dir.
func NewMemory() billy.Filesystem {
	return memfs.New()
}

// ErrPathEscapesRoot is returned by Clean when a request path climbs out
// of the filesystem root via ".." segments.
var ErrPathEscapesRoot = fmt.Errorf("path escapes filesystem root")

// Clean resolves a slash-separated request path to a clean, root-relative
// path, rejecting any path that would climb above the root (spec.md §4.4
// "reject paths containing .. segments that would escape the served
// root"). The returned path never has a leading slash, matching what
// billy.Filesystem implementations expect.
func Clean(requestPath string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(requestPath, "/"))
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrPathEscapesRoot
	}
	return cleaned, nil
}
