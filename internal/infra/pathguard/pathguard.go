// Package pathguard validates candidate file paths before any scan work is
// scheduled for them. It canonicalizes paths, confines them to the configured
// scan root, and enforces the maximum file size.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reason classifies why a path was rejected.
type Reason string

const (
	// ReasonOutsideRoot means the canonical path does not live under the
	// scan root after symlink and ".." resolution.
	ReasonOutsideRoot Reason = "outside_root"

	// ReasonTooLarge means the file exceeds the configured size limit.
	ReasonTooLarge Reason = "too_large"

	// ReasonNotAccessible means the file could not be resolved or stat'd.
	ReasonNotAccessible Reason = "not_accessible"
)

// Result is the outcome of validating one candidate path. Rejections carry a
// structured reason rather than an error so callers can log-and-skip without
// unwinding the scan.
type Result struct {
	OK     bool
	Reason Reason

	// Canonical is the fully resolved path when OK.
	Canonical string

	// Size is the file size in bytes when OK.
	Size int64
}

// Guard confines candidate paths to a canonicalized scan root and enforces a
// maximum file size. Guards are immutable and safe for concurrent use.
type Guard struct {
	root    string
	maxSize int64
}

// New creates a Guard for the given scan root. The root is resolved to its
// canonical absolute form once; every validated path must resolve under it.
func New(root string, maxSize int64) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scan root %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing scan root %q: %w", root, err)
	}
	return &Guard{root: canonical, maxSize: maxSize}, nil
}

// Root returns the canonical scan root.
func (g *Guard) Root() string { return g.root }

// Validate resolves the candidate path and checks it against the scan root
// and size limit. It stats the file at call time, so callers re-run it when
// opening a file to close the window where a symlink could be swapped between
// discovery and read.
func (g *Guard) Validate(candidate string) Result {
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return Result{Reason: ReasonNotAccessible}
	}

	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return Result{Reason: ReasonNotAccessible}
	}

	if !g.contains(canonical) {
		return Result{Reason: ReasonOutsideRoot}
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return Result{Reason: ReasonNotAccessible}
	}
	if g.maxSize > 0 && info.Size() > g.maxSize {
		return Result{Reason: ReasonTooLarge}
	}

	return Result{OK: true, Canonical: canonical, Size: info.Size()}
}

// contains reports whether p lives under the guard's root. A bare prefix
// check is not enough: "/root-other" must not match root "/root".
func (g *Guard) contains(p string) bool {
	if p == g.root {
		return true
	}
	return strings.HasPrefix(p, g.root+string(filepath.Separator))
}
