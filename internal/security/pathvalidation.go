// Package security holds the path hygiene helpers behind the debug backup
// download and the per-session plot writer: keeping generated files inside
// the directories the service is allowed to write, and turning session
// identifiers into safe filename fragments.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WithinDirectory reports whether path, after cleaning and symlink
// resolution, stays inside dir. Symlinks are resolved on both sides so a
// link planted inside dir cannot redirect a write elsewhere.
func WithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}

	canonDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonDir, canonicalize(absPath))
	if err != nil {
		return fmt.Errorf("path outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path %s escapes %s", path, dir)
	}
	return nil
}

// canonicalize resolves symlinks in path. When the file does not exist yet
// (the usual case for a backup or plot about to be written) the nearest
// existing ancestor is resolved instead, so a symlinked parent directory
// still counts as its target.
func canonicalize(absPath string) string {
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved
	}
	for probe := absPath; ; {
		parent := filepath.Dir(probe)
		if parent == probe {
			return absPath
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, _ := filepath.Rel(parent, absPath)
			return filepath.Join(resolved, rel)
		}
		probe = parent
	}
}

// ValidateBackupPath checks a database backup target. Backups may land in
// the temp directory or the working directory, nowhere else.
func ValidateBackupPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	var lastErr error
	for _, dir := range []string{os.TempDir(), cwd} {
		if lastErr = WithinDirectory(path, dir); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("backup path must stay in the temp or working directory: %w", lastErr)
}

// SanitizeFilename flattens an arbitrary identifier (a session or
// assessment ID from the API) into a filename fragment: ASCII letters,
// digits, dot, underscore and dash survive, everything else collapses to a
// single underscore. The result is capped at 128 bytes and never empty.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
