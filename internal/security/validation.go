package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Validation errors
var (
	ErrPathTraversal   = errors.New("security: path traversal detected")
	ErrInvalidPath     = errors.New("security: invalid path")
	ErrPathOutsideRoot = errors.New("security: path outside allowed root")
	ErrInputTooLong    = errors.New("security: input exceeds maximum length")
	ErrNullByte        = errors.New("security: null byte in input")
)

// PathValidator provides secure path validation.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within
	AllowedRoots []string

	// AllowSymlinks controls whether symbolic links are followed
	AllowSymlinks bool

	// MaxPathLength is the maximum allowed path length
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{
		AllowSymlinks: false,
		MaxPathLength: 4096,
	}
}

// NewPathValidator returns a validator restricted to roots.
func NewPathValidator(roots ...string) *PathValidator {
	v := DefaultPathValidator()
	v.AllowedRoots = roots
	return v
}

// ValidatePath checks if a path is safe to use.
// It returns the cleaned, absolute path if valid.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if !v.AllowSymlinks {
		absPath, err = resolveExisting(absPath)
		if err != nil {
			return "", err
		}
	}

	if len(v.AllowedRoots) > 0 && !v.withinRoots(absPath) {
		return "", ErrPathOutsideRoot
	}
	return absPath, nil
}

func (v *PathValidator) withinRoots(absPath string) bool {
	for _, root := range v.AllowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(absRoot); err == nil {
			absRoot = real
		}
		if absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolveExisting evaluates symlinks in path. For a path that does not
// exist yet the nearest existing ancestor is resolved and the rest is
// appended unchanged.
func resolveExisting(absPath string) (string, error) {
	var missing []string
	cur := absPath
	for {
		realPath, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				realPath = filepath.Join(realPath, missing[i])
			}
			return realPath, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("%w: symlink evaluation failed: %v", ErrInvalidPath, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return absPath, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// containsTraversal checks for common path traversal patterns.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return true
	}
	return strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}
