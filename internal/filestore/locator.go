package filestore

import (
	"fmt"
	"path/filepath"
	"strings"

	"auradrive/internal/security"
)

// Locator schemes.
const (
	SchemeURI  = "uri://"
	SchemeFile = "file://"
)

// Resolver maps locators onto filesystem paths inside the allowed roots.
//
//	uri://name        <content_dir>/name
//	file:///abs/path  /abs/path
//	/abs/path         /abs/path
type Resolver struct {
	contentDir string
	validator  *security.PathValidator
}

// NewResolver creates a resolver. contentDir is always an allowed root.
func NewResolver(contentDir string, allowedRoots []string) *Resolver {
	roots := append([]string{contentDir}, allowedRoots...)
	return &Resolver{
		contentDir: contentDir,
		validator:  security.NewPathValidator(roots...),
	}
}

// ContentDir returns the directory uri:// locators resolve under.
func (r *Resolver) ContentDir() string {
	return r.contentDir
}

// Resolve returns the validated absolute path for locator. Any failure
// wraps ErrAccessDenied.
func (r *Resolver) Resolve(locator string) (string, error) {
	var path string
	switch {
	case strings.HasPrefix(locator, SchemeURI):
		name := strings.TrimPrefix(locator, SchemeURI)
		if name == "" || strings.HasPrefix(name, "/") {
			return "", fmt.Errorf("%w: invalid uri locator %q", ErrAccessDenied, locator)
		}
		// Reject before joining; Join would clean ".." away.
		for _, part := range strings.Split(name, "/") {
			if part == ".." {
				return "", fmt.Errorf("%w: %v", ErrAccessDenied, security.ErrPathTraversal)
			}
		}
		path = filepath.Join(r.contentDir, filepath.FromSlash(name))
	case strings.HasPrefix(locator, SchemeFile):
		path = strings.TrimPrefix(locator, SchemeFile)
		if !filepath.IsAbs(path) {
			return "", fmt.Errorf("%w: file locator must be absolute: %q", ErrAccessDenied, locator)
		}
	case filepath.IsAbs(locator):
		path = locator
	default:
		return "", fmt.Errorf("%w: unsupported locator %q", ErrAccessDenied, locator)
	}

	abs, err := r.validator.ValidatePath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return abs, nil
}
