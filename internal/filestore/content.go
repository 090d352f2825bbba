package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"auradrive/internal/security"
)

// ContentReader loads the bytes addressed by a locator.
type ContentReader interface {
	Read(ctx context.Context, locator string) ([]byte, error)
}

// ContentWriter stores bytes at a locator. Implementations must not leave
// partial data behind on failure.
type ContentWriter interface {
	Write(ctx context.Context, locator string, data []byte) error
}

// FSContent reads and writes locators on the local filesystem.
type FSContent struct {
	resolver *Resolver

	// MaxSize returns the current read limit; nil means unlimited.
	MaxSize func() int64
}

// NewFSContent creates a filesystem reader/writer over resolver.
func NewFSContent(resolver *Resolver, maxSize func() int64) *FSContent {
	return &FSContent{resolver: resolver, MaxSize: maxSize}
}

// Read implements ContentReader.
func (c *FSContent) Read(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	path, err := c.resolver.Resolve(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, classifyOSError(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, classifyOSError(err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrIOFailure, locator)
	}

	var limit int64
	if c.MaxSize != nil {
		limit = c.MaxSize()
	}
	data, err := security.ReadLimited(f, limit)
	if err != nil {
		if errors.Is(err, security.ErrFileTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
		}
		return nil, classifyOSError(err)
	}
	return data, nil
}

// Write implements ContentWriter with an atomic temp-file rename.
func (c *FSContent) Write(ctx context.Context, locator string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	path, err := c.resolver.Resolve(locator)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), security.PermSecretDir); err != nil {
		return classifyOSError(err)
	}
	if err := security.WriteSecureFile(path, data, security.PermPublicFile); err != nil {
		return classifyOSError(err)
	}
	return nil
}

func classifyOSError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrIOFailure, err)
}
