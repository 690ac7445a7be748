package safe

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize is the default maximum size of a file read by ReadFile (1MB).
const DefaultMaxFileSize = 1 << 20

// ReadOptions configures the behavior of ReadFile.
type ReadOptions struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks allows reading through a symlink. Default is false.
	AllowSymlinks bool
}

// ReadFile reads a file with validations.
// It rejects symlinks by default, validates file size, and ensures only
// regular files are read.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	cleanPath := filepath.Clean(path)

	// Check file info without following symlinks.
	info, err := os.Lstat(cleanPath)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return nil, fmt.Errorf("file %q is a symlink, which is not allowed", path)
		}
		if info, err = os.Stat(cleanPath); err != nil {
			return nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}

	if info.Size() > maxSize {
		return nil, fmt.Errorf("file exceeds maximum allowed size of %d bytes", maxSize)
	}

	// #nosec G304 - validated above.
	return os.ReadFile(cleanPath)
}

// WriteFile writes data with owner-only permissions, creating parent
// directories as needed.
func WriteFile(path string, data []byte) error {
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(cleanPath, data, 0o600)
}
