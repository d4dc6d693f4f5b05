package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps each bucket as a directory under a root directory.
type FSStore struct {
	root            string
	filePermissions os.FileMode
	dirPermissions  os.FileMode
}

// NewFSStore creates a filesystem store rooted at root.
// If root is empty, uses an OS-appropriate tmp directory.
func NewFSStore(root string, filePermissions, dirPermissions os.FileMode) *FSStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "turbineoracle")
	}
	if filePermissions == 0 {
		filePermissions = 0o644
	}
	if dirPermissions == 0 {
		dirPermissions = 0o755
	}
	return &FSStore{
		root:            root,
		filePermissions: filePermissions,
		dirPermissions:  dirPermissions,
	}
}

// Root returns the directory holding all buckets.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) path(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("bucket and key are required")
	}
	if strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes bucket", key)
	}
	return filepath.Join(s.root, bucket, clean), nil
}

// Open opens an object for reading.
func (s *FSStore) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("%w: %v", ErrIOUnavailable, err)
	}
	return f, nil
}

// Put writes an object atomically. The content type is not recorded.
func (s *FSStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, s.dirPermissions); err != nil {
		return fmt.Errorf("%w: failed to create directory: %v", ErrIOUnavailable, err)
	}

	// Write to temporary file first (atomic write)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", ErrIOUnavailable, err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("%w: failed to write file: %v", ErrIOUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%w: failed to close file: %v", ErrIOUnavailable, err)
	}
	if err := os.Chmod(tempPath, s.filePermissions); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%w: failed to set permissions: %v", ErrIOUnavailable, err)
	}

	if err := os.Rename(tempPath, p); err != nil {
		_ = os.Remove(tempPath) // Clean up temp file on rename failure
		return fmt.Errorf("%w: failed to rename file: %v", ErrIOUnavailable, err)
	}
	return nil
}
