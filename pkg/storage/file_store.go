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

const stagingDir = ".tmp"

// FileStore saves uploaded content to disk under a base directory. Partial
// writes are staged in a hidden subdirectory that no key can address.
type FileStore struct {
	basePath    string
	stagingPath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	stagingPath := filepath.Join(basePath, stagingDir)
	if err := os.MkdirAll(stagingPath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: basePath, stagingPath: stagingPath}, nil
}

// Put writes content to a temporary file and renames it into place, so
// readers never observe a partial object.
func (f *FileStore) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(f.stagingPath, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(f.basePath, key)); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("commit file: %w", err)
	}
	return written, nil
}

// Open returns the stored file.
func (f *FileStore) Open(_ context.Context, key string) (io.ReadSeekCloser, ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, ObjectInfo{}, err
	}
	file, err := os.Open(filepath.Join(f.basePath, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("open file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, ObjectInfo{}, fmt.Errorf("stat file: %w", err)
	}
	if stat.IsDir() {
		_ = file.Close()
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	return file, ObjectInfo{
		Size:        stat.Size(),
		ModTime:     stat.ModTime(),
		ContentType: ContentTypeFor(key),
	}, nil
}

// Delete removes a stored file. Missing files are not an error.
func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(f.basePath, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}
