package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrObjectNotFound is returned when no content exists under a key.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for keys that are empty, hidden, or would escape the content area.
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectInfo describes stored content.
type ObjectInfo struct {
	Size        int64
	ModTime     time.Time
	ContentType string
}

// ContentStore holds uploaded content addressed by a flat key.
type ContentStore interface {
	// Put stores r under key and returns the number of bytes written.
	// size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadSeekCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

func validateKey(key string) error {
	// Dot-prefixed names are reserved for staging files and never served.
	if key == "" || strings.HasPrefix(key, ".") || strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") || filepath.Base(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ContentTypeFor guesses a MIME type from the key extension.
func ContentTypeFor(key string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(key))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
