// Package fsstore is a filesystem ObjectStore for development. Objects are
// written under {root}/{bucket}/{key} and served by whatever fronts that directory.
package fsstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/memohai/imgscalr/internal/storage"
)

// Store writes objects to a local directory.
type Store struct {
	dir     string
	baseURL string
}

var _ storage.ObjectStore = (*Store)(nil)

// New creates the bucket directory under root.
func New(root, bucket, baseURL string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("fs store root is required")
	}
	dir := filepath.Join(root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	return &Store{dir: dir, baseURL: baseURL}, nil
}

// Put copies the body to disk and returns its MD5 as the ETag.
func (s *Store) Put(ctx context.Context, in storage.PutInput) (storage.PutResult, error) {
	target, err := s.path(in.Key)
	if err != nil {
		return storage.PutResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.PutResult{}, err
	}
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("create object: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	hasher := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), in.Body); err != nil {
		_ = tmp.Close()
		return storage.PutResult{}, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return storage.PutResult{}, fmt.Errorf("close object: %w", err)
	}
	// Objects start private until MakePublic.
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return storage.PutResult{}, fmt.Errorf("chmod object: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return storage.PutResult{}, fmt.Errorf("publish object: %w", err)
	}
	return storage.PutResult{ETag: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// MakePublic makes the object world-readable.
func (s *Store) MakePublic(_ context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	return os.Chmod(target, 0o644)
}

// PublicURL returns {baseURL}/{key}.
func (s *Store) PublicURL(key string) string {
	return storage.JoinURL(s.baseURL, key)
}

func (s *Store) path(key string) (string, error) {
	clean := filepath.Base(filepath.Clean("/" + key))
	if clean != key || clean == "/" || clean == "." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}
