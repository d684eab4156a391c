// Package storage defines the ObjectStore interface for remote artifact backends.
package storage

import (
	"context"
	"io"
	"strings"
)

// PutInput describes one object write.
type PutInput struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
}

// PutResult is the store's acknowledgement of a write.
type PutResult struct {
	// ETag is the integrity token; an empty ETag means the write is unconfirmed.
	ETag string
}

// ObjectStore abstracts the single bucket artifacts are published to.
type ObjectStore interface {
	// Put writes the object under key.
	Put(ctx context.Context, in PutInput) (PutResult, error)
	// MakePublic grants anonymous read access to key.
	MakePublic(ctx context.Context, key string) error
	// PublicURL returns the canonical public URL for key.
	PublicURL(key string) string
}

// JoinURL joins a base URL and an object key with exactly one slash.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

// TrimETag strips the quotes S3-compatible stores put around ETags.
func TrimETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}
