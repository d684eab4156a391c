// Package uploader pushes local artifacts to the object store.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/memohai/imgscalr/internal/logger"
	"github.com/memohai/imgscalr/internal/storage"
)

var (
	// ErrClientUnavailable means the object store client could not be created.
	ErrClientUnavailable = errors.New("object store client unavailable")
	// ErrNotAcknowledged means the store did not return an integrity token.
	ErrNotAcknowledged = errors.New("upload not acknowledged")
)

// ClientFactory builds the object store client. It is called at most once.
type ClientFactory func(ctx context.Context) (storage.ObjectStore, error)

// Observer receives one event per upload attempt.
type Observer interface {
	RecordUpload(duration time.Duration, sizeBytes int64, err error)
	RecordPublish(duration time.Duration, err error)
}

// Options controls one upload.
type Options struct {
	MakePublic      bool
	DeleteOnSuccess bool
	ContentType     string
}

// Uploader owns the lazily created store client shared by all pipeline runs.
type Uploader struct {
	factory  ClientFactory
	once     sync.Once
	client   storage.ObjectStore
	initErr  error
	observer Observer
	logger   *slog.Logger
}

// New creates an uploader; the client is built on the first Upload.
func New(log *slog.Logger, factory ClientFactory, observer Observer) *Uploader {
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{
		factory:  factory,
		observer: observer,
		logger:   log.With(slog.String("service", "uploader")),
	}
}

func (u *Uploader) store(ctx context.Context) (storage.ObjectStore, error) {
	u.once.Do(func() {
		if u.factory == nil {
			u.initErr = errors.New("no client factory configured")
			return
		}
		start := time.Now()
		// The client outlives this request, so its construction must not be
		// cut short by the request deadline.
		u.client, u.initErr = u.factory(context.WithoutCancel(ctx))
		if u.initErr == nil && u.client == nil {
			u.initErr = errors.New("client factory returned nil")
		}
		if u.initErr != nil {
			u.logger.Error("create object store client failed", slog.Any("error", u.initErr))
			return
		}
		u.logger.Info("object store client ready", slog.Duration("init", time.Since(start)))
	})
	if u.initErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientUnavailable, u.initErr)
	}
	return u.client, nil
}

// Upload stores localPath under its base name and returns the public URL.
// The local file is only removed after a confirmed upload (and ACL change when
// MakePublic is set); on any failure it is left in place.
func (u *Uploader) Upload(ctx context.Context, localPath string, opts Options) (string, error) {
	client, err := u.store(ctx)
	if err != nil {
		return "", err
	}

	start := time.Now()
	key := filepath.Base(localPath)
	size, err := u.put(ctx, client, localPath, key, opts.ContentType)
	if u.observer != nil {
		u.observer.RecordUpload(time.Since(start), size, err)
	}
	if err != nil {
		return "", err
	}

	if opts.MakePublic {
		start := time.Now()
		err := client.MakePublic(ctx, key)
		if u.observer != nil {
			u.observer.RecordPublish(time.Since(start), err)
		}
		if err != nil {
			return "", err
		}
	}

	log := logger.FromContextOr(ctx, u.logger)
	url := client.PublicURL(key)
	log.Info("cdn upload complete", slog.String("remote_file", url))

	if opts.DeleteOnSuccess {
		if err := os.Remove(localPath); err != nil {
			log.Error("unable to delete file", slog.String("path", localPath), slog.Any("error", err))
		} else {
			log.Debug("deleted temporary file", slog.String("path", localPath))
		}
	}
	return url, nil
}

func (u *Uploader) put(ctx context.Context, client storage.ObjectStore, localPath, key, contentType string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", localPath, err)
	}
	res, err := client.Put(ctx, storage.PutInput{
		Key:         key,
		Body:        f,
		Size:        info.Size(),
		ContentType: contentType,
	})
	if err != nil {
		return info.Size(), err
	}
	if storage.TrimETag(res.ETag) == "" {
		return info.Size(), fmt.Errorf("%w: %s", ErrNotAcknowledged, key)
	}
	return info.Size(), nil
}
