// Package pipeline runs one upload end to end: validate, decode to disk,
// derive variants, upload every artifact and assemble the typed result.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memohai/imgscalr/internal/decode"
	"github.com/memohai/imgscalr/internal/format"
	"github.com/memohai/imgscalr/internal/keygen"
	"github.com/memohai/imgscalr/internal/logger"
	"github.com/memohai/imgscalr/internal/uploader"
	"github.com/memohai/imgscalr/internal/variant"
)

// Options are the per-process settings of the pipeline.
type Options struct {
	TempDir         string
	TempDirReadOnly bool
	MaxPixels       int64
	Workers         int
	DefaultEncoding decode.Encoding
	// RetainOriginalOnFailure leaves the decoded original on disk when it
	// could not be uploaded, for the janitor to collect.
	RetainOriginalOnFailure bool
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Keys      *keygen.Generator
	Validator *format.Validator
	Decoder   *decode.Decoder
	Variants  *variant.Generator
	Uploader  *uploader.Uploader
	Notifier  Notifier
	Observer  Observer
}

// Service processes uploads. It is safe for concurrent use.
type Service struct {
	opts   Options
	deps   Deps
	labels []string
	logger *slog.Logger
}

// NewService creates the pipeline service.
func NewService(log *slog.Logger, opts Options, deps Deps) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.DefaultEncoding == "" {
		opts.DefaultEncoding = decode.EncodingBase64
	}
	var labels []string
	if deps.Variants != nil {
		for _, spec := range deps.Variants.Specs() {
			labels = append(labels, spec.Label)
		}
	}
	return &Service{
		opts:   opts,
		deps:   deps,
		labels: labels,
		logger: log.With(slog.String("service", "pipeline")),
	}
}

// execution is the mutable state of one Process call.
type execution struct {
	req          Request
	result       Result
	log          *slog.Logger
	originalPath string
	created      []string
	timings      []any
}

func (e *execution) abort(outcome Outcome) Result {
	e.result.Outcome = outcome
	return e.result
}

func (e *execution) track(path string) {
	e.created = append(e.created, path)
}

func (e *execution) timed(name string, start time.Time) {
	e.timings = append(e.timings, slog.Int64(name, time.Since(start).Milliseconds()))
}

// Process runs one upload. It never returns an error: every failure is
// classified into the Outcome of the returned Result.
func (s *Service) Process(ctx context.Context, req Request) Result {
	start := time.Now()
	exec := &execution{
		req:    req,
		result: NewResult(s.labels),
		log:    s.logger,
	}
	exec.result.OriginalFileName = req.FileName

	result := s.run(ctx, exec)
	exec.timed("total_ms", start)

	s.cleanup(exec, result.Outcome)

	attrs := append([]any{
		slog.String("outcome", result.Outcome.String()),
		slog.String("stage", result.Stage.String()),
		slog.String("file_name", req.FileName),
		slog.String("source", req.Source),
	}, exec.timings...)
	if result.Success() {
		exec.log.Info("upload processed", attrs...)
	} else {
		exec.log.Warn("upload aborted", attrs...)
	}
	if s.deps.Observer != nil {
		s.deps.Observer.RecordOutcome(result.Outcome.String(), time.Since(start))
	}
	if result.Success() && s.deps.Notifier != nil {
		s.deps.Notifier.Notify(req.Source, result.Clone())
	}
	return result
}

func (s *Service) run(ctx context.Context, exec *execution) Result {
	req := exec.req
	res := &exec.result

	// Received -> Validated
	if strings.TrimSpace(req.FileName) == "" {
		return exec.abort(MissingFilename)
	}
	ext := Extension(req.FileName)
	if !s.deps.Validator.IsSupported(ext) {
		exec.log.Info("unsupported file type", slog.String("file_name", req.FileName), slog.String("ext", ext))
		return exec.abort(UnsupportedFileType)
	}
	codec, _ := s.deps.Validator.Codec(ext)
	contentType := s.deps.Validator.ResolveMimeType(req.FileType, ext)
	res.Stage = StateValidated

	// Validated -> Decoded
	if s.opts.TempDirReadOnly {
		exec.log.Error("temp dir is read-only", slog.String("dir", s.opts.TempDir))
		return exec.abort(TempDirReadonly)
	}
	key := s.deps.Keys.Generate(ext)
	res.Key = key
	exec.log = exec.log.With(slog.String("upload_key", key.ID))
	ctx = logger.WithContext(ctx, exec.log)
	exec.log.Info("upload received",
		slog.String("file_name", req.FileName),
		slog.Int64("file_size", req.FileSize),
		slog.String("file_type", req.FileType),
		slog.String("ext", ext),
	)

	enc := req.Encoding
	if enc == "" {
		enc = s.opts.DefaultEncoding
	}
	exec.originalPath = filepath.Join(s.opts.TempDir, key.FileName())
	exec.track(exec.originalPath)
	decodeStart := time.Now()
	written, err := s.deps.Decoder.DecodeToFile(req.Body, enc, exec.originalPath)
	exec.timed("decode_ms", decodeStart)
	if err != nil {
		exec.log.Error("decode upload failed", slog.String("path", exec.originalPath), slog.Any("error", err))
		if errors.Is(err, decode.ErrDestination) {
			return exec.abort(CannotAccessTempFile)
		}
		return exec.abort(DecodeFailure)
	}
	if req.FileSize > 0 && req.FileSize != written {
		exec.log.Warn("decoded size differs from claimed size",
			slog.Int64("claimed", req.FileSize),
			slog.Int64("decoded", written),
		)
	}
	res.Stage = StateDecoded

	// Decoded -> Resized
	resizeStart := time.Now()
	img, err := loadImage(exec.originalPath, codec, s.opts.MaxPixels)
	if err != nil {
		exec.timed("resize_ms", resizeStart)
		exec.log.Error("parse original failed", slog.Any("error", err))
		return exec.abort(UnableToGenerateAltSizes)
	}
	bounds := img.Bounds()
	res.update(OriginalLabel, func(m *ArtifactMetadata) { m.fill(bounds.Dx(), bounds.Dy(), written) })

	artifacts := s.deps.Variants.Generate(ctx, img, key, s.opts.TempDir, codec)
	for _, a := range artifacts {
		exec.track(a.Path)
		res.update(a.Label, func(m *ArtifactMetadata) { m.fill(a.Width, a.Height, a.Size) })
	}
	exec.timed("resize_ms", resizeStart)
	res.Stage = StateResized

	// Resized -> OriginalUploaded
	uploadStart := time.Now()
	defer exec.timed("upload_ms", uploadStart)
	opts := uploader.Options{MakePublic: true, DeleteOnSuccess: true, ContentType: contentType}
	url, err := s.deps.Uploader.Upload(ctx, exec.originalPath, opts)
	if err != nil {
		exec.log.Error("upload original failed", slog.Any("error", err))
		if errors.Is(err, uploader.ErrClientUnavailable) {
			return exec.abort(CannotCreateRemoteClient)
		}
		return exec.abort(UnableToUploadToCdn)
	}
	res.update(OriginalLabel, func(m *ArtifactMetadata) { m.URL = url })
	res.Stage = StateOriginalUploaded

	// OriginalUploaded -> DerivativesUploaded
	urls := s.uploadVariants(ctx, exec, artifacts, opts)
	for i, a := range artifacts {
		if urls[i] != "" {
			res.update(a.Label, func(m *ArtifactMetadata) { m.URL = urls[i] })
		}
	}
	res.Stage = StateDerivativesUploaded

	res.Outcome = Success
	res.Stage = StateCompleted
	return exec.result
}

// uploadVariants pushes every artifact concurrently and returns their URLs in
// the same order; a failed or skipped upload leaves an empty URL.
func (s *Service) uploadVariants(ctx context.Context, exec *execution, artifacts []variant.Artifact, opts uploader.Options) []string {
	urls := make([]string, len(artifacts))
	var eg errgroup.Group
	eg.SetLimit(s.opts.Workers)
	for i, a := range artifacts {
		if ctx.Err() != nil {
			exec.log.Warn("variant upload skipped", slog.String("label", a.Label), slog.Any("error", ctx.Err()))
			continue
		}
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			url, err := s.deps.Uploader.Upload(ctx, a.Path, opts)
			if err != nil {
				exec.log.Error("upload variant failed",
					slog.String("label", a.Label),
					slog.String("path", a.Path),
					slog.Any("error", err),
				)
				return nil
			}
			urls[i] = url
			return nil
		})
	}
	_ = eg.Wait()
	return urls
}

// cleanup removes every local file this execution created that still exists.
// The original survives a failed upload when retention is enabled.
func (s *Service) cleanup(exec *execution, outcome Outcome) {
	retain := s.opts.RetainOriginalOnFailure &&
		(outcome == UnableToUploadToCdn || outcome == CannotCreateRemoteClient)
	for _, path := range exec.created {
		if retain && path == exec.originalPath {
			exec.log.Info("retaining original after failed upload", slog.String("path", path))
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			exec.log.Error("unable to delete file", slog.String("path", path), slog.Any("error", err))
		}
	}
}

// Extension returns the text after the last '.' in name, or "" when there is
// none. A bare name such as "png" therefore has no extension and is rejected
// as unsupported rather than being treated as its own extension.
func Extension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}
