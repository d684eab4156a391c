package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/imgscalr/internal/boot"
	"github.com/memohai/imgscalr/internal/config"
	"github.com/memohai/imgscalr/internal/decode"
	"github.com/memohai/imgscalr/internal/format"
	"github.com/memohai/imgscalr/internal/handlers"
	"github.com/memohai/imgscalr/internal/janitor"
	"github.com/memohai/imgscalr/internal/keygen"
	"github.com/memohai/imgscalr/internal/logger"
	"github.com/memohai/imgscalr/internal/metrics"
	"github.com/memohai/imgscalr/internal/notify"
	"github.com/memohai/imgscalr/internal/pipeline"
	"github.com/memohai/imgscalr/internal/server"
	"github.com/memohai/imgscalr/internal/storage"
	"github.com/memohai/imgscalr/internal/storage/fsstore"
	"github.com/memohai/imgscalr/internal/storage/s3store"
	"github.com/memohai/imgscalr/internal/uploader"
	"github.com/memohai/imgscalr/internal/variant"
	"github.com/memohai/imgscalr/internal/version"
)

// pipelineModule builds everything needed to process one upload.
var pipelineModule = fx.Module(
	"pipeline",
	fx.Provide(
		provideLogger,
		boot.ProvideRuntimeConfig,
		provideMetrics,
		provideKeyGenerator,
		provideValidator,
		provideDecoder,
		provideVariantGenerator,
		provideStoreFactory,
		provideUploader,
		provideNotifier,
		providePipeline,
	),
)

// serverModule adds the HTTP API and the temp dir janitor.
var serverModule = fx.Module(
	"server",
	fx.Provide(
		provideJanitor,
		provideServerHandler(handlers.NewPingHandler),
		provideServerHandler(provideUploadHandler),
		fx.Annotate(provideMetricsHandler, fx.ResultTags(`group:"server_handlers"`)),
		provideServer,
	),
	fx.Invoke(
		startJanitor,
		startServer,
	),
)

func withSlogLogger() fx.Option {
	return fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
		return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
	})
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type loggerParams struct {
	fx.In

	Config config.Config
	Output io.Writer `name:"log_output" optional:"true"`
}

func provideLogger(p loggerParams) *slog.Logger {
	out := p.Output
	if out == nil {
		out = os.Stdout
	}
	logger.InitWriter(out, p.Config.Log.Level, p.Config.Log.Format)
	return logger.L
}

// withLogOutput sends application logs to w instead of stdout.
func withLogOutput(w io.Writer) fx.Option {
	return fx.Provide(fx.Annotate(
		func() io.Writer { return w },
		fx.ResultTags(`name:"log_output"`),
	))
}

type metricsResult struct {
	fx.Out

	Observer metrics.Observer
	Gatherer prometheus.Gatherer
}

func provideMetrics(cfg config.Config) (metricsResult, error) {
	if !cfg.Metrics.Enabled {
		return metricsResult{Observer: metrics.Nop(), Gatherer: prometheus.NewRegistry()}, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewPrometheusObserver(cfg.Metrics.Namespace, reg)
	if err != nil {
		return metricsResult{}, err
	}
	return metricsResult{Observer: observer, Gatherer: reg}, nil
}

func provideKeyGenerator(cfg config.Config) (*keygen.Generator, error) {
	return keygen.New(cfg.Upload.KeyLength, cfg.Upload.KeyAlphabet)
}

func provideValidator(cfg config.Config) *format.Validator {
	return format.NewValidator(format.NewRegistry(), cfg.Upload.MimeTypes)
}

func provideDecoder(cfg config.Config) *decode.Decoder {
	return decode.New(cfg.Upload.BufferSize)
}

func provideVariantGenerator(log *slog.Logger, cfg config.Config, observer metrics.Observer) *variant.Generator {
	specs := make([]variant.Spec, 0, len(cfg.Upload.Variants))
	for _, v := range cfg.Upload.Variants {
		specs = append(specs, variant.Spec{Label: v.Label, Suffix: v.Suffix, Width: v.Width})
	}
	return variant.NewGenerator(log, specs, cfg.Upload.Workers, observer)
}

func provideStoreFactory(cfg config.Config) (uploader.ClientFactory, error) {
	sc := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", "s3":
		return func(ctx context.Context) (storage.ObjectStore, error) {
			store, err := s3store.New(ctx, s3store.Config{
				Bucket:          sc.Bucket,
				BaseURL:         sc.BaseURL,
				Region:          sc.Region,
				Endpoint:        sc.Endpoint,
				AccessKeyID:     sc.AccessKeyID,
				SecretAccessKey: sc.SecretAccessKey,
				UsePathStyle:    sc.UsePathStyle,
			})
			if err != nil {
				return nil, err
			}
			return store, nil
		}, nil
	case "fs":
		return func(context.Context) (storage.ObjectStore, error) {
			store, err := fsstore.New(sc.Root, sc.Bucket, sc.BaseURL)
			if err != nil {
				return nil, err
			}
			return store, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

func provideUploader(log *slog.Logger, factory uploader.ClientFactory, observer metrics.Observer) *uploader.Uploader {
	return uploader.New(log, factory, observer)
}

func provideNotifier(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, rc *boot.RuntimeConfig) (*notify.Async, error) {
	sender, err := notify.NewSender(cfg.Notify)
	if err != nil {
		return nil, err
	}
	n := notify.NewAsync(log, sender, cfg.Notify.From, cfg.Notify.To, rc.NotifyTimeout)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := n.Close(ctx); err != nil {
				return fmt.Errorf("drain notifier: %w", err)
			}
			return nil
		},
	})
	return n, nil
}

type pipelineParams struct {
	fx.In

	Logger        *slog.Logger
	Config        config.Config
	RuntimeConfig *boot.RuntimeConfig
	Keys          *keygen.Generator
	Validator     *format.Validator
	Decoder       *decode.Decoder
	Variants      *variant.Generator
	Uploader      *uploader.Uploader
	Notifier      *notify.Async
	Observer      metrics.Observer
}

func providePipeline(p pipelineParams) (*pipeline.Service, error) {
	enc, err := decode.ParseEncoding(p.Config.Upload.TransferEncoding, decode.EncodingBase64)
	if err != nil {
		return nil, fmt.Errorf("upload.transfer_encoding: %w", err)
	}
	if p.RuntimeConfig.TempDirReadOnly {
		p.Logger.Warn("temp dir is not writable, uploads will be rejected", slog.String("dir", p.RuntimeConfig.TempDir))
	}
	return pipeline.NewService(p.Logger, pipeline.Options{
		TempDir:                 p.RuntimeConfig.TempDir,
		TempDirReadOnly:         p.RuntimeConfig.TempDirReadOnly,
		MaxPixels:               p.Config.Upload.MaxPixels,
		Workers:                 p.Config.Upload.Workers,
		DefaultEncoding:         enc,
		RetainOriginalOnFailure: p.Config.Upload.RetainOriginalOnFailure,
	}, pipeline.Deps{
		Keys:      p.Keys,
		Validator: p.Validator,
		Decoder:   p.Decoder,
		Variants:  p.Variants,
		Uploader:  p.Uploader,
		Notifier:  p.Notifier,
		Observer:  p.Observer,
	}), nil
}

func provideJanitor(log *slog.Logger, cfg config.Config, rc *boot.RuntimeConfig, keys *keygen.Generator, validator *format.Validator, observer metrics.Observer) (*janitor.Janitor, error) {
	suffixes := make([]string, 0, len(cfg.Upload.Variants))
	for _, v := range cfg.Upload.Variants {
		suffixes = append(suffixes, v.Suffix)
	}
	return janitor.New(log, janitor.Config{
		Dir:       rc.TempDir,
		ReadOnly:  rc.TempDirReadOnly,
		Schedule:  cfg.Janitor.Schedule,
		Threshold: rc.JanitorThreshold,
	}, keys.Matcher(suffixes, validator.IsSupported), observer)
}

func provideUploadHandler(log *slog.Logger, svc *pipeline.Service, rc *boot.RuntimeConfig) *handlers.UploadHandler {
	return handlers.NewUploadHandler(log, svc, rc.UploadTimeout)
}

func provideMetricsHandler(cfg config.Config, gatherer prometheus.Gatherer) server.Handler {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return handlers.NewMetricsHandler(cfg.Metrics.Path, gatherer)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	RuntimeConfig  *boot.RuntimeConfig
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.RuntimeConfig.ServerAddr, params.ServerHandlers...)
}

func startJanitor(lc fx.Lifecycle, cfg config.Config, j *janitor.Janitor) {
	if !cfg.Janitor.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return j.Start()
		},
		OnStop: func(ctx context.Context) error {
			return j.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting imgscalr %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
