package handlers

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/imgscalr/internal/decode"
	"github.com/memohai/imgscalr/internal/pipeline"
)

// Upload request headers sent by the HTML5 uploader.
const (
	HeaderFileName     = "X-File-Name"
	HeaderFileType     = "X-File-Type"
	HeaderFileSize     = "X-File-Size"
	HeaderFileEncoding = "X-File-Encoding"
)

// Processor runs one upload through the pipeline.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) pipeline.Result
}

// UploadHandler serves POST /upload.
type UploadHandler struct {
	processor Processor
	timeout   time.Duration
	logger    *slog.Logger
}

// NewUploadHandler creates the upload handler. A zero timeout disables the
// per-request deadline.
func NewUploadHandler(log *slog.Logger, processor Processor, timeout time.Duration) *UploadHandler {
	return &UploadHandler{
		processor: processor,
		timeout:   timeout,
		logger:    log.With(slog.String("handler", "upload")),
	}
}

// Register mounts POST /upload on the Echo instance.
func (h *UploadHandler) Register(e *echo.Echo) {
	e.POST("/upload", h.Upload)
}

// Upload streams the request body through the pipeline and always answers 200
// with the JSON result; failures are reported in its code and message.
func (h *UploadHandler) Upload(c echo.Context) error {
	r := c.Request()
	req := pipeline.Request{
		FileName: r.Header.Get(HeaderFileName),
		FileType: r.Header.Get(HeaderFileType),
		Body:     r.Body,
		Source:   SourceIP(r),
	}
	if raw := strings.TrimSpace(r.Header.Get(HeaderFileSize)); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.logger.Error("unable to parse x-file-size header", slog.String("value", raw))
		} else if size > 0 {
			req.FileSize = size
		}
	}
	if raw := r.Header.Get(HeaderFileEncoding); raw != "" {
		enc, err := decode.ParseEncoding(raw, "")
		if err != nil {
			// An unknown encoding is left to the configured default.
			h.logger.Warn("ignoring x-file-encoding header", slog.String("value", raw))
		} else {
			req.Encoding = enc
		}
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	result := h.processor.Process(ctx, req)
	return c.JSON(http.StatusOK, result)
}

// SourceIP identifies the client: X-Real-IP, then X-Forwarded-For, then the
// connection's remote address.
func SourceIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
