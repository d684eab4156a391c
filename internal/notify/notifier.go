package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"text/template"
	"time"

	"github.com/memohai/imgscalr/internal/pipeline"
)

const subjectFormat = "[imgscalr] Image Uploaded %s"

var bodyTemplate = template.Must(template.New("upload").Parse(`An image was uploaded from {{.Source}}.

File name: {{.Result.OriginalFileName}}
Key:       {{.Result.Key.ID}}
{{range .Artifacts}}
{{printf "%-9s" .Label}} {{.Width}}x{{.Height}} {{.SizeInBytes}} bytes{{if .URL}} {{.URL}}{{end}}{{end}}
`))

type artifactLine struct {
	Label string
	pipeline.ArtifactMetadata
}

// Render builds the notification mail for one upload.
func Render(from string, to []string, source string, result pipeline.Result) (Message, error) {
	var lines []artifactLine
	for _, label := range result.Labels() {
		meta := result.Artifacts[label]
		if meta.Width == 0 {
			continue
		}
		lines = append(lines, artifactLine{Label: label, ArtifactMetadata: meta})
	}
	var body bytes.Buffer
	err := bodyTemplate.Execute(&body, struct {
		Source    string
		Result    pipeline.Result
		Artifacts []artifactLine
	}{source, result, lines})
	if err != nil {
		return Message{}, fmt.Errorf("render mail body: %w", err)
	}
	return Message{
		From:    from,
		To:      to,
		Subject: fmt.Sprintf(subjectFormat, result.Original().URL),
		Body:    body.String(),
	}, nil
}

// Async sends notifications in the background. Notify never blocks the
// caller; Close waits for sends already in flight.
type Async struct {
	sender  Sender
	from    string
	to      []string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ pipeline.Notifier = (*Async)(nil)

// NewAsync creates a notifier. A nil sender or empty recipient list turns
// Notify into a no-op.
func NewAsync(log *slog.Logger, sender Sender, from string, to []string, timeout time.Duration) *Async {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{
		sender:  sender,
		from:    from,
		to:      append([]string(nil), to...),
		timeout: timeout,
		logger:  log.With(slog.String("service", "notify")),
	}
}

// Notify renders and sends the upload mail in a new goroutine.
func (a *Async) Notify(source string, result pipeline.Result) {
	if a.sender == nil || len(a.to) == 0 {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Warn("notifier closed, dropping notification", slog.String("upload_key", result.Key.ID))
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		msg, err := Render(a.from, a.to, source, result)
		if err != nil {
			a.logger.Error("render notification failed", slog.Any("error", err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.sender.Send(ctx, msg); err != nil {
			a.logger.Error("send notification failed",
				slog.String("upload_key", result.Key.ID),
				slog.Any("error", err),
			)
			return
		}
		a.logger.Debug("notification sent", slog.String("upload_key", result.Key.ID))
	}()
}

// Close stops accepting notifications and waits for in-flight sends or ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
