// Package janitor periodically removes stale upload files from the temp dir.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/memohai/imgscalr/internal/keygen"
)

// Observer receives the counts of each sweep.
type Observer interface {
	RecordSweep(erased, total int)
}

// Config controls where and how often the janitor runs.
type Config struct {
	Dir      string
	ReadOnly bool
	Schedule string
	// Threshold is the minimum age of a file before it may be removed.
	Threshold time.Duration
}

// SweepResult reports one run.
type SweepResult struct {
	Erased int
	Total  int
}

// Janitor deletes files the pipeline left behind: originals retained after a
// failed upload, leftovers of crashed executions and UUID-named spool files.
type Janitor struct {
	cfg       Config
	artifacts *keygen.Matcher
	observer  Observer
	logger    *slog.Logger
	cron      *cron.Cron
	now       func() time.Time

	mu      sync.Mutex
	running bool
	entry   cron.EntryID
}

// New validates the schedule and creates a stopped janitor. Besides UUID spool
// files, only names accepted by artifacts are ever removed.
func New(log *slog.Logger, cfg Config, artifacts *keygen.Matcher, observer Observer) (*Janitor, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Threshold <= 0 {
		return nil, errors.New("janitor threshold must be greater than 0")
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}
	return &Janitor{
		cfg:       cfg,
		artifacts: artifacts,
		observer:  observer,
		logger:    log.With(slog.String("service", "janitor")),
		cron:      cron.New(cron.WithParser(parser)),
		now:       time.Now,
	}, nil
}

// Start schedules the sweep. The job is registered once; a restart after Stop
// resumes the same entry.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if j.entry == 0 {
		id, err := j.cron.AddFunc(j.cfg.Schedule, func() { j.Sweep() })
		if err != nil {
			return fmt.Errorf("schedule janitor: %w", err)
		}
		j.entry = id
	}
	j.cron.Start()
	j.running = true
	j.logger.Info("janitor started",
		slog.String("dir", j.cfg.Dir),
		slog.String("schedule", j.cfg.Schedule),
		slog.Duration("threshold", j.cfg.Threshold),
	)
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish or ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	j.mu.Unlock()

	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep removes every eligible file once.
func (j *Janitor) Sweep() SweepResult {
	if j.cfg.ReadOnly {
		j.logger.Warn("temp dir is read-only, skipping cleanup", slog.String("dir", j.cfg.Dir))
		return SweepResult{}
	}
	entries, err := os.ReadDir(j.cfg.Dir)
	if err != nil {
		j.logger.Warn("temp dir is missing, skipping cleanup", slog.String("dir", j.cfg.Dir), slog.Any("error", err))
		return SweepResult{}
	}

	var stale []string
	cutoff := j.now().Add(-j.cfg.Threshold)
	for _, entry := range entries {
		if entry.IsDir() || !j.eligible(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Join(j.cfg.Dir, entry.Name()))
		}
	}
	if len(stale) == 0 {
		return SweepResult{}
	}

	res := SweepResult{Total: len(stale)}
	j.logger.Info("temp cleanup, erasing files", slog.Int("count", len(stale)))
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			j.logger.Error("unable to erase temp file", slog.String("path", path), slog.Any("error", err))
			continue
		}
		res.Erased++
	}
	j.logger.Info("temp cleanup complete", slog.Int("erased", res.Erased), slog.Int("total", res.Total))
	if j.observer != nil {
		j.observer.RecordSweep(res.Erased, res.Total)
	}
	return res
}

func (j *Janitor) eligible(name string) bool {
	if IsSpoolName(name) {
		return true
	}
	return j.artifacts != nil && j.artifacts.Match(name)
}

// IsSpoolName reports whether name is a bare UUID, the shape of request body
// spool files written by upstream proxies and servers sharing the temp dir.
func IsSpoolName(name string) bool {
	if len(name) != 36 || strings.Contains(name, ".") {
		return false
	}
	_, err := uuid.Parse(name)
	return err == nil
}
