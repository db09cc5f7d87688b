// Package catalog records landed downloads in an external catalog so
// other tooling can discover what a run produced.
package catalog

import (
	"context"
	"log"
	"time"
)

// Config holds catalog configuration.
type Config struct {
	PostgresDSN string
}

// ChunkDownload describes one verified chunk on disk.
type ChunkDownload struct {
	RunID        string
	ChunkID      string
	Product      string
	Dataset      string
	Start        time.Time
	End          time.Time
	Path         string
	ByteSize     int64
	Checksum     string
	AttemptCount int
	DurationMs   int64
	DownloadedAt time.Time
}

// Writer persists download records.
type Writer interface {
	RecordDownload(ctx context.Context, rec ChunkDownload) error
	Close() error
}

// NewWriter returns a Postgres-backed writer, or a no-op writer when no
// DSN is configured.
func NewWriter(cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		log.Println("[catalog] no DSN configured, catalog disabled")
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg.PostgresDSN)
}

type noopWriter struct{}

func (noopWriter) RecordDownload(_ context.Context, _ ChunkDownload) error { return nil }
func (noopWriter) Close() error                                            { return nil }
