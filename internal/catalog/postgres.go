package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter connects to the catalog database and ensures the
// schema exists.
func NewPostgresWriter(dsn string) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool}
	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Println("[catalog] connected to PostgreSQL catalog")
	return w, nil
}

func (w *PostgresWriter) initSchema(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordDownload upserts the download record for a chunk. Re-downloads
// of the same chunk within a run overwrite the earlier row.
func (w *PostgresWriter) RecordDownload(ctx context.Context, rec ChunkDownload) error {
	query := `
		INSERT INTO era_downloads (
			run_id, chunk_id, product, dataset, span_start, span_end,
			storage_path, byte_size, checksum, attempt_count, duration_ms, downloaded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id, chunk_id)
		DO UPDATE SET
			storage_path = EXCLUDED.storage_path,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			attempt_count = EXCLUDED.attempt_count,
			duration_ms = EXCLUDED.duration_ms,
			downloaded_at = EXCLUDED.downloaded_at
	`

	var checksum *string
	if rec.Checksum != "" {
		checksum = &rec.Checksum
	}

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.ChunkID,
		rec.Product,
		rec.Dataset,
		rec.Start,
		rec.End,
		rec.Path,
		rec.ByteSize,
		checksum,
		rec.AttemptCount,
		rec.DurationMs,
		rec.DownloadedAt,
	)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}

	log.Printf("[catalog] recorded download %s (%d bytes)", rec.ChunkID, rec.ByteSize)
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
