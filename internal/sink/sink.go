// Package sink lands downloaded chunk payloads in the case directory
// layout, with an optional mirror to a blob bucket.
package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/atmoslab/era-fetcher/internal/logging"
	"github.com/atmoslab/era-fetcher/internal/plan"
)

// Transfer describes the payload arriving from the remote side. Size and
// Checksum refer to the decoded payload and are skipped when zero.
type Transfer struct {
	Size     int64
	Checksum string // "sha256:<hex>" or bare hex
	Gzip     bool
}

// Store is the landing surface for downloaded chunk payloads.
type Store interface {
	// Write streams r to the chunk's target path and returns the final
	// path and decoded byte count. The final file appears only after
	// the payload verified.
	Write(ctx context.Context, spec plan.ChunkSpec, r io.Reader, t Transfer) (string, int64, error)
	Close() error
}

// Sink writes chunks to the local filesystem under root.
type Sink struct {
	root   string
	mirror *blob.Bucket
	log    *slog.Logger
}

var _ Store = (*Sink)(nil)

// New creates a sink rooted at root. mirrorURL may name a blob bucket
// (s3://, gs://, file://) that receives a copy of every chunk, empty
// disables mirroring.
func New(ctx context.Context, root, mirrorURL string) (*Sink, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create sink root %s: %w", root, err)
	}

	s := &Sink{
		root: root,
		log:  logging.Component("sink"),
	}
	if mirrorURL != "" {
		bucket, err := blob.OpenBucket(ctx, mirrorURL)
		if err != nil {
			return nil, fmt.Errorf("open mirror bucket %s: %w", mirrorURL, err)
		}
		s.mirror = bucket
	}
	return s, nil
}

// Write streams the payload to a temp file, verifies size and checksum,
// then renames into place. A failure at any point leaves no final file.
func (s *Sink) Write(ctx context.Context, spec plan.ChunkSpec, r io.Reader, t Transfer) (string, int64, error) {
	path := filepath.Join(s.root, spec.TargetPath)

	// A file of the expected size is a finished earlier download.
	if fi, err := os.Stat(path); err == nil {
		if t.Size == 0 || fi.Size() == t.Size {
			s.log.Info("target already exists, skipping", "chunk_id", spec.ID, "path", path)
			return path, fi.Size(), nil
		}
		s.log.Warn("existing target has wrong size, rewriting",
			"chunk_id", spec.ID, "have", fi.Size(), "want", t.Size)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	written, sum, err := writeTemp(tempPath, r, t.Gzip)
	if err != nil {
		os.Remove(tempPath)
		return "", 0, err
	}

	if t.Size > 0 && written != t.Size {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("size mismatch for %s: wrote %d bytes, expected %d", spec.ID, written, t.Size)
	}
	if want, ok := checksumHex(t.Checksum); ok {
		if !strings.EqualFold(want, sum) {
			os.Remove(tempPath)
			return "", 0, fmt.Errorf("checksum mismatch for %s: have %s, want %s", spec.ID, sum, want)
		}
	} else if t.Checksum != "" {
		s.log.Warn("unsupported checksum algorithm, skipping verification",
			"chunk_id", spec.ID, "checksum", t.Checksum)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", 0, fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	s.log.Info("chunk landed", "chunk_id", spec.ID, "path", path, "bytes", written)

	if s.mirror != nil {
		// The local copy is authoritative, a failed mirror upload does
		// not fail the chunk.
		if err := s.mirrorUpload(ctx, spec.TargetPath, path); err != nil {
			s.log.Warn("mirror upload failed", "key", spec.TargetPath, "error", err)
		}
	}

	return path, written, nil
}

// writeTemp copies the payload to tempPath, decompressing when the
// transport delivered gzip, and returns the decoded byte count and
// sha256 hex digest.
func writeTemp(tempPath string, r io.Reader, gzipped bool) (int64, string, error) {
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return 0, "", fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	f, err := os.Create(tempPath)
	if err != nil {
		return 0, "", fmt.Errorf("create temp file %s: %w", tempPath, err)
	}

	hash := sha256.New()
	written, err := io.Copy(f, io.TeeReader(r, hash))
	if err != nil {
		f.Close()
		return 0, "", fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close temp file %s: %w", tempPath, err)
	}

	return written, hex.EncodeToString(hash.Sum(nil)), nil
}

// checksumHex extracts the expected sha256 hex digest, reporting false
// for empty or unsupported checksums.
func checksumHex(checksum string) (string, bool) {
	if checksum == "" {
		return "", false
	}
	if rest, ok := strings.CutPrefix(checksum, "sha256:"); ok {
		return rest, true
	}
	if strings.Contains(checksum, ":") {
		return "", false
	}
	return checksum, true
}

func (s *Sink) mirrorUpload(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := s.mirror.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("write mirror object %s: %w", key, err)
	}
	return w.Close()
}

// Close releases the mirror bucket if one is open.
func (s *Sink) Close() error {
	if s.mirror != nil {
		return s.mirror.Close()
	}
	return nil
}
