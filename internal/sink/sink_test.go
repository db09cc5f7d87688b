package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/atmoslab/era-fetcher/internal/plan"
)

func testSpec() plan.ChunkSpec {
	return plan.ChunkSpec{
		ID:         "surface_an-20160801-20160803",
		Product:    "surface_an",
		TargetPath: filepath.Join("cabauw", "2016", "08", "01_03", "surface_an.nc"),
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestSink(t *testing.T) (*Sink, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(context.Background(), root, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, root
}

func TestWriteLandsPayloadAtTargetPath(t *testing.T) {
	s, root := newTestSink(t)
	payload := []byte("gridded reanalysis fields")

	path, n, err := s.Write(context.Background(), testSpec(), bytes.NewReader(payload), Transfer{
		Size:     int64(len(payload)),
		Checksum: "sha256:" + sha256Hex(payload),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("written = %d, want %d", n, len(payload))
	}

	want := filepath.Join(root, "cabauw", "2016", "08", "01_03", "surface_an.nc")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading landed file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("landed content = %q", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestWriteRejectsSizeMismatch(t *testing.T) {
	s, root := newTestSink(t)
	payload := []byte("short")

	_, _, err := s.Write(context.Background(), testSpec(), bytes.NewReader(payload), Transfer{Size: 100})
	if err == nil {
		t.Fatal("truncated payload accepted")
	}

	final := filepath.Join(root, testSpec().TargetPath)
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Error("final file exists after size mismatch")
	}
	if _, err := os.Stat(final + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after size mismatch")
	}
}

func TestWriteRejectsChecksumMismatch(t *testing.T) {
	s, root := newTestSink(t)
	payload := []byte("gridded fields")

	_, _, err := s.Write(context.Background(), testSpec(), bytes.NewReader(payload), Transfer{
		Size:     int64(len(payload)),
		Checksum: "sha256:" + sha256Hex([]byte("different bytes")),
	})
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("got %v, want checksum mismatch", err)
	}

	if _, err := os.Stat(filepath.Join(root, testSpec().TargetPath)); !os.IsNotExist(err) {
		t.Error("final file exists after checksum mismatch")
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestWriteBrokenStreamLeavesNoFinalFile(t *testing.T) {
	s, root := newTestSink(t)

	r := io.MultiReader(strings.NewReader("partial data"), brokenReader{})
	_, _, err := s.Write(context.Background(), testSpec(), r, Transfer{Size: 1000})
	if err == nil {
		t.Fatal("broken stream accepted")
	}

	final := filepath.Join(root, testSpec().TargetPath)
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Error("final file exists after broken stream")
	}
	if _, err := os.Stat(final + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after broken stream")
	}
}

func TestWriteSkipsExistingTarget(t *testing.T) {
	s, root := newTestSink(t)
	existing := []byte("already downloaded")

	final := filepath.Join(root, testSpec().TargetPath)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(final, existing, 0644); err != nil {
		t.Fatal(err)
	}

	// The reader must not be touched when the target already exists.
	path, n, err := s.Write(context.Background(), testSpec(), brokenReader{}, Transfer{
		Size: int64(len(existing)),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if path != final {
		t.Errorf("path = %s", path)
	}
	if n != int64(len(existing)) {
		t.Errorf("written = %d, want existing size %d", n, len(existing))
	}

	got, _ := os.ReadFile(final)
	if !bytes.Equal(got, existing) {
		t.Error("existing file was rewritten")
	}
}

func TestWriteDecompressesGzipPayload(t *testing.T) {
	s, root := newTestSink(t)
	plain := []byte("fields compressed in flight")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(plain)
	gz.Close()

	_, n, err := s.Write(context.Background(), testSpec(), &buf, Transfer{
		Size:     int64(len(plain)),
		Checksum: "sha256:" + sha256Hex(plain),
		Gzip:     true,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != int64(len(plain)) {
		t.Errorf("written = %d, want decoded size %d", n, len(plain))
	}

	got, err := os.ReadFile(filepath.Join(root, testSpec().TargetPath))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("landed content = %q, want decompressed payload", got)
	}
}

func TestWriteMirrorsToBucket(t *testing.T) {
	root := t.TempDir()
	mirrorDir := t.TempDir()

	s, err := New(context.Background(), root, "file://"+mirrorDir)
	if err != nil {
		t.Fatalf("New with mirror: %v", err)
	}
	defer s.Close()

	payload := []byte("mirrored chunk")
	if _, _, err := s.Write(context.Background(), testSpec(), bytes.NewReader(payload), Transfer{
		Size: int64(len(payload)),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mirrored, err := os.ReadFile(filepath.Join(mirrorDir, testSpec().TargetPath))
	if err != nil {
		t.Fatalf("mirrored object missing: %v", err)
	}
	if !bytes.Equal(mirrored, payload) {
		t.Errorf("mirrored content = %q", mirrored)
	}
}

func TestChecksumHex(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"", "", false},
		{"sha256:abcdef", "abcdef", true},
		{"abcdef0123", "abcdef0123", true},
		{"md5:abcdef", "", false},
	}

	for _, tt := range tests {
		got, ok := checksumHex(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("checksumHex(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
