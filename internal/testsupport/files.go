package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteCorruptImage writes a file that carries an image extension but no
// decodable payload. Ingest tests use it to provoke corrupt-item errors.
func WriteCorruptImage(t testing.TB, path string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte("not a decodable image"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
