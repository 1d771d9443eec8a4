package tftp

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "esp32", "deviceA"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "esp32", "deviceA", "firmware.bin"), []byte("ABC"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return NewServer(root, "", 0, log.New(io.Discard, "", 0)), root
}

func TestReadHandlerServesFile(t *testing.T) {
	srv, _ := newTestServer(t)
	var served int64
	srv.served = func(_ string, n int64) { served = n }

	var buf bytes.Buffer
	if err := srv.readHandler("/esp32/deviceA/firmware.bin", &buf); err != nil {
		t.Fatalf("readHandler: %v", err)
	}
	if buf.String() != "ABC" {
		t.Fatalf("unexpected content %q", buf.String())
	}
	if served != 3 {
		t.Fatalf("served hook got %d bytes", served)
	}
}

func TestReadHandlerConfinesPaths(t *testing.T) {
	srv, root := newTestServer(t)
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	if err := os.WriteFile(outside, []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(outside) })

	tests := []string{
		"../secret.txt",
		"esp32/../../secret.txt",
		"..\\secret.txt",
		"/",
	}
	for _, name := range tests {
		var buf bytes.Buffer
		err := srv.readHandler(name, &buf)
		if err == nil {
			t.Fatalf("readHandler(%q) expected error", name)
		}
		if buf.Len() != 0 {
			t.Fatalf("readHandler(%q) leaked %q", name, buf.String())
		}
	}
}

func TestReadHandlerRejectsDirectoriesAndMissing(t *testing.T) {
	srv, _ := newTestServer(t)
	var buf bytes.Buffer
	if err := srv.readHandler("esp32/deviceA", &buf); err == nil {
		t.Fatal("expected error for directory")
	}
	if err := srv.readHandler("esp32/deviceA/missing.bin", &buf); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWriteHandlerIsReadOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.writeHandler("esp32/evil.bin", nil); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("writeHandler error = %v, want ErrReadOnly", err)
	}
}
