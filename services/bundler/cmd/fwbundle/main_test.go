package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"filippo.io/age"
)

func TestExportThenImport(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	t.Setenv("FWBUNDLE_AGE_SECRET_KEY", identity.String())
	t.Setenv("FWBUNDLE_AGE_PUBLIC_KEY", "")

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "fw", "deviceA"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "fw", "deviceA", "firmware.bin"), []byte("ABC"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	bundle := filepath.Join(t.TempDir(), "fw.tar.zst")

	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs([]string{"export", "--root", root, "--output", bundle})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("export error = %v", err)
	}

	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.Copy(io.Discard, file)
		mu.Lock()
		paths = append(paths, r.URL.Path+"/"+header.Filename)
		mu.Unlock()
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	cmd = newRootCommand(&out)
	cmd.SetArgs([]string{"import", "--file", bundle, "-u", srv.URL})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("import error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(paths, ",") != "/fw/deviceA/firmware.bin" {
		t.Fatalf("uploaded %v", paths)
	}
	if !strings.Contains(out.String(), "uploaded fw/deviceA/firmware.bin (3 bytes)") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestExportRequiresKey(t *testing.T) {
	t.Setenv("FWBUNDLE_AGE_SECRET_KEY", "")
	t.Setenv("FWBUNDLE_AGE_PUBLIC_KEY", "")

	cmd := newRootCommand(io.Discard)
	cmd.SetArgs([]string{"export", "--root", t.TempDir(), "--output", filepath.Join(t.TempDir(), "x.tar.zst")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without signing key")
	}
}
