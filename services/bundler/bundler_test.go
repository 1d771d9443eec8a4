package bundler

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signer, err := LoadSigner(identity.String())
	if err != nil {
		t.Fatalf("LoadSigner() error = %v", err)
	}
	return signer
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return root
}

type storedPost struct {
	path     string
	filename string
	content  string
}

type uploadRecorder struct {
	mu     sync.Mutex
	posts  []storedPost
	status int
}

func (u *uploadRecorder) snapshot() []storedPost {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]storedPost(nil), u.posts...)
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	u.mu.Lock()
	u.posts = append(u.posts, storedPost{path: r.URL.Path, filename: header.Filename, content: string(data)})
	status := u.status
	u.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func exportTestBundle(t *testing.T, signer *Signer) (string, *Manifest) {
	t.Helper()
	root := writeTree(t, map[string]string{
		"fw/firmware.bin":                 "ABC",
		"fw/deviceA/firmware.bin":         "DEF",
		"fw/deviceA/firmware_version.txt": "7",
		"README":                          "top-level files are not artifacts",
		"fw/deviceA/nested/too/deep.bin":  "skip",
		"fw/.readyz-123":                  "skip",
		".git/config":                     "skip",
	})
	output := filepath.Join(t.TempDir(), "out", "fw.tar.zst")

	manifest, err := Export(context.Background(), ExportConfig{
		Root:   root,
		Output: output,
		Signer: signer,
		Now:    func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		Stdout: io.Discard,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	return output, manifest
}

func TestExportCollectsStoredArtifacts(t *testing.T) {
	_, manifest := exportTestBundle(t, newTestSigner(t))

	var paths []string
	for _, a := range manifest.Artifacts {
		paths = append(paths, a.Path)
	}
	want := "fw/deviceA/firmware.bin,fw/deviceA/firmware_version.txt,fw/firmware.bin"
	if strings.Join(paths, ",") != want {
		t.Fatalf("artifacts = %v, want %s", paths, want)
	}

	last := manifest.Artifacts[2]
	if last.Size != 3 || last.MD5 != "902fbdd2b1df0c4f70b4a5d23525e932" ||
		last.SHA256 != "b5d4045c3f466fa91fe2cc6abe79232a1a57cdf104f7a26e716e0a1e2789df78" {
		t.Fatalf("unexpected digest for fw/firmware.bin: %+v", last)
	}
	if manifest.Signature == "" || manifest.SigningPublicKey == "" || !strings.HasPrefix(manifest.Signer, "age1") {
		t.Fatalf("manifest not signed: %+v", manifest)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	bundle, _ := exportTestBundle(t, signer)

	rec := &uploadRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	verifier, err := LoadVerifier("", signer.Verifier().PublicKey())
	if err != nil {
		t.Fatalf("LoadVerifier() error = %v", err)
	}

	var out bytes.Buffer
	manifest, err := Import(context.Background(), ImportConfig{
		BundlePath: bundle,
		BaseURL:    srv.URL + "/",
		Verifier:   verifier,
		Stdout:     &out,
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(manifest.Artifacts) != 3 {
		t.Fatalf("imported %d artifacts", len(manifest.Artifacts))
	}

	want := []storedPost{
		{path: "/fw/deviceA", filename: "firmware.bin", content: "DEF"},
		{path: "/fw/deviceA", filename: "firmware_version.txt", content: "7"},
		{path: "/fw", filename: "firmware.bin", content: "ABC"},
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("posts = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("post %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if !strings.Contains(out.String(), "verified manifest signed at 2024-05-01T12:00:00Z") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestImportDryRunUploadsNothing(t *testing.T) {
	signer := newTestSigner(t)
	bundle, _ := exportTestBundle(t, signer)

	var out bytes.Buffer
	if _, err := Import(context.Background(), ImportConfig{BundlePath: bundle, Verifier: signer.Verifier(), DryRun: true, Stdout: &out}); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if !strings.Contains(out.String(), "verified 3 artifacts") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestImportRejectsServerErrors(t *testing.T) {
	signer := newTestSigner(t)
	bundle, _ := exportTestBundle(t, signer)

	rec := &uploadRecorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	_, err := Import(context.Background(), ImportConfig{BundlePath: bundle, BaseURL: srv.URL, Verifier: signer.Verifier(), Stdout: io.Discard})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("Import() error = %v, want 500 failure", err)
	}
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("expected import to stop after the first failure, got %d posts", n)
	}
}

// rewriteBundle copies src to a new bundle, passing every regular entry through mutate.
func rewriteBundle(t *testing.T, src string, mutate func(name string, data []byte) (string, []byte)) string {
	t.Helper()
	in, err := os.Open(src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	dst := filepath.Join(t.TempDir(), "tampered.tar.zst")
	out, err := os.Create(dst)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(enc)

	tr := tar.NewReader(dec)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		data, _ := io.ReadAll(tr)
		name, data := mutate(header.Name, data)
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return dst
}

func TestImportDetectsTampering(t *testing.T) {
	signer := newTestSigner(t)
	bundle, _ := exportTestBundle(t, signer)

	tests := []struct {
		name    string
		mutate  func(string, []byte) (string, []byte)
		wantErr string
	}{
		{
			name: "artifact content",
			mutate: func(name string, data []byte) (string, []byte) {
				if name == "artifacts/fw/firmware.bin" {
					return name, []byte("XYZ")
				}
				return name, data
			},
			wantErr: "sha256 mismatch",
		},
		{
			name: "artifact size",
			mutate: func(name string, data []byte) (string, []byte) {
				if name == "artifacts/fw/firmware.bin" {
					return name, []byte("ABCD")
				}
				return name, data
			},
			wantErr: "size mismatch",
		},
		{
			name: "manifest edited",
			mutate: func(name string, data []byte) (string, []byte) {
				if name == manifestFileName {
					return name, bytes.Replace(data, []byte("fw/firmware.bin"), []byte("fw/evil.bin"), 1)
				}
				return name, data
			},
			wantErr: "verify manifest signature",
		},
		{
			name: "artifact missing",
			mutate: func(name string, data []byte) (string, []byte) {
				if name == "artifacts/fw/firmware.bin" {
					return "artifacts/fw/other.bin", data
				}
				return name, data
			},
			wantErr: "missing from archive",
		},
		{
			name: "path traversal",
			mutate: func(name string, data []byte) (string, []byte) {
				if name == "artifacts/fw/firmware.bin" {
					return "../../escape.bin", data
				}
				return name, data
			},
			wantErr: "invalid entry path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := rewriteBundle(t, bundle, tt.mutate)
			_, err := Import(context.Background(), ImportConfig{BundlePath: tampered, Verifier: signer.Verifier(), DryRun: true, Stdout: io.Discard})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Import() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestImportRejectsForeignSigner(t *testing.T) {
	bundle, _ := exportTestBundle(t, newTestSigner(t))
	_, err := Import(context.Background(), ImportConfig{BundlePath: bundle, Verifier: newTestSigner(t).Verifier(), DryRun: true, Stdout: io.Discard})
	if err == nil || !strings.Contains(err.Error(), "unexpected key") {
		t.Fatalf("Import() error = %v, want key mismatch", err)
	}
}

func TestExportValidation(t *testing.T) {
	signer := newTestSigner(t)
	empty := t.TempDir()

	tests := []struct {
		name string
		cfg  ExportConfig
	}{
		{name: "no root", cfg: ExportConfig{Output: "x", Signer: signer}},
		{name: "no output", cfg: ExportConfig{Root: empty, Signer: signer}},
		{name: "no signer", cfg: ExportConfig{Root: empty, Output: "x"}},
		{name: "empty tree", cfg: ExportConfig{Root: empty, Output: filepath.Join(t.TempDir(), "x"), Signer: signer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Export(context.Background(), tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestManifestArtifactDestination(t *testing.T) {
	tests := []struct {
		path     string
		dir      string
		filename string
		wantErr  bool
	}{
		{path: "fw/firmware.bin", dir: "fw", filename: "firmware.bin"},
		{path: "fw/deviceA/firmware.md5", dir: "fw/deviceA", filename: "firmware.md5"},
		{path: "firmware.bin", wantErr: true},
		{path: "a/b/c/d", wantErr: true},
		{path: "../fw/x", wantErr: true},
		{path: "/fw/x", wantErr: true},
		{path: "fw//x", wantErr: true},
	}
	for _, tt := range tests {
		dir, filename, err := ManifestArtifact{Path: tt.path}.Destination()
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Destination(%q) expected error", tt.path)
			}
			continue
		}
		if err != nil || dir != tt.dir || filename != tt.filename {
			t.Fatalf("Destination(%q) = %q, %q, %v", tt.path, dir, filename, err)
		}
	}
}

func TestUploadURLEscapesSegments(t *testing.T) {
	tests := []struct {
		base, dir, want string
	}{
		{base: "http://fw.local", dir: "fw/deviceA", want: "http://fw.local/fw/deviceA"},
		{base: "http://fw.local/", dir: "fw", want: "http://fw.local/fw"},
		{base: "http://fw.local/store", dir: "fw/50%off", want: "http://fw.local/store/fw/50%25off"},
		{base: "http://fw.local", dir: "fw/a#b?c", want: "http://fw.local/fw/a%23b%3Fc"},
		{base: "http://fw.local", dir: "fw/a b", want: "http://fw.local/fw/a%20b"},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			got, err := uploadURL(tt.base, tt.dir)
			if err != nil {
				t.Fatalf("uploadURL() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("uploadURL() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := uploadURL("http://[::1", "fw"); err == nil {
		t.Fatal("expected error for malformed base url")
	}
}

func TestImportKeepsUnusualDirectoryNames(t *testing.T) {
	signer := newTestSigner(t)
	root := writeTree(t, map[string]string{"fw/50%off #1?/firmware.bin": "ABC"})
	bundle := filepath.Join(t.TempDir(), "fw.tar.zst")
	if _, err := Export(context.Background(), ExportConfig{Root: root, Output: bundle, Signer: signer, Stdout: io.Discard}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	rec := &uploadRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	if _, err := Import(context.Background(), ImportConfig{BundlePath: bundle, BaseURL: srv.URL, Verifier: signer.Verifier(), Stdout: io.Discard}); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0].path != "/fw/50%off #1?" || got[0].filename != "firmware.bin" {
		t.Fatalf("posts = %+v", got)
	}
}
