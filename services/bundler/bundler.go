package bundler

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"fwdist/services/uploader"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"
)

// Export bundles every stored artifact under Root into a signed tar.zst written to Output.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.Root == "" {
		return nil, errors.New("root directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", cfg.Root)
	}

	entries, err := collectArtifacts(ctx, cfg.Root)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no artifacts found to bundle")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Artifacts: entries,
	}
	if err := cfg.Signer.SignManifest(manifest); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.Root, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d artifacts)\n", cfg.Output, len(entries))
	return manifest, nil
}

// collectArtifacts finds regular files at type/file or type/second/file depth. Dotfiles are skipped.
func collectArtifacts(ctx context.Context, root string) ([]ManifestArtifact, error) {
	var artifacts []ManifestArtifact
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		depth := strings.Count(rel, "/") + 1

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if depth >= 3 {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || depth < 2 {
			return nil
		}

		sha, sum, size, err := digestFile(path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, ManifestArtifact{
			Path:   rel,
			Size:   size,
			SHA256: sha,
			MD5:    sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func digestFile(path string) (sha string, sum string, size int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	shaHash := sha256.New()
	md5Hash := md5.New()
	size, err = io.Copy(io.MultiWriter(shaHash, md5Hash), file)
	if err != nil {
		return "", "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(shaHash.Sum(nil)), hex.EncodeToString(md5Hash.Sum(nil)), size, nil
}

func writeBundle(output string, manifest []byte, root string, entries []ManifestArtifact) (err error) {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close output file: %w", closeErr)
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeEntries(tw, manifest, root, entries); err != nil {
		_ = tw.Close()
		_ = encoder.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		_ = encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func writeEntries(tw *tar.Writer, manifest []byte, root string, entries []ManifestArtifact) error {
	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := writeArtifact(tw, root, entry); err != nil {
			return err
		}
	}
	return nil
}

func writeArtifact(tw *tar.Writer, root string, entry ManifestArtifact) error {
	fullPath := filepath.Join(root, filepath.FromSlash(entry.Path))
	file, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	header := &tar.Header{
		Name:     artifactsTarPrefix + "/" + entry.Path,
		Mode:     int64(info.Mode().Perm()),
		Size:     entry.Size,
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.CopyN(tw, file, entry.Size); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

// Import verifies a bundle and uploads each artifact to BaseURL/<type>[/<second>].
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.BaseURL == "" && !cfg.DryRun {
		return nil, errors.New("base url is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "fwbundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifestBytes, files, err := extractBundle(ctx, cfg.BundlePath, tempDir)
	if err != nil {
		return nil, err
	}

	manifest, err := verifyManifest(manifestBytes, cfg.Verifier)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	type upload struct {
		art      ManifestArtifact
		dir      string
		filename string
		tempPath string
	}
	uploads := make([]upload, 0, len(manifest.Artifacts))
	for _, art := range manifest.Artifacts {
		dir, filename, err := art.Destination()
		if err != nil {
			return nil, err
		}
		tempPath, ok := files[artifactsTarPrefix+"/"+art.Path]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		if err := validateArtifact(tempPath, art); err != nil {
			return nil, err
		}
		uploads = append(uploads, upload{art: art, dir: dir, filename: filename, tempPath: tempPath})
	}

	if cfg.DryRun {
		fmt.Fprintf(cfg.Stdout, "verified %d artifacts\n", len(uploads))
		return manifest, nil
	}

	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target, err := uploadURL(cfg.BaseURL, u.dir)
		if err != nil {
			return nil, err
		}
		if err := pushArtifact(ctx, cfg.HTTPClient, target, u.filename, u.tempPath); err != nil {
			return nil, fmt.Errorf("upload %q: %w", u.art.Path, err)
		}
		fmt.Fprintf(cfg.Stdout, "uploaded %s (%d bytes)\n", u.art.Path, u.art.Size)
	}

	return manifest, nil
}

func extractBundle(ctx context.Context, bundlePath, tempDir string) ([]byte, map[string]string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		files         = map[string]string{}
	)

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.ToSlash(filepath.Clean(header.Name))
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}

		targetPath, err := confined(tempDir, name)
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(targetPath), err)
		}
		if err := copyToFile(targetPath, tr); err != nil {
			return nil, nil, fmt.Errorf("write temp file for %q: %w", name, err)
		}
		files[name] = targetPath
	}

	if len(manifestBytes) == 0 {
		return nil, nil, errors.New("bundle missing manifest.yaml")
	}
	return manifestBytes, files, nil
}

func confined(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid entry path %q", name)
	}
	return target, nil
}

func copyToFile(path string, r io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func verifyManifest(data []byte, verifier *Verifier) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if err := verifier.VerifyManifest(manifest); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	return &manifest, nil
}

func validateArtifact(path string, art ManifestArtifact) error {
	sha, sum, size, err := digestFile(path)
	if err != nil {
		return err
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if !strings.EqualFold(sha, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	if art.MD5 != "" && !strings.EqualFold(sum, art.MD5) {
		return fmt.Errorf("md5 mismatch for %q", art.Path)
	}
	return nil
}

// uploadURL appends the slash-separated dir to base, escaping each segment.
func uploadURL(base, dir string) (string, error) {
	segs := strings.Split(dir, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	target, err := url.JoinPath(base, segs...)
	if err != nil {
		return "", fmt.Errorf("base url: %w", err)
	}
	return target, nil
}

func pushArtifact(ctx context.Context, client *http.Client, target, filename, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	status, err := uploader.PostFile(ctx, client, target, filename, file)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("server responded %d %s", status, http.StatusText(status))
	}
	return nil
}
