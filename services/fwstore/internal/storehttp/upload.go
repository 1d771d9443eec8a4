package storehttp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"fwdist/services/fwstore/internal/sanitize"
)

const (
	formField         = "file"
	msgNoFilePart     = "No file part"
	msgNoSelectedFile = "No selected file"
	notifyTimeout     = 30 * time.Second
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	segs, err := segments(r, "type", "second")
	if err != nil {
		s.opts.Metrics.upload(resultRejected, 0)
		http.NotFound(w, r)
		return
	}

	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}

	src, header, err := r.FormFile(formField)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.opts.Metrics.upload(resultTooLarge, 0)
			s.rejectUpload(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.opts.Metrics.upload(resultRejected, 0)
		s.rejectUpload(w, r, http.StatusBadRequest, missingMessage(r))
		return
	}
	defer src.Close()

	filename := sanitize.Filename(rawFilename(header))
	if filename == "" {
		s.opts.Metrics.upload(resultRejected, 0)
		s.rejectUpload(w, r, http.StatusBadRequest, msgNoSelectedFile)
		return
	}

	artifact, err := s.store(segs, filename, src)
	if err != nil {
		s.opts.Metrics.upload(resultFailed, 0)
		s.logger.Printf("ERROR store %s: %v", filename, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	s.opts.Metrics.upload(resultStored, artifact.Size)
	s.logger.Printf("INFO stored %s (%d bytes, sha256 %s)", artifact.Path, artifact.Size, artifact.SHA256)

	s.notify(r.Context(), artifact)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

// rawFilename returns the client-supplied filename before multipart strips its directory.
func rawFilename(header *multipart.FileHeader) string {
	_, params, err := mime.ParseMediaType(header.Header.Get("Content-Disposition"))
	if err != nil || params["filename"] == "" {
		return header.Filename
	}
	return params["filename"]
}

// missingMessage distinguishes an absent field from a field sent without a filename.
// multipart parses the latter as a plain value.
func missingMessage(r *http.Request) string {
	if r.MultipartForm != nil {
		if _, ok := r.MultipartForm.Value[formField]; ok {
			return msgNoSelectedFile
		}
	}
	return msgNoFilePart
}

func (s *Server) rejectUpload(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if s.opts.StrictErrors || status == http.StatusRequestEntityTooLarge {
		respondError(w, status, errors.New(msg))
		return
	}
	redirectWithFlash(w, r, msg)
}

func (s *Server) store(segs []string, filename string, src multipart.File) (StoredArtifact, error) {
	dir, err := within(s.base, segs...)
	if err != nil {
		return StoredArtifact{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StoredArtifact{}, fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return StoredArtifact{}, err
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return StoredArtifact{}, fmt.Errorf("write %s: %w", path, err)
	}

	artifact := StoredArtifact{
		Type:     segs[0],
		Filename: filename,
		Path:     path,
		Size:     n,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		StoredAt: s.now().UTC(),
	}
	if len(segs) > 1 {
		artifact.Second = segs[1]
	}
	return artifact, nil
}

// notify runs every notifier in order. Failures are logged and never reach the client.
func (s *Server) notify(ctx context.Context, artifact StoredArtifact) {
	if len(s.opts.Notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	for _, n := range s.opts.Notifiers {
		if err := n.Notify(ctx, artifact); err != nil {
			s.logger.Printf("WARN %s failed for %s: %v", n.Name(), artifact.Key(), err)
		}
	}
}
