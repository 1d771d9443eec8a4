package uploader

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

// Artifact names written by Run, in upload order.
const (
	FirmwareName = "firmware.bin"
	VersionName  = "firmware_version.txt"
	MD5Name      = "firmware.md5"
)

// ErrEmptyVersion is returned when neither flag nor file yields a version.
var ErrEmptyVersion = errors.New("Firmware version is empty.")

// Config describes one firmware bundle upload.
type Config struct {
	BaseURL  string
	Firmware string

	Version string
	// VersionSet marks Version as given explicitly, even when empty.
	VersionSet  bool
	VersionFile string
	// VersionFileSet marks VersionFile as given explicitly, even when empty.
	VersionFileSet bool

	// CheckStatus turns any non-2xx response into an error.
	CheckStatus bool
	// Timeout bounds each POST. Zero means no limit.
	Timeout time.Duration
	Client  *http.Client
}

// Result summarizes a completed upload.
type Result struct {
	Firmware string
	Version  string
	MD5      string
	BaseURL  string
}

func (r Result) String() string {
	return fmt.Sprintf("Uploaded %s as %s with firmware version %s and MD5 %s to %s",
		r.Firmware, FirmwareName, r.Version, r.MD5, r.BaseURL)
}

// Validate checks the inputs that can be checked before anything is sent.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if !isRegularFile(c.Firmware) {
		return fmt.Errorf("Firmware file %s does not exist.", c.Firmware)
	}
	if c.VersionSet && c.versionFileGiven() {
		return errors.New("Must pass only firmware version OR firmware version file, not both.")
	}
	if c.versionFileGiven() && !isRegularFile(c.VersionFile) {
		return fmt.Errorf("Firmware version file %s does not exist.", c.VersionFile)
	}
	return nil
}

func (c Config) versionFileGiven() bool {
	return c.VersionFileSet || c.VersionFile != ""
}

// Run posts the firmware image, its version and its MD5 to BaseURL in that order.
// The image is sent before the version is resolved, so an empty version still
// leaves a new firmware.bin on the server.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	image, err := os.ReadFile(cfg.Firmware)
	if err != nil {
		return Result{}, fmt.Errorf("read firmware: %w", err)
	}
	if err := cfg.post(ctx, client, FirmwareName, image); err != nil {
		return Result{}, err
	}

	version := cfg.Version
	if cfg.versionFileGiven() {
		data, err := os.ReadFile(cfg.VersionFile)
		if err != nil {
			return Result{}, fmt.Errorf("read firmware version file: %w", err)
		}
		version = string(data)
	}
	if version == "" {
		return Result{}, ErrEmptyVersion
	}
	if err := cfg.post(ctx, client, VersionName, []byte(version)); err != nil {
		return Result{}, err
	}

	sum := md5.Sum(image)
	digest := hex.EncodeToString(sum[:])
	if err := cfg.post(ctx, client, MD5Name, []byte(digest)); err != nil {
		return Result{}, err
	}

	return Result{
		Firmware: cfg.Firmware,
		Version:  version,
		MD5:      digest,
		BaseURL:  cfg.BaseURL,
	}, nil
}

func (c Config) post(ctx context.Context, client *http.Client, filename string, content []byte) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	status, err := PostFile(ctx, client, c.BaseURL, filename, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	if c.CheckStatus && (status < 200 || status > 299) {
		return fmt.Errorf("upload %s: server responded %d %s", filename, status, http.StatusText(status))
	}
	return nil
}

// PostFile sends content as the multipart field "file" named filename and returns the response status.
func PostFile(ctx context.Context, client *http.Client, target, filename string, content io.Reader) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return 0, err
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func isRegularFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
