package bundler

import (
	"io"
	"net/http"
	"time"
)

// ExportConfig configures bundle creation from a firmware tree.
type ExportConfig struct {
	Root   string
	Output string
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// ImportConfig configures pushing a bundle into a storage server.
type ImportConfig struct {
	BundlePath string
	BaseURL    string
	HTTPClient *http.Client
	Verifier   *Verifier
	// DryRun verifies the bundle without uploading anything.
	DryRun bool
	Stdout io.Writer
}
