package bundler

import (
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest represents the signed metadata included in bundles.
type Manifest struct {
	Version          string             `yaml:"version"`
	CreatedAt        time.Time          `yaml:"created_at"`
	Signer           string             `yaml:"signer,omitempty"`
	SigningPublicKey string             `yaml:"signing_public_key,omitempty"`
	Signature        string             `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestArtifact describes one stored file, addressed as type/file or type/second/file.
type ManifestArtifact struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
	MD5    string `yaml:"md5"`
}

// Destination splits the artifact path into the upload directory and the filename.
func (a ManifestArtifact) Destination() (dir, filename string, err error) {
	clean := path.Clean(a.Path)
	if clean != a.Path || path.IsAbs(clean) {
		return "", "", fmt.Errorf("artifact path %q is not canonical", a.Path)
	}
	parts := strings.Split(clean, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", fmt.Errorf("artifact path %q must have 2 or 3 segments", a.Path)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", "", fmt.Errorf("artifact path %q has an invalid segment", a.Path)
		}
	}
	return path.Join(parts[:len(parts)-1]...), parts[len(parts)-1], nil
}
