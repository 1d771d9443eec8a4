package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the storage server.
type Config struct {
	Addr    string `env:"FWSTORE_ADDR, default=:8080"`
	BaseDir string `env:"FWSTORE_BASE_DIR, default=/firmware"`

	// StrictErrors replaces the redirect on a missing upload with a 400 JSON error.
	StrictErrors   bool  `env:"FWSTORE_STRICT_ERRORS, default=false"`
	MaxUploadBytes int64 `env:"FWSTORE_MAX_UPLOAD_BYTES, default=0"`

	UploadRatePerMinute int      `env:"FWSTORE_UPLOAD_RATE_PER_MIN, default=0"`
	AllowedOrigins      []string `env:"FWSTORE_CORS_ALLOWED_ORIGINS"`

	ShutdownTimeout time.Duration `env:"FWSTORE_SHUTDOWN_TIMEOUT, default=10s"`

	TFTP   TFTPConfig
	Mirror MirrorConfig
	Events EventsConfig
}

// TFTPConfig controls the read-only TFTP listener.
type TFTPConfig struct {
	Enabled bool          `env:"FWSTORE_TFTP_ENABLED, default=false"`
	Address string        `env:"FWSTORE_TFTP_ADDRESS, default=:69"`
	Timeout time.Duration `env:"FWSTORE_TFTP_TIMEOUT, default=5s"`
}

// MirrorConfig enables copying every upload into an S3 bucket. The endpoint and
// credentials come from the S3_* variables read by pkg/s3.
type MirrorConfig struct {
	Bucket string `env:"FWSTORE_S3_BUCKET"`
	Prefix string `env:"FWSTORE_S3_PREFIX"`
}

// EventsConfig enables upload notifications over NATS JetStream.
type EventsConfig struct {
	NATSURL string `env:"FWSTORE_NATS_URL"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from the given lookuper and validates it.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that env tags cannot express and normalizes paths.
func (c *Config) Validate() error {
	c.BaseDir = strings.TrimSpace(c.BaseDir)
	if c.BaseDir == "" {
		return errors.New("FWSTORE_BASE_DIR is required")
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return fmt.Errorf("resolve FWSTORE_BASE_DIR: %w", err)
	}
	c.BaseDir = abs

	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid FWSTORE_ADDR %q: %w", c.Addr, err)
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("FWSTORE_MAX_UPLOAD_BYTES must not be negative, got %d", c.MaxUploadBytes)
	}
	if c.UploadRatePerMinute < 0 {
		return fmt.Errorf("FWSTORE_UPLOAD_RATE_PER_MIN must not be negative, got %d", c.UploadRatePerMinute)
	}
	if c.TFTP.Enabled {
		if _, _, err := net.SplitHostPort(c.TFTP.Address); err != nil {
			return fmt.Errorf("invalid FWSTORE_TFTP_ADDRESS %q: %w", c.TFTP.Address, err)
		}
		if c.TFTP.Timeout <= 0 {
			return errors.New("FWSTORE_TFTP_TIMEOUT must be positive")
		}
	}
	c.Mirror.Prefix = strings.Trim(c.Mirror.Prefix, "/")

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
	return nil
}
