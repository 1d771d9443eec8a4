package storehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"

	"fwdist/pkg/bus"
)

// StoredArtifact describes a file the server has just written.
type StoredArtifact struct {
	Type     string
	Second   string
	Filename string
	Path     string
	Size     int64
	SHA256   string
	StoredAt time.Time
}

// Key is the artifact's slash-separated location relative to the base directory.
func (a StoredArtifact) Key() string {
	if a.Second == "" {
		return path.Join(a.Type, a.Filename)
	}
	return path.Join(a.Type, a.Second, a.Filename)
}

// Notifier is told about each successful upload.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, artifact StoredArtifact) error
}

// ObjectPutter is the subset of pkg/s3.Client used for mirroring.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// S3Mirror copies every stored artifact into a bucket under Prefix.
type S3Mirror struct {
	Client ObjectPutter
	Bucket string
	Prefix string
}

func (m *S3Mirror) Name() string { return "s3 mirror" }

func (m *S3Mirror) Notify(ctx context.Context, artifact StoredArtifact) error {
	if m == nil || m.Client == nil {
		return errors.New("s3 mirror not configured")
	}
	f, err := os.Open(artifact.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := artifact.Key()
	if m.Prefix != "" {
		key = path.Join(m.Prefix, key)
	}
	return m.Client.PutObject(ctx, m.Bucket, key, f, artifact.Size, artifact.SHA256)
}

// Publisher is the subset of pkg/bus.Bus used for upload events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// EventPublisher emits a bus.ArtifactStored event for every stored artifact.
type EventPublisher struct {
	Bus     Publisher
	Subject string
}

func (p *EventPublisher) Name() string { return "event publish" }

func (p *EventPublisher) Notify(ctx context.Context, artifact StoredArtifact) error {
	if p == nil || p.Bus == nil {
		return errors.New("event bus not configured")
	}
	subject := p.Subject
	if subject == "" {
		subject = bus.SubjectArtifactStored
	}
	evt := bus.ArtifactStored{
		ID:       uuid.NewString(),
		Type:     artifact.Type,
		Second:   artifact.Second,
		Filename: artifact.Filename,
		Size:     artifact.Size,
		SHA256:   artifact.SHA256,
		StoredAt: artifact.StoredAt,
	}
	if err := p.Bus.Publish(ctx, subject, evt); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
