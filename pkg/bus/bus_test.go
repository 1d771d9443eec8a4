package bus

import (
	"context"
	"testing"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	if err := b.Publish(context.Background(), SubjectArtifactStored, ArtifactStored{}); err == nil {
		t.Fatal("expected publish on nil bus to fail")
	}
	if _, err := b.Subscribe(context.Background(), SubjectArtifactStored, "d", func(context.Context, []byte) error { return nil }); err == nil {
		t.Fatal("expected subscribe on nil bus to fail")
	}
	b.Close()
}

func TestDecodeArtifactStored(t *testing.T) {
	evt, err := DecodeArtifactStored([]byte(`{"id":"1","type":"fw","second":"deviceA","filename":"firmware.bin","size":3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != "fw" || evt.Second != "deviceA" || evt.Filename != "firmware.bin" || evt.Size != 3 {
		t.Fatalf("unexpected event %+v", evt)
	}

	if _, err := DecodeArtifactStored([]byte(`{"id":"1"}`)); err == nil {
		t.Fatal("expected error for event without type")
	}
	if _, err := DecodeArtifactStored([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}
