package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/weightflow/weightflow/pkg/storage/s3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Location
		wantErr bool
	}{
		{"events.parquet", Location{Scheme: "file", Path: "events.parquet"}, false},
		{"/data/run1", Location{Scheme: "file", Path: "/data/run1"}, false},
		{"file:///data/w.parquet", Location{Scheme: "file", Path: "/data/w.parquet"}, false},
		{"s3://bucket/dy/step-0.parquet", Location{Scheme: "s3", Bucket: "bucket", Key: "dy/step-0.parquet"}, false},
		{"s3:///nobucket", Location{}, true},
		{"gs://bucket/x", Location{}, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestLocation_String(t *testing.T) {
	loc := Location{Scheme: "s3", Bucket: "b", Key: "k/w.parquet"}
	if got := loc.String(); got != "s3://b/k/w.parquet" {
		t.Errorf("String() = %q, want s3://b/k/w.parquet", got)
	}
	if !IsRemote("s3://b/k") || IsRemote("/tmp/k") {
		t.Error("IsRemote misclassified a path")
	}
}

func TestStore_LocalizeLocalPath(t *testing.T) {
	s := NewStore(s3.DefaultConfig(""), t.TempDir(), nil)
	defer s.Cleanup()

	in := filepath.Join(t.TempDir(), "events.parquet")
	got, err := s.Localize(context.Background(), in, "event_selection/hftree")
	if err != nil {
		t.Fatalf("Localize() error = %v", err)
	}
	if got != in {
		t.Errorf("Localize() = %q, want %q", got, in)
	}
}

func TestStore_PublishRejectsLocal(t *testing.T) {
	s := NewStore(s3.DefaultConfig(""), t.TempDir(), nil)
	if err := s.Publish(context.Background(), "/tmp/a", "/tmp/b"); err == nil {
		t.Error("Publish() to a local path should fail")
	}
}
