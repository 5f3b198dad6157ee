package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/weightflow/weightflow/pkg/storage/s3"
)

// S3Backend stores one JSON object per step under a prefix.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend creates a backend over an existing client.
func NewS3Backend(client *s3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (b *S3Backend) key(k string) string {
	return path.Join(b.prefix, k+entryExt)
}

// Save uploads the entry.
func (b *S3Backend) Save(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return b.client.Put(ctx, b.bucket, b.key(e.Key), data)
}

// Load downloads one entry.
func (b *S3Backend) Load(ctx context.Context, key string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.bucket, b.key(key))
	if err != nil {
		if s3.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse entry %s: %w", key, err)
	}
	return &e, nil
}

// List downloads every entry under the prefix.
func (b *S3Backend) List(ctx context.Context) ([]*Entry, error) {
	prefix := b.prefix
	if prefix != "" {
		prefix += "/"
	}
	objects, err := b.client.ListAll(ctx, b.bucket, prefix)
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, entryExt) {
			continue
		}
		e, err := b.Load(ctx, strings.TrimSuffix(path.Base(obj.Key), entryExt))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Delete removes one entry.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	return b.client.Delete(ctx, b.bucket, b.key(key))
}

// Name returns "s3".
func (b *S3Backend) Name() string { return "s3" }

// Close is a no-op.
func (b *S3Backend) Close() error { return nil }
