package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const entryExt = ".json"

// ErrNotFound is returned by Load for an unknown key.
var ErrNotFound = errors.New("ledger entry not found")

// LocalBackend keeps one JSON file per step in a directory.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates the directory if needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) path(key string) string {
	return filepath.Join(b.dir, key+entryExt)
}

// Save writes the entry atomically.
func (b *LocalBackend) Save(ctx context.Context, e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	tmp := b.path(e.Key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path(e.Key))
}

// Load reads one entry.
func (b *LocalBackend) Load(ctx context.Context, key string) (*Entry, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
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

// List reads every entry in the directory.
func (b *LocalBackend) List(ctx context.Context) ([]*Entry, error) {
	files, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != entryExt {
			continue
		}
		e, err := b.Load(ctx, strings.TrimSuffix(f.Name(), entryExt))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Delete removes one entry.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Name returns "local".
func (b *LocalBackend) Name() string { return "local" }

// Close is a no-op.
func (b *LocalBackend) Close() error { return nil }
