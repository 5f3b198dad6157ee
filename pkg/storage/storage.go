// Package storage resolves event-store and artifact locations that may live
// on the local filesystem or in S3.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	wferrors "github.com/weightflow/weightflow/pkg/errors"
	"github.com/weightflow/weightflow/pkg/storage/s3"
)

// Location is a parsed storage path.
type Location struct {
	Scheme string // "file" or "s3"
	Bucket string
	Key    string
	Path   string // local path when Scheme is "file"
}

// IsRemote reports whether the location needs a transfer.
func (l Location) IsRemote() bool { return l.Scheme != "file" }

// String returns the location in URI form.
func (l Location) String() string {
	if l.Scheme == "file" {
		return l.Path
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
}

// Parse splits a path into its scheme, bucket and key.
func Parse(p string) (Location, error) {
	u, err := url.Parse(p)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Local file (or Windows drive letter)
		return Location{Scheme: "file", Path: p}, nil
	}

	switch u.Scheme {
	case "file":
		return Location{Scheme: "file", Path: u.Path}, nil
	case "s3":
		if u.Host == "" {
			return Location{}, wferrors.Configuration("s3 location has no bucket").WithContext("path", p)
		}
		return Location{Scheme: "s3", Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
	default:
		return Location{}, wferrors.Configuration(fmt.Sprintf("unsupported storage scheme: %s", u.Scheme)).
			WithContext("path", p)
	}
}

// IsRemote reports whether p names a remote location.
func IsRemote(p string) bool {
	loc, err := Parse(p)
	return err == nil && loc.IsRemote()
}

// Store moves files between S3 and local temporary copies. The S3 client is
// created on first use so purely local runs never load AWS configuration.
type Store struct {
	cfg    s3.Config
	tmpDir string
	logger *zap.Logger

	mu     sync.Mutex
	client *s3.Client
	temps  []string
}

// NewStore creates a store. tmpDir defaults to os.TempDir().
func NewStore(cfg s3.Config, tmpDir string, logger *zap.Logger) *Store {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cfg: cfg, tmpDir: tmpDir, logger: logger}
}

// S3 returns the shared S3 client.
func (s *Store) S3(ctx context.Context) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	c, err := s3.NewClient(ctx, s.cfg)
	if err != nil {
		return nil, wferrors.Wrap(err, wferrors.CodeStorage, "failed to create s3 client")
	}
	s.client = c
	return c, nil
}

// Localize returns a local path for an event store. Local paths are returned
// unchanged. For s3:// paths the table object is downloaded: a key ending in
// .parquet is fetched as is, otherwise the key is treated as a store prefix
// holding <table>.parquet.
func (s *Store) Localize(ctx context.Context, p, table string) (string, error) {
	loc, err := Parse(p)
	if err != nil {
		return "", err
	}
	if !loc.IsRemote() {
		return loc.Path, nil
	}

	key := loc.Key
	if !strings.HasSuffix(key, ".parquet") {
		key = path.Join(key, table+".parquet")
	}

	client, err := s.S3(ctx)
	if err != nil {
		return "", err
	}

	local := filepath.Join(s.tmpDir, "weightflow-"+uuid.NewString()+".parquet")
	f, err := os.Create(local)
	if err != nil {
		return "", wferrors.Wrap(err, wferrors.CodeStorage, "failed to create local copy")
	}
	s.track(local)

	n, err := client.Download(ctx, loc.Bucket, key, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if s3.IsNotFound(err) {
			return "", wferrors.FileNotFound(Location{Scheme: "s3", Bucket: loc.Bucket, Key: key}.String())
		}
		return "", wferrors.Wrap(err, wferrors.CodeStorage, "failed to download event store").
			WithContext("bucket", loc.Bucket).
			WithContext("key", key)
	}

	s.logger.Info("downloaded event store",
		zap.String("bucket", loc.Bucket),
		zap.String("key", key),
		zap.Int64("bytes", n),
	)
	return local, nil
}

// Publish uploads the local file to dest, which must be an s3:// location.
func (s *Store) Publish(ctx context.Context, local, dest string) error {
	loc, err := Parse(dest)
	if err != nil {
		return err
	}
	if !loc.IsRemote() {
		return fmt.Errorf("publish target %q is not remote", dest)
	}

	client, err := s.S3(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(local)
	if err != nil {
		return wferrors.Wrap(err, wferrors.CodeStorage, "failed to open artifact for upload")
	}
	defer f.Close()

	if err := client.Upload(ctx, loc.Bucket, loc.Key, f, "application/vnd.apache.parquet"); err != nil {
		return wferrors.Wrap(err, wferrors.CodeStorage, "failed to upload artifact").
			WithContext("dest", dest)
	}
	s.logger.Info("published artifact", zap.String("dest", dest))
	return nil
}

func (s *Store) track(p string) {
	s.mu.Lock()
	s.temps = append(s.temps, p)
	s.mu.Unlock()
}

// Cleanup removes every temporary copy the store created.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.temps {
		os.Remove(p)
	}
	s.temps = nil
}
