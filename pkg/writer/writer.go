// Package writer persists per-event weights as a Parquet artifact and
// inspects finished artifacts with DuckDB.
package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v14/parquet/compress"
)

// Output column names.
const (
	ColumnWeight     = "weight"
	ColumnWeightErr  = "weight_err"
	ColumnWeightTime = "weight_time_ms"
)

// Publisher uploads a finished local artifact to a remote destination.
type Publisher interface {
	Publish(ctx context.Context, local, dest string) error
}

// Config holds writer configuration.
type Config struct {
	// BatchSize is the number of rows per Arrow record batch.
	BatchSize int

	// Compression type for Parquet output.
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per Parquet row group.
	RowGroupSize int64

	// TempDir holds the staging copy of remote artifacts (os.TempDir when empty).
	TempDir string

	// Publisher handles s3:// destinations.
	Publisher Publisher
}

// CompressionType represents Parquet compression options.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionGzip
	CompressionZstd
	CompressionLZ4
)

// String returns the compression type name.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

func (c CompressionType) codec() compress.Compression {
	switch c {
	case CompressionSnappy:
		return compress.Codecs.Snappy
	case CompressionGzip:
		return compress.Codecs.Gzip
	case CompressionZstd:
		return compress.Codecs.Zstd
	case CompressionLZ4:
		return compress.Codecs.Lz4
	default:
		return compress.Codecs.Uncompressed
	}
}

// ParseCompression parses a compression type string.
func ParseCompression(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "", "snappy":
		return CompressionSnappy, nil
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none", "uncompressed":
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression: %s (want snappy, gzip, zstd, lz4 or none)", s)
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    8192,
		Compression:  CompressionSnappy,
		RowGroupSize: 1 << 20,
	}
}
