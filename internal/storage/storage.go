// Package storage persists result streams.
//
// A stream is an append-only JSON Lines file addressed by name (for example
// "scores.jsonl"). The local backend appends to files in a directory; the
// object backend stores each appended batch as its own object under an
// s3://bucket/prefix location and concatenates them on read.
package storage

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"modelcall/internal/config"
)

// ErrLocked reports that another process holds the output location.
var ErrLocked = errors.New("output location is locked by another process")

// Backend is the durable home of a run's result streams.
type Backend interface {
	// Append durably writes data to the end of the stream in a single write.
	Append(ctx context.Context, stream string, data []byte) error
	// Open returns the stream's contents; fs.ErrNotExist when it is missing.
	Open(ctx context.Context, stream string) (io.ReadCloser, error)
	Exists(ctx context.Context, stream string) (bool, error)
	// Rename moves a stream aside; the destination must not exist.
	Rename(ctx context.Context, from, to string) error
	// Probe verifies the location is writable before any work is dispatched.
	Probe(ctx context.Context) error
	Location() string
	Close() error
}

// Open resolves location to a backend: s3:// URLs use object storage with the
// supplied credentials, anything else is a local directory.
func Open(ctx context.Context, location string, creds config.Storage) (Backend, error) {
	if config.IsObjectURL(location) {
		return OpenObject(ctx, location, creds)
	}
	return OpenLocal(location)
}

// ErrorStreamName returns the error stream paired with a success stream.
func ErrorStreamName(stream string) string {
	base, ext := splitExt(stream)
	return base + "_error" + ext
}

// RetryStreamName returns the name an error stream is rotated to in retry
// mode, for the given 1-based rotation index.
func RetryStreamName(stream string, index int) string {
	base, ext := splitExt(stream)
	return base + "_error_retry_" + strconv.Itoa(index) + ext
}

func splitExt(stream string) (string, string) {
	if idx := strings.LastIndex(stream, "."); idx > 0 && !strings.Contains(stream[idx:], "/") {
		return stream[:idx], stream[idx:]
	}
	return stream, ""
}
