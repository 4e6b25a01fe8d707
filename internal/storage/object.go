package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"modelcall/internal/config"
)

// Object stores each appended batch as a separate object:
//
//	<prefix>/<stream>/part-<unix-nanos>-<seq>.jsonl
//
// Part names sort in append order, so reading a stream lists and concatenates
// its parts. A part is written whole or not at all, which makes torn lines
// impossible. Object storage has no advisory lock; concurrent runs against the
// same prefix are the operator's responsibility.
type Object struct {
	client *minio.Client
	bucket string
	prefix string

	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

// OpenObject connects to the S3-compatible endpoint named in creds and binds
// the backend to an s3://bucket/prefix location.
func OpenObject(_ context.Context, location string, creds config.Storage) (*Object, error) {
	bucket, prefix, err := parseObjectURL(location)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(creds.Endpoint) == "" {
		return nil, errors.New("object storage: endpoint is required")
	}
	client, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: creds.UseSSL,
		Region: creds.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage: create client: %w", err)
	}
	return NewObject(client, bucket, prefix), nil
}

// NewObject wraps an existing client.
func NewObject(client *minio.Client, bucket, prefix string) *Object {
	return &Object{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

func parseObjectURL(location string) (string, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", "", fmt.Errorf("object storage: parse %q: %w", location, err)
	}
	if parsed.Scheme != "s3" || parsed.Host == "" {
		return "", "", fmt.Errorf("object storage: %q is not an s3://bucket/prefix URL", location)
	}
	return parsed.Host, strings.Trim(parsed.Path, "/"), nil
}

// Location returns the s3:// URL of the backend.
func (o *Object) Location() string {
	if o.prefix == "" {
		return "s3://" + o.bucket
	}
	return "s3://" + o.bucket + "/" + o.prefix
}

func (o *Object) streamPrefix(stream string) (string, error) {
	if stream == "" || strings.Contains(stream, "/") {
		return "", fmt.Errorf("object storage: invalid stream name %q", stream)
	}
	return path.Join(o.prefix, stream) + "/", nil
}

// Append uploads data as the stream's next part.
func (o *Object) Append(ctx context.Context, stream string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	prefix, err := o.streamPrefix(stream)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.seq++
	key := fmt.Sprintf("%spart-%020d-%06d.jsonl", prefix, o.now().UnixNano(), o.seq)
	o.mu.Unlock()

	_, err = o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("object storage: put %s: %w", key, err)
	}
	return nil
}

func (o *Object) parts(ctx context.Context, stream string) ([]string, error) {
	prefix, err := o.streamPrefix(stream)
	if err != nil {
		return nil, err
	}
	var keys []string
	for info := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("object storage: list %s: %w", prefix, info.Err)
		}
		keys = append(keys, info.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Open streams the concatenation of the stream's parts.
func (o *Object) Open(ctx context.Context, stream string) (io.ReadCloser, error) {
	keys, err := o.parts(ctx, stream)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("object storage: %s: %w", stream, fs.ErrNotExist)
	}
	return &partReader{ctx: ctx, object: o, keys: keys}, nil
}

// Exists reports whether the stream has any parts.
func (o *Object) Exists(ctx context.Context, stream string) (bool, error) {
	keys, err := o.parts(ctx, stream)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// Rename copies every part under the new stream name, then removes the originals.
func (o *Object) Rename(ctx context.Context, from, to string) error {
	exists, err := o.Exists(ctx, to)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("object storage: rename %s: %s: %w", from, to, fs.ErrExist)
	}
	keys, err := o.parts(ctx, from)
	if err != nil {
		return err
	}
	srcPrefix, _ := o.streamPrefix(from)
	dstPrefix, err := o.streamPrefix(to)
	if err != nil {
		return err
	}
	for _, key := range keys {
		dst := dstPrefix + strings.TrimPrefix(key, srcPrefix)
		if _, err := o.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: o.bucket, Object: dst},
			minio.CopySrcOptions{Bucket: o.bucket, Object: key},
		); err != nil {
			return fmt.Errorf("object storage: copy %s: %w", key, err)
		}
	}
	for _, key := range keys {
		if err := o.client.RemoveObject(ctx, o.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("object storage: remove %s: %w", key, err)
		}
	}
	return nil
}

// Probe ensures the bucket exists and accepts writes.
func (o *Object) Probe(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("object storage: check bucket %s: %w", o.bucket, err)
	}
	if !exists {
		if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("object storage: create bucket %s: %w", o.bucket, err)
		}
	}
	key := path.Join(o.prefix, fmt.Sprintf(".probe-%d", o.now().UnixNano()))
	if _, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("object storage: %s not writable: %w", o.Location(), err)
	}
	if err := o.client.RemoveObject(ctx, o.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("object storage: remove probe: %w", err)
	}
	return nil
}

// Close is a no-op; the client holds no per-run resources.
func (o *Object) Close() error {
	return nil
}

// partReader opens parts lazily, one at a time.
type partReader struct {
	ctx     context.Context
	object  *Object
	keys    []string
	current io.ReadCloser
}

func (r *partReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if len(r.keys) == 0 {
				return 0, io.EOF
			}
			obj, err := r.object.client.GetObject(r.ctx, r.object.bucket, r.keys[0], minio.GetObjectOptions{})
			if err != nil {
				return 0, fmt.Errorf("object storage: get %s: %w", r.keys[0], err)
			}
			r.keys = r.keys[1:]
			r.current = obj
		}
		n, err := r.current.Read(p)
		if errors.Is(err, io.EOF) {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
