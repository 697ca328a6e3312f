package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBackend stores objects in a MinIO/S3 compatible bucket. Object
// stores have no in-place seek, so writes are spooled to the staging area
// and uploaded on Commit.
type MinioBackend struct {
	client  *minio.Client
	bucket  string
	staging *Staging
}

// NewMinioBackend connects to MinIO and ensures the bucket exists.
func NewMinioBackend(endpoint, accessKey, secretKey, bucket string, useSSL bool, staging *Staging) (*MinioBackend, error) {
	if staging == nil {
		return nil, errors.New("staging area required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioBackend{client: client, bucket: bucket, staging: staging}, nil
}

func (m *MinioBackend) Create(_ context.Context, locator string) (PendingObject, error) {
	if !validLocator(locator) {
		return nil, fmt.Errorf("%w: %q", ErrLocator, locator)
	}
	f, err := m.staging.CreateStage()
	if err != nil {
		return nil, err
	}
	return &minioPending{File: f, backend: m, locator: locator}, nil
}

func (m *MinioBackend) Open(ctx context.Context, locator string) (io.ReadSeekCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, locator, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.mapError(err, "get object")
	}
	// GetObject is lazy; Stat surfaces a missing key before any read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, m.mapError(err, "stat object")
	}
	return obj, nil
}

func (m *MinioBackend) Remove(ctx context.Context, locator string) error {
	if _, err := m.client.StatObject(ctx, m.bucket, locator, minio.StatObjectOptions{}); err != nil {
		return m.mapError(err, "stat object")
	}
	if err := m.client.RemoveObject(ctx, m.bucket, locator, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (m *MinioBackend) RemovePrefix(ctx context.Context, prefix string) error {
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for result := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("delete object %s: %w", result.ObjectName, result.Err)
		}
	}
	return nil
}

func (m *MinioBackend) mapError(err error, op string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

type minioPending struct {
	*os.File
	backend *MinioBackend
	locator string
	done    bool
}

func (p *minioPending) Commit(ctx context.Context) error {
	if p.done {
		return errors.New("object already finalized")
	}
	size, err := p.File.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("measure object: %w", err)
	}
	if _, err := p.File.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind object: %w", err)
	}
	_, err = p.backend.client.PutObject(ctx, p.backend.bucket, p.locator, p.File, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	p.done = true
	p.backend.staging.Discard(p.File)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (p *minioPending) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.backend.staging.Discard(p.File)
}
