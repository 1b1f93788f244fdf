package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sheetline/internal/config"
)

// MinioStore implements Store on top of a MinIO/S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinio creates a MinIO-backed store from the Config.
func NewMinio(cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.S3Region,
	}, nil
}

// EnsureBucket makes sure the processing bucket exists before use.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put writes data under loc/name.
func (s *MinioStore) Put(ctx context.Context, loc Location, name string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, Key(loc, name), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("put %s: %w", Key(loc, name), err)
	}
	return nil
}

// Get reads loc/name in full.
func (s *MinioStore) Get(ctx context.Context, loc Location, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, Key(loc, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", Key(loc, name), err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("get %s: %w", Key(loc, name), ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", Key(loc, name), err)
	}
	return buf, nil
}

// Exists reports whether loc/name is present.
func (s *MinioStore) Exists(ctx context.Context, loc Location, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, Key(loc, name), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", Key(loc, name), err)
	}
	return true, nil
}

// Move copies name from src to dst, then removes the source. A crash between
// the copy and the delete leaves the object in both locations; redelivered
// messages call Move again and the source delete completes the relocation.
func (s *MinioStore) Move(ctx context.Context, src, dst Location, name string) error {
	srcKey, dstKey := Key(src, name), Key(dst, name)
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey},
	)
	if err != nil {
		if isNoSuchKey(err) {
			// Source already gone. If the destination holds the object the
			// move finished on a previous delivery.
			ok, statErr := s.Exists(ctx, dst, name)
			if statErr == nil && ok {
				return nil
			}
			return fmt.Errorf("move %s -> %s: %w", srcKey, dstKey, ErrNotExist)
		}
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, srcKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s after copy: %w", srcKey, err)
	}
	return nil
}

// Presign returns a signed GET URL for loc/name.
func (s *MinioStore) Presign(ctx context.Context, loc Location, name string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, Key(loc, name), expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", Key(loc, name), err)
	}
	return u.String(), nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
