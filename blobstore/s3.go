package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// s3PresignExpiry is how long issued download URLs stay valid. Link pages
// are re-rendered on every cache invalidation, so the window only has to
// outlive an installer run.
const s3PresignExpiry = 6 * time.Hour

// S3 stores blobs in a bucket on any S3-compatible endpoint.
type S3 struct {
	client *minio.Client
	bucket string
	// baseURL, when set, replaces presigned URLs for buckets served
	// publicly or through a CDN.
	baseURL string
}

var _ Store = (*S3)(nil)

func newS3(ctx context.Context, u *url.URL) (*S3, error) {
	bucket := strings.Trim(u.Path, "/")
	if bucket == "" {
		return nil, fmt.Errorf("blobstore: s3 dsn names no bucket")
	}
	q := u.Query()
	secure := q.Get("secure") != "false"
	var creds *credentials.Credentials
	if u.User != nil {
		secret, _ := u.User.Password()
		creds = credentials.NewStaticV4(u.User.Username(), secret, "")
	} else {
		creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: q.Get("region"),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: failed to create s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: failed to check bucket %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: q.Get("region")}); err != nil {
			return nil, fmt.Errorf("blobstore: failed to create bucket %q: %w", bucket, err)
		}
	}
	return &S3{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimSuffix(q.Get("base_url"), "/"),
	}, nil
}

// Save implements Store.
func (s *S3) Save(ctx context.Context, p string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, p, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// Open implements Store.
func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, p, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; surface missing objects here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}

// Delete implements Store.
func (s *S3) Delete(ctx context.Context, p string) error {
	err := s.client.RemoveObject(ctx, s.bucket, p, minio.RemoveObjectOptions{})
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return nil
	}
	return err
}

// URL implements Store.
func (s *S3) URL(ctx context.Context, p string) (string, error) {
	if s.baseURL != "" {
		return s.baseURL + "/" + p, nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, p, s3PresignExpiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
