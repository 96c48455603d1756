package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures an S3-compatible bucket.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// PublicURL replaces the endpoint/bucket prefix of returned URLs,
	// typically a CDN in front of the bucket.
	PublicURL string
	Insecure  bool
}

// S3Storage uploads artifacts to an S3-compatible bucket.
type S3Storage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewS3Storage creates an S3 storage backend. Endpoint defaults to AWS.
func NewS3Storage(opts S3Options) (*S3Storage, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if opts.Region != "" {
			endpoint = "s3." + opts.Region + ".amazonaws.com"
		}
	}
	secure := !opts.Insecure
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint = rest
	} else if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint = rest
		secure = false
	}
	endpoint = strings.TrimRight(endpoint, "/")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	publicURL := strings.TrimRight(opts.PublicURL, "/")
	if publicURL == "" {
		publicURL = strings.TrimRight(client.EndpointURL().String(), "/") + "/" + opts.Bucket
	}

	return &S3Storage{
		client:    client,
		bucket:    opts.Bucket,
		publicURL: publicURL,
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		// client errors will not improve on retry
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError &&
			resp.StatusCode != http.StatusTooManyRequests {
			return "", backoff.Permanent(fmt.Errorf("s3 rejected %s: %w", key, err))
		}
		return "", fmt.Errorf("failed to upload %s to s3: %w", key, err)
	}
	return s.publicURL + "/" + key, nil
}
