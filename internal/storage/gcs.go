package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

// GCSSigner signs demo media stored in a single bucket.
type GCSSigner struct {
	client *gcs.Client
	bucket string
}

func NewGCSSigner(ctx context.Context, bucket string) (*GCSSigner, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	c, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSSigner{client: c, bucket: bucket}, nil
}

func (s *GCSSigner) Close() error { return s.client.Close() }

func (s *GCSSigner) SignedGetURL(_ context.Context, objectName string, ttl time.Duration) (string, error) {
	objectName = strings.TrimPrefix(objectName, "/")
	if objectName == "" {
		return "", errors.New("object name is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	// credentials are taken from the client's environment (service account or ADC)
	return s.client.Bucket(s.bucket).SignedURL(objectName, &gcs.SignedURLOptions{
		Method:  "GET",
		Scheme:  gcs.SigningSchemeV4,
		Expires: time.Now().Add(ttl),
	})
}
