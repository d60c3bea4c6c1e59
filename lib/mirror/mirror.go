// Package mirror implements mirrorkit's optional durable off-box
// replication tier (SPEC_FULL.md §4.7, §9): a thin S3 client used only by
// the cache orchestrator's background replication path, never consulted on
// the hot fetch path. A cold local cache directory can be re-seeded from
// it via Cache.Seed.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mirrorkit/mirrorkit/lib/gcsutil"
)

// Client wraps an S3 bucket as mirrorkit's durable replication target.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// Options configures New.
type Options struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string
	// Prefix, if non-empty, is prepended to every object key, with an
	// intervening slash.
	Prefix string
	// Endpoint, if set, points the S3 client at an S3-compatible endpoint
	// other than AWS (e.g. GCS's interoperability API), in which case the
	// gcsutil signing-header workarounds are also applied.
	Endpoint string
}

// New builds a Client from a pre-built aws.Config (the caller is
// responsible for config.LoadDefaultConfig or equivalent — mirrorkit is a
// library, not a service, and does not read AWS credentials itself).
func New(cfg aws.Config, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("mirror: bucket is required")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
			gcsutil.IgnoreSigningHeaders(o, []string{"Accept-Encoding"})
			gcsutil.DisableTrailingChecksumForGCS(o)
		}
	})
	return &Client{s3: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (c *Client) objectKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "/" + key
}

// Put uploads a cache body and its sidecar JSON as two objects under key.
// Callers treat failures as best-effort: a mirror push never fails the
// foreground fetch that triggered it.
func (c *Client) Put(ctx context.Context, key string, body []byte, sidecarJSON []byte) error {
	if _, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
		Body:   bytes.NewReader(body),
	}); err != nil {
		return fmt.Errorf("mirror: put body %s: %w", key, err)
	}
	if sidecarJSON == nil {
		return nil
	}
	if _, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key) + ".header.json"),
		Body:   bytes.NewReader(sidecarJSON),
	}); err != nil {
		return fmt.Errorf("mirror: put sidecar %s: %w", key, err)
	}
	return nil
}

// Get fetches a cache body and its sidecar JSON from the mirror, for
// seeding a cold local cache (Cache.Seed). It is never called on the
// per-request fetch path.
func (c *Client) Get(ctx context.Context, key string) (body []byte, sidecarJSON []byte, err error) {
	bodyObj, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mirror: get body %s: %w", key, err)
	}
	defer bodyObj.Body.Close()
	body, err = io.ReadAll(bodyObj.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("mirror: read body %s: %w", key, err)
	}

	sidecarObj, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key) + ".header.json"),
	})
	if err != nil {
		// A body with no sidecar is acceptable (spec §3 lifecycle); the
		// caller falls back to defaults.
		return body, nil, nil
	}
	defer sidecarObj.Body.Close()
	sidecarJSON, err = io.ReadAll(sidecarObj.Body)
	if err != nil {
		return body, nil, fmt.Errorf("mirror: read sidecar %s: %w", key, err)
	}
	return body, sidecarJSON, nil
}
