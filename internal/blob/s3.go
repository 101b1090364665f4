package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/pkg/engine"
)

const digestMetadataKey = "sha256"

// S3Store implements engine.BlobStore over one S3 bucket. Every uploaded
// body carries its SHA-256 digest as object metadata; downloads verify it.
type S3Store struct {
	client *s3.Client
	bucket string
}

func New(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Upload(ctx context.Context, key string, body []byte) (engine.BlobInfo, error) {
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: map[string]string{digestMetadataKey: digest},
	})
	if err != nil {
		return engine.BlobInfo{}, errors.Wrapf(err, "upload %s", key)
	}
	return engine.BlobInfo{
		URL:          fmt.Sprintf("s3://%s/%s", s.bucket, key),
		DigestSHA256: digest,
		Size:         int64(len(body)),
	}, nil
}

func (s *S3Store) Download(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := parseURL(url)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", url)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", url)
	}
	if want, ok := out.Metadata[digestMetadataKey]; ok && want != "" {
		sum := sha256.Sum256(body)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, errors.Errorf("digest mismatch for %s: stored %s, computed %s", url, want, got)
		}
	}
	return body, nil
}

func (s *S3Store) Delete(ctx context.Context, url string) error {
	bucket, key, err := parseURL(url)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return errors.Wrapf(err, "delete %s", url)
}

func parseURL(url string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", errors.Errorf("not a blob url: %s", url)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.Errorf("not a blob url: %s", url)
	}
	return bucket, key, nil
}
