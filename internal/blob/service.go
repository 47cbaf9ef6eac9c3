// Package blob stores attachment payloads in S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"huddle/api/internal/util"
)

// MaxFileSize is the per-file upload ceiling. One oversized file fails on
// its own; sibling uploads in the same request are unaffected.
const MaxFileSize = 25 << 20

// Object describes a stored payload.
type Object struct {
	URL         string
	Key         string
	Bucket      string
	Size        int64
	ContentType string
}

type Service struct {
	client   *minio.Client
	endpoint string
	bucket   string
	useSSL   bool
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Service{client: client, endpoint: endpoint, bucket: bucket, useSSL: useSSL}, nil
}

func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Put uploads a payload and returns its storage coordinates. Callers are
// expected to have validated the size via ValidateFile first.
func (s *Service) Put(ctx context.Context, fileName, contentType string, payload []byte) (Object, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := buildKey(fileName)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return Object{
		URL:         s.objectURL(key),
		Key:         key,
		Bucket:      s.bucket,
		Size:        info.Size,
		ContentType: contentType,
	}, nil
}

// Delete removes an object by key. Deleting a key that is already absent is
// not an error.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		response := minio.ToErrorResponse(err)
		if response.Code == "NoSuchKey" || response.Code == "NoSuchBucket" {
			return nil
		}
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *Service) objectURL(key string) string {
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, key)
}

// ValidateFile rejects empty and oversized payloads before any bytes hit
// storage.
func ValidateFile(fileName string, size int64) error {
	if strings.TrimSpace(fileName) == "" {
		return fmt.Errorf("file name is required")
	}
	if size == 0 {
		return fmt.Errorf("file %s is empty", fileName)
	}
	if size > MaxFileSize {
		return fmt.Errorf("file %s exceeds the %d MiB limit", fileName, MaxFileSize>>20)
	}
	return nil
}

func buildKey(fileName string) string {
	return "attachments/" + util.NewID("") + "/" + sanitizeFileName(fileName)
}

func sanitizeFileName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, `\`, "/"))
	cleaned := make([]rune, 0, len(base))
	for _, ch := range base {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			cleaned = append(cleaned, ch)
		case ch == '.', ch == '-', ch == '_':
			cleaned = append(cleaned, ch)
		default:
			cleaned = append(cleaned, '_')
		}
	}
	name := strings.Trim(string(cleaned), "._")
	if name == "" {
		name = "file"
	}
	return name
}
