// Package blob stores report media (photos, videos and repair proofs) in an
// S3-compatible bucket and hands back the public URL that reports reference.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const MaxUploadBytes = 10 << 20

var (
	ErrTooLarge = errors.New("blob: payload exceeds 10 MB")
	ErrEmpty    = errors.New("blob: payload is empty")
	ErrForeign  = errors.New("blob: url does not belong to this store")
)

type objectClient interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base objects are served from. Defaults to the endpoint.
	PublicURL string
	Timeout   time.Duration
}

type Store struct {
	client  objectClient
	bucket  string
	base    string
	timeout time.Duration
	logger  *zap.Logger
	newName func() string
}

// Open connects to the bucket, creating it when missing.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: connect %s: %w", cfg.Endpoint, err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blob: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blob: create bucket %s: %w", cfg.Bucket, err)
		}
	}

	base := cfg.PublicURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}
	return newStore(client, cfg.Bucket, base, cfg.Timeout, logger), nil
}

func newStore(client objectClient, bucket, base string, timeout time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Store{
		client:  client,
		bucket:  bucket,
		base:    strings.TrimRight(base, "/") + "/" + bucket + "/",
		timeout: timeout,
		logger:  logger,
		newName: uuid.NewString,
	}
}

// Store uploads data under folder and returns its public URL. Every call
// writes a new object, so retrying an upload never overwrites an earlier one.
func (s *Store) Store(ctx context.Context, data []byte, folder, keyHint string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxUploadBytes {
		return "", ErrTooLarge
	}

	object := s.objectName(folder, keyHint)
	contentType := http.DetectContentType(data)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("blob: put %s: %w", object, err)
	}
	s.logger.Debug("blob: stored",
		zap.String("object", object),
		zap.Int("bytes", len(data)),
		zap.String("content_type", contentType),
	)
	return s.base + object, nil
}

// Delete removes the object behind a URL previously returned by Store.
func (s *Store) Delete(ctx context.Context, publicURL string) error {
	object, ok := strings.CutPrefix(publicURL, s.base)
	if !ok || object == "" {
		return fmt.Errorf("%w: %s", ErrForeign, publicURL)
	}
	if unescaped, err := url.PathUnescape(object); err == nil {
		object = unescaped
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: remove %s: %w", object, err)
	}
	return nil
}

func (s *Store) objectName(folder, keyHint string) string {
	name := s.newName()
	if ext := path.Ext(keyHint); ext != "" && len(ext) <= 5 {
		name += strings.ToLower(ext)
	}
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" || folder == "." {
		return name
	}
	return folder + "/" + name
}
