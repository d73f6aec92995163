// Package s3 stores page images and chapter sources in an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/infrastructure/resilience"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	client   *minio.Client
	bucket   string
	executor *resilience.Executor
}

// New connects and creates the bucket when it does not exist yet.
func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Store{client: client, bucket: cfg.Bucket, executor: executor}, nil
}

// Save retries only when the body can be rewound.
func (s *Store) Save(ctx context.Context, key string, data io.Reader) error {
	seeker, rewindable := data.(io.Seeker)
	opts := minio.PutObjectOptions{ContentType: contentType(key)}

	err := s.execute(ctx, "s3_put_object", func(ctx context.Context) error {
		if rewindable {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return resilience.Permanent(fmt.Errorf("rewind body: %w", err))
			}
		}
		_, err := s.client.PutObject(ctx, s.bucket, key, data, -1, opts)
		if err != nil && !rewindable {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var obj *minio.Object
	err := s.execute(ctx, "s3_get_object", func(ctx context.Context) error {
		o, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		// GetObject is lazy; Stat surfaces a missing key before the caller reads.
		if _, err := o.Stat(); err != nil {
			_ = o.Close()
			return err
		}
		obj = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.execute(ctx, "s3_remove_object", func(ctx context.Context) error {
		err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	err := s.execute(ctx, "s3_stat_object", func(ctx context.Context) error {
		_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		if isNotFound(err) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return found, nil
}

func (s *Store) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	if s.executor == nil {
		err = fn(ctx)
	} else {
		err = s.executor.Execute(ctx, op, fn, classifyS3Error)
	}
	return wrapTemporaryIfNeeded(op, err)
}

var classifyS3Error = resilience.TransientClassifier(isTransient)

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.Code == "SlowDown", resp.Code == "RequestTimeout":
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func wrapTemporaryIfNeeded(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	return domain.WrapError(domain.ErrStorage, op, err)
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(key))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
