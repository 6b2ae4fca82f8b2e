package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type minioSink struct {
	client *minio.Client
	bucket string
	prefix string
}

// Credentials come from MINIO_ACCESS_KEY and MINIO_SECRET_KEY. TLS is used unless MINIO_INSECURE=true.
func newMinioSink(ctx context.Context, loc Location, opts Options) (*minioSink, error) {
	client, err := minio.New(loc.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
		Secure: !strings.EqualFold(os.Getenv("MINIO_INSECURE"), "true"),
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	s := &minioSink{client: client, bucket: loc.Bucket, prefix: loc.Prefix}
	if opts.CreateBucket {
		exists, err := client.BucketExists(ctx, s.bucket)
		if err != nil {
			return nil, fmt.Errorf("checking bucket %s: %w", s.bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
				return nil, fmt.Errorf("creating bucket %s: %w", s.bucket, err)
			}
			opts.Logger.Debug("created bucket", zap.String("name", s.bucket))
		}
	}
	return s, nil
}

func (s *minioSink) key(key string) string {
	return path.Join(s.prefix, key)
}

func (s *minioSink) PutFile(ctx context.Context, key, localPath string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, s.key(key), localPath, minio.PutObjectOptions{ContentType: contentType(key)})
	return err
}

func (s *minioSink) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType(key)})
	return err
}

func (s *minioSink) GetFile(ctx context.Context, key, localPath string) error {
	return s.client.FGetObject(ctx, s.bucket, s.key(key), localPath, minio.GetObjectOptions{})
}

func (s *minioSink) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	if full != "" {
		full += "/"
	}
	return drainListing(ctx, func(ctx context.Context) <-chan minio.ObjectInfo {
		return s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true})
	}, s.prefix)
}

// drainListing collects the keys of a listing relative to root. An error ends the loop early, so the
// listing runs under its own context and is cancelled on return.
func drainListing(ctx context.Context, list func(context.Context) <-chan minio.ObjectInfo, root string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for obj := range list(ctx) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if root != "" {
			keys = append(keys, strings.TrimPrefix(obj.Key, root+"/"))
		} else {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

func (s *minioSink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".log":
		return "text/plain"
	}
	return "application/octet-stream"
}
