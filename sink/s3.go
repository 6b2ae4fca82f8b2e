package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

type s3Sink struct {
	s3         *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

func newS3Sink(ctx context.Context, loc Location, opts Options) (*s3Sink, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	s := &s3Sink{
		s3: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 1024 * 1024 * 10
		}),
		downloader: manager.NewDownloader(client),
		bucket:     loc.Bucket,
		prefix:     loc.Prefix,
	}
	if opts.CreateBucket {
		if err := s.ensureBucket(ctx, cfg.Region, opts.Logger); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *s3Sink) ensureBucket(ctx context.Context, region string, logger *zap.Logger) error {
	input := &s3.CreateBucketInput{
		Bucket: &s.bucket,
		ACL:    s3Types.BucketCannedACLPrivate,
	}
	// us-east-1 rejects an explicit location constraint
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(region),
		}
	}
	_, err := s.s3.CreateBucket(ctx, input)
	var e *s3Types.BucketAlreadyOwnedByYou
	if errors.As(err, &e) {
		logger.Debug("bucket already exists", zap.String("name", s.bucket))
		return nil
	} else if err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	logger.Debug("created bucket", zap.String("name", s.bucket))
	return nil
}

func (s *s3Sink) key(key string) string {
	return path.Join(s.prefix, key)
}

func (s *s3Sink) PutFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.key(key)),
		Body:   f,
	})
	return err
}

func (s *s3Sink) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(body),
	})
	return err
}

func (s *s3Sink) GetFile(ctx context.Context, key, localPath string) error {
	if err := mkParent(localPath); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.key(key)),
	})
	return err
}

func (s *s3Sink) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	if full != "" {
		full += "/"
	}
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(full),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, s.relative(aws.ToString(obj.Key)))
		}
	}
	return keys, nil
}

func (s *s3Sink) relative(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, s.prefix+"/")
}

func (s *s3Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.key(key)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// HeadObject has no body, so a missing key surfaces as a bare NotFound code rather than NoSuchKey.
func isNotFound(err error) bool {
	var nf *s3Types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
