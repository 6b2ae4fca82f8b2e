package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alitto/pond"
	"go.uber.org/zap"
)

// CompleteMarker is written to a node's sink namespace after everything else has been uploaded.
const CompleteMarker = "_COMPLETE"

const DefaultConcurrency = 8

// A Sink is durable storage for result files. Keys are slash separated and relative to the sink's root.
type Sink interface {
	PutFile(ctx context.Context, key, localPath string) error
	Put(ctx context.Context, key string, body []byte) error
	GetFile(ctx context.Context, key, localPath string) error

	// List returns every key under prefix, relative to the sink root.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Location is a parsed sink URI.
type Location struct {
	Scheme   string
	Endpoint string // minio only
	Bucket   string
	Prefix   string
	Path     string // file only
}

type Options struct {
	// Create the bucket if it does not exist.
	CreateBucket bool

	// Region for the s3 backend. Empty uses the AWS default chain.
	Region string

	Logger *zap.Logger
}

// Parse splits a sink URI of the form s3://bucket/prefix, minio://endpoint/bucket/prefix or file:///abs/path.
func Parse(uri string) (Location, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("invalid sink %q: %w", uri, err)
	}
	loc := Location{Scheme: u.Scheme}
	switch u.Scheme {
	case "s3":
		loc.Bucket = u.Host
		loc.Prefix = strings.Trim(u.Path, "/")
	case "minio":
		loc.Endpoint = u.Host
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		loc.Bucket = bucket
		loc.Prefix = strings.Trim(prefix, "/")
	case "file":
		if u.Host != "" || !filepath.IsAbs(u.Path) {
			return Location{}, fmt.Errorf("file sink %q must be an absolute path like file:///var/results", uri)
		}
		loc.Path = filepath.Clean(u.Path)
		return loc, nil
	default:
		return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedSink, uri)
	}
	if loc.Bucket == "" {
		return Location{}, fmt.Errorf("sink %q has no bucket", uri)
	}
	return loc, nil
}

// Join appends a path element to a sink URI. An empty URI stays empty.
func Join(uri, elem string) string {
	if uri == "" {
		return ""
	}
	return strings.TrimRight(uri, "/") + "/" + strings.Trim(elem, "/")
}

// Open connects to the sink named by uri. An empty uri means no sink and returns nil, nil.
func Open(ctx context.Context, uri string, opts Options) (Sink, error) {
	if uri == "" {
		return nil, nil
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	loc, err := Parse(uri)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "s3":
		return newS3Sink(ctx, loc, opts)
	case "minio":
		return newMinioSink(ctx, loc, opts)
	default:
		return newFileSink(loc.Path)
	}
}

// UploadDir uploads every regular file under dir, keyed by its path relative to dir. Every file is
// attempted; the returned error joins all failures.
func UploadDir(ctx context.Context, s Sink, dir string, concurrency int, logger *zap.Logger) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing %s: %w", dir, err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	pool := newPool(concurrency, len(files))
	for _, p := range files {
		pool.Submit(func() {
			rel, _ := filepath.Rel(dir, p)
			key := filepath.ToSlash(rel)
			if err := s.PutFile(ctx, key, p); err != nil {
				logger.Warn("failed to upload file", zap.String("key", key), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	return len(files) - len(errs), errors.Join(errs...)
}

// DownloadPrefix copies every object under prefix into dir, keeping the key path below prefix. done, if
// not nil, is called once per object whether or not it succeeded.
func DownloadPrefix(ctx context.Context, s Sink, prefix, dir string, concurrency int, done func()) (int, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("listing %s: %w", prefix, err)
	}
	return DownloadKeys(ctx, s, prefix, keys, dir, concurrency, done)
}

// DownloadKeys is DownloadPrefix for keys that were already listed.
func DownloadKeys(ctx context.Context, s Sink, prefix string, keys []string, dir string, concurrency int, done func()) (int, error) {
	var (
		mu   sync.Mutex
		errs []error
	)
	pool := newPool(concurrency, len(keys))
	base := strings.Trim(prefix, "/")
	for _, key := range keys {
		pool.Submit(func() {
			if done != nil {
				defer done()
			}
			rel := key
			if base != "" {
				rel = strings.TrimPrefix(key, base+"/")
			}
			if err := s.GetFile(ctx, key, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	return len(keys) - len(errs), errors.Join(errs...)
}

func newPool(concurrency, tasks int) *pond.WorkerPool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	workers := max(min(concurrency, tasks), 1)
	return pond.New(workers, 0, pond.MinWorkers(workers))
}

// mkParent creates the directory a local file will be written to.
func mkParent(localPath string) error {
	return os.MkdirAll(filepath.Dir(localPath), 0o755)
}
