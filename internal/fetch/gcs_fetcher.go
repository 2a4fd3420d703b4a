package fetch

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// gcsObject is the subset of *storage.ObjectHandle the fetcher needs,
// so tests can supply a fake without a live bucket.
type gcsObject interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
}

// gcsBucket is the subset of *storage.BucketHandle the fetcher needs.
type gcsBucket interface {
	Object(name string) gcsObject
}

// realGCSBucket adapts a live *storage.BucketHandle to gcsBucket;
// storage.Reader satisfies io.ReadCloser already.
type realGCSBucket struct {
	bucket *storage.BucketHandle
}

// NewRealGCSBucket wraps a live GCS bucket handle for use with
// NewGCSFetcher.
func NewRealGCSBucket(bucket *storage.BucketHandle) gcsBucket {
	return realGCSBucket{bucket: bucket}
}

func (b realGCSBucket) Object(name string) gcsObject {
	return realGCSObject{handle: b.bucket.Object(name)}
}

// realGCSObject adapts *storage.ObjectHandle's NewReader (which
// returns the concrete *storage.Reader type) to the gcsObject
// interface.
type realGCSObject struct {
	handle *storage.ObjectHandle
}

func (o realGCSObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.handle.NewReader(ctx)
}

// GCSFetcher fetches .sym objects out of a GCS bucket laid out
// {prefix}/{libName}/{breakpadId}/{symFileName}.
type GCSFetcher struct {
	bucket   gcsBucket
	prefix   string
	parser   *symfile.Parser
	logger   *zap.Logger
	negative *negativeCache
	inflight singleflight.Group
}

// NewGCSFetcher builds a GCSFetcher against the given bucket.
func NewGCSFetcher(bucket gcsBucket, prefix string, negativeCacheSize int, logger *zap.Logger) *GCSFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCSFetcher{
		bucket:   bucket,
		prefix:   prefix,
		parser:   symfile.NewParser(logger),
		logger:   logger,
		negative: newNegativeCache(negativeCacheSize),
	}
}

func (f *GCSFetcher) Fetch(ctx context.Context, key modkey.Key) (*symfile.Table, bool) {
	if key.LibName == "" {
		return nil, false
	}
	// GCS object names can't start with a slash.
	objectKey := strings.TrimPrefix(path.Join(f.prefix, key.LibName, key.BreakpadID, symFileName(key.LibName)), "/")

	if f.negative.KnownAbsent(objectKey) {
		return nil, false
	}

	v, err, _ := f.inflight.Do(objectKey, func() (interface{}, error) {
		return f.doFetch(ctx, objectKey)
	})
	if err != nil || v == nil {
		f.negative.MarkAbsent(objectKey)
		return nil, false
	}
	return v.(*symfile.Table), true
}

func (f *GCSFetcher) doFetch(ctx context.Context, objectKey string) (*symfile.Table, error) {
	r, err := f.bucket.Object(objectKey).NewReader(ctx)
	if err != nil {
		f.logger.Debug("fetch: gcs miss", zap.String("key", objectKey), zap.Error(err))
		return nil, err
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		f.logger.Debug("fetch: gcs read failure", zap.String("key", objectKey), zap.Error(err))
		return nil, err
	}

	table, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		f.logger.Debug("fetch: gcs parse failure", zap.String("key", objectKey), zap.Error(err))
		return nil, err
	}
	return table, nil
}
