package fetch

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// s3Client is the subset of *s3.Client the fetcher needs, so tests can
// supply a fake without standing up real AWS credentials.
type s3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher fetches .sym objects out of an S3 bucket laid out
// {prefix}/{libName}/{breakpadId}/{symFileName}.
type S3Fetcher struct {
	client   s3Client
	bucket   string
	prefix   string
	parser   *symfile.Parser
	logger   *zap.Logger
	negative *negativeCache
	inflight singleflight.Group
}

// NewS3Fetcher builds an S3Fetcher against the given bucket/prefix.
func NewS3Fetcher(client s3Client, bucket, prefix string, negativeCacheSize int, logger *zap.Logger) *S3Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Fetcher{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		parser:   symfile.NewParser(logger),
		logger:   logger,
		negative: newNegativeCache(negativeCacheSize),
	}
}

func (f *S3Fetcher) Fetch(ctx context.Context, key modkey.Key) (*symfile.Table, bool) {
	if key.LibName == "" {
		return nil, false
	}
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

func (f *S3Fetcher) doFetch(ctx context.Context, objectKey string) (*symfile.Table, error) {
	result, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		f.logger.Debug("fetch: s3 miss", zap.String("key", objectKey), zap.Error(err))
		return nil, err
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		f.logger.Debug("fetch: s3 read failure", zap.String("key", objectKey), zap.Error(err))
		return nil, err
	}

	table, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		f.logger.Debug("fetch: s3 parse failure", zap.String("key", objectKey), zap.Error(err))
		return nil, err
	}
	return table, nil
}
