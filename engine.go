// Package breakpadsym is the symbol-resolution core of a Breakpad
// symbolication service: a tiered (memory + disk) cache of parsed
// .sym tables, a multi-source fetch pipeline, a per-request
// symbolication algorithm, and upstream forwarding for frames no
// local source can resolve.
//
// The HTTP front-end, config-file loading, and process bootstrap are
// external collaborators: they construct a Config and a logger, build
// one Engine, and feed it raw request bodies.
package breakpadsym

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/cachemanager"
	"github.com/mozilla-services/breakpad-symbol-server/internal/diskcache"
	"github.com/mozilla-services/breakpad-symbol-server/internal/fetch"
	"github.com/mozilla-services/breakpad-symbol-server/internal/forward"
	"github.com/mozilla-services/breakpad-symbol-server/internal/memcache"
	"github.com/mozilla-services/breakpad-symbol-server/internal/request"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symbolicate"
	"github.com/mozilla-services/breakpad-symbol-server/internal/telemetry"
)

// Engine is the single value an HTTP layer depends on. It is safe for
// concurrent use; one Engine serves every in-flight request.
type Engine struct {
	manager  *cachemanager.Manager
	resolver *symbolicate.Resolver
	tb       *telemetry.Builder
	logger   *zap.Logger

	gcsClient *storage.Client
}

// v4Response is the wire shape for version >= 4 responses.
type v4Response struct {
	SymbolicatedStacks [][]string `json:"symbolicatedStacks"`
	KnownModules       []bool     `json:"knownModules"`
}

// New validates cfg, builds the fetch pipeline, cache tiers, and
// cache manager, prefetches the persisted MRU hint list, and returns
// a ready Engine. ctx scopes the construction of cloud-store clients
// and the prefetch pass. A nil meter disables metrics; a nil logger
// disables logging.
func New(ctx context.Context, cfg Config, logger *zap.Logger, meter metric.Meter) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tb := telemetry.Nop()
	if meter != nil {
		var err error
		if tb, err = telemetry.New(meter); err != nil {
			return nil, fmt.Errorf("breakpadsym: creating instruments: %w", err)
		}
	}

	e := &Engine{tb: tb, logger: logger}

	pipeline, err := e.buildPipeline(ctx, cfg)
	if err != nil {
		return nil, err
	}

	disk, err := diskcache.New(cfg.DiskCachePath, cfg.MaxDiskCacheFiles, logger)
	if err != nil {
		return nil, err
	}
	mem := memcache.New(cfg.MaxMemCacheFiles, logger)

	manager, err := cachemanager.New(mem, disk, pipeline, cachemanager.Options{
		MRUStateFile: cfg.MRUSymbolStateFile,
		MaxPersist:   cfg.MaxMRUSymbolsPersist,
		Telemetry:    tb,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	manager.PrefetchMRUState(ctx)

	forwardTimeout := cfg.ForwardTimeout
	if forwardTimeout == 0 {
		forwardTimeout = defaultForwardTimeout
	}
	forwarder := forward.New(cfg.RemoteSymbolServer, http.DefaultClient, forwardTimeout, tb, logger)

	e.manager = manager
	e.resolver = symbolicate.New(manager, forwarder, logger)
	return e, nil
}

// buildPipeline assembles the fetcher order: filesystem roots, then
// HTTP mirrors, then S3, then GCS.
func (e *Engine) buildPipeline(ctx context.Context, cfg Config) (*fetch.Pipeline, error) {
	var fetchers []fetch.Fetcher

	if len(cfg.SymbolPaths) > 0 {
		fetchers = append(fetchers, fetch.NewPathFetcher(cfg.SymbolPaths, e.logger))
	}
	if len(cfg.SymbolURLs) > 0 {
		fetchers = append(fetchers, fetch.NewURLFetcher(cfg.SymbolURLs, http.DefaultClient, cfg.NegativeCacheSize, e.logger))
	}

	if cfg.S3SymbolStore != nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.S3SymbolStore.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3SymbolStore.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("breakpadsym: loading AWS config: %w", err)
		}
		fetchers = append(fetchers, fetch.NewS3Fetcher(
			s3.NewFromConfig(awsCfg),
			cfg.S3SymbolStore.Bucket, cfg.S3SymbolStore.Prefix,
			cfg.NegativeCacheSize, e.logger))
	}

	if cfg.GCSSymbolStore != nil {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("breakpadsym: creating GCS client: %w", err)
		}
		e.gcsClient = client
		fetchers = append(fetchers, fetch.NewGCSFetcher(
			fetch.NewRealGCSBucket(client.Bucket(cfg.GCSSymbolStore.Bucket)),
			cfg.GCSSymbolStore.Prefix,
			cfg.NegativeCacheSize, e.logger))
	}

	return fetch.NewPipeline(fetchers...), nil
}

// Handle symbolicates one raw JSON request body and returns the raw
// JSON response body. A request.ErrMalformedRequest return means the
// caller should answer 400; a context error means the client went
// away. No other errors occur — symbolication itself never fails.
func (e *Engine) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	e.tb.RequestsTotal.Add(ctx, 1)

	req, err := request.Parse(raw, e.logger)
	if err != nil {
		e.tb.MalformedRequests.Add(ctx, 1)
		return nil, err
	}

	result, err := e.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.IncludeKnownModules() {
		return json.Marshal(v4Response{
			SymbolicatedStacks: result.Stacks,
			KnownModules:       result.KnownModules,
		})
	}
	return json.Marshal(result.Stacks)
}

// Close releases clients the engine owns. Safe to call once after the
// last Handle returns.
func (e *Engine) Close() error {
	if e.gcsClient != nil {
		return e.gcsClient.Close()
	}
	return nil
}
