package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// URLFetcher searches an ordered list of HTTP base URLs for
// {base}/{libName}/{breakpadId}/{symFileName}. Non-200 responses are
// misses; gzip/x-gzip/deflate Content-Encoding is transparently
// decoded.
type URLFetcher struct {
	bases    []string
	client   *http.Client
	parser   *symfile.Parser
	logger   *zap.Logger
	negative *negativeCache
	inflight singleflight.Group
}

// NewURLFetcher builds a URLFetcher over the given base URLs, in
// order. negativeCacheSize bounds the "recently confirmed absent"
// cache; 0 disables it.
func NewURLFetcher(bases []string, client *http.Client, negativeCacheSize int, logger *zap.Logger) *URLFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &URLFetcher{
		bases:    bases,
		client:   client,
		parser:   symfile.NewParser(logger),
		logger:   logger,
		negative: newNegativeCache(negativeCacheSize),
	}
}

func (f *URLFetcher) Fetch(ctx context.Context, key modkey.Key) (*symfile.Table, bool) {
	if key.LibName == "" {
		return nil, false
	}
	suffix := strings.Join([]string{key.LibName, key.BreakpadID, symFileName(key.LibName)}, "/")

	for _, base := range f.bases {
		u, err := joinURL(base, suffix)
		if err != nil {
			f.logger.Debug("fetch: bad symbol URL base", zap.String("base", base), zap.Error(err))
			continue
		}
		if f.negative.KnownAbsent(u) {
			continue
		}
		if table, ok := f.fetchURL(ctx, u); ok {
			return table, true
		}
		f.negative.MarkAbsent(u)
	}
	return nil, false
}

func (f *URLFetcher) fetchURL(ctx context.Context, u string) (*symfile.Table, bool) {
	// singleflight so that N goroutines racing on the same cold URL
	// within this process issue exactly one GET.
	v, err, _ := f.inflight.Do(u, func() (interface{}, error) {
		return f.doFetch(ctx, u)
	})
	if err != nil || v == nil {
		return nil, false
	}
	return v.(*symfile.Table), true
}

func (f *URLFetcher) doFetch(ctx context.Context, u string) (*symfile.Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		f.logger.Debug("fetch: bad request", zap.String("url", u), zap.Error(err))
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug("fetch: url miss", zap.String("url", u), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Debug("fetch: non-200 response", zap.String("url", u), zap.Int("status", resp.StatusCode))
		return nil, errNon200
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Debug("fetch: failed reading body", zap.String("url", u), zap.Error(err))
		return nil, err
	}

	decoded, err := decodeContentEncoding(resp.Header.Get("Content-Encoding"), body)
	if err != nil {
		f.logger.Debug("fetch: decode failure", zap.String("url", u), zap.Error(err))
		return nil, err
	}

	table, err := f.parser.Parse(bytes.NewReader(decoded))
	if err != nil {
		f.logger.Debug("fetch: parse failure", zap.String("url", u), zap.Error(err))
		return nil, err
	}
	return table, nil
}

var errNon200 = &urlFetchError{"non-200 response"}

type urlFetchError struct{ msg string }

func (e *urlFetchError) Error() string { return e.msg }

// joinURL resolves suffix as a relative reference against base,
// ensuring base is treated as a directory (trailing slash) so the
// last path segment of base isn't replaced.
func joinURL(base, suffix string) (string, error) {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(suffix)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(ref).String(), nil
}
