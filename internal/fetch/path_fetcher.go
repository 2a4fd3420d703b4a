package fetch

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// PathFetcher searches an ordered list of local filesystem roots for
// {root}/{libName}/{breakpadId}/{symFileName}, returning the first
// successful parse.
type PathFetcher struct {
	roots  []string
	parser *symfile.Parser
	logger *zap.Logger
}

// NewPathFetcher builds a PathFetcher over the given search roots, in
// order.
func NewPathFetcher(roots []string, logger *zap.Logger) *PathFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PathFetcher{roots: roots, parser: symfile.NewParser(logger), logger: logger}
}

func (f *PathFetcher) Fetch(ctx context.Context, key modkey.Key) (*symfile.Table, bool) {
	if key.LibName == "" {
		return nil, false
	}
	suffix := filepath.Join(key.LibName, key.BreakpadID, symFileName(key.LibName))

	for _, root := range f.roots {
		path := filepath.Join(root, suffix)
		if table, ok := f.fetchFile(path); ok {
			return table, true
		}
	}
	return nil, false
}

func (f *PathFetcher) fetchFile(path string) (*symfile.Table, bool) {
	file, err := os.Open(path)
	if err != nil {
		f.logger.Debug("fetch: path miss", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	defer file.Close()

	table, err := f.parser.Parse(file)
	if err != nil {
		f.logger.Debug("fetch: path parse failure, treating as miss", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return table, true
}
