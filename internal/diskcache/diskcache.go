// Package diskcache implements the Disk Cache (C3): a directory of
// gob-serialized symbol tables keyed by (libName, breakpadId), laid
// out one file per entry at {diskCachePath}/{breakpadId}@{libName}.
package diskcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// ErrCacheIO marks a disk read/write/delete failure. Callers treat it
// identically to a cache miss — it is logged here at Debug and never
// propagated.
var ErrCacheIO = fmt.Errorf("diskcache: I/O error")

// gobTable is the on-disk encoding of a symfile.Table. symfile.Table's
// fields are unexported, so the disk cache owns its own serializable
// shape and reconstructs a Table through the package's exported
// round-trip helpers.
type gobTable struct {
	Addresses []uint64
	Names     []string
}

// Cache is the disk-backed cache tier (C3).
type Cache struct {
	dir     string
	maxSize int
	logger  *zap.Logger
}

// New creates a Cache rooted at dir, creating the directory if it does
// not exist. maxSize is the number of MRU-prefix entries this tier is
// allowed to hold; the Cache Manager enforces that bound via Update,
// not this type itself.
func New(dir string, maxSize int, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskcache: creating %s: %w", dir, err)
	}
	return &Cache{dir: dir, maxSize: maxSize, logger: logger}, nil
}

// MaxSize implements cache.Tier.
func (c *Cache) MaxSize() int { return c.maxSize }

// path returns the on-disk file path for key:
// {diskCachePath}/{breakpadId}@{libName}.
func (c *Cache) path(key modkey.Key) string {
	return filepath.Join(c.dir, key.BreakpadID+"@"+key.LibName)
}

// Get reads and deserializes the file at key's path. Any I/O or decode
// error yields a miss, logged at Debug.
func (c *Cache) Get(key modkey.Key) (*symfile.Table, bool) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		c.logger.Debug("diskcache: miss", zap.String("lib", key.LibName), zap.String("id", key.BreakpadID), zap.Error(err))
		return nil, false
	}

	var gt gobTable
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&gt); err != nil {
		c.logger.Debug("diskcache: decode failure, treating as miss",
			zap.String("lib", key.LibName), zap.String("id", key.BreakpadID), zap.Error(err))
		return nil, false
	}

	return symfile.FromParts(gt.Addresses, gt.Names), true
}

// Insert writes each key's table to disk. Writes go to a temp file in
// the cache directory followed by os.Rename, so a concurrent Get never
// observes a partially written file.
func (c *Cache) Insert(keys []modkey.Key, tables map[modkey.Key]*symfile.Table) {
	for _, key := range keys {
		table := tables[key]
		if table == nil {
			continue
		}
		if err := c.store(key, table); err != nil {
			c.logger.Debug("diskcache: store failed", zap.String("lib", key.LibName), zap.String("id", key.BreakpadID), zap.Error(err))
		}
	}
}

func (c *Cache) store(key modkey.Key, table *symfile.Table) error {
	addrs, names := table.Parts()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobTable{Addresses: addrs, Names: names}); err != nil {
		return fmt.Errorf("%w: encode: %v", ErrCacheIO, err)
	}

	tmp, err := os.CreateTemp(c.dir, ".tmp-diskcache-*")
	if err != nil {
		return fmt.Errorf("%w: tempfile: %v", ErrCacheIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write: %v", ErrCacheIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close: %v", ErrCacheIO, err)
	}
	if err := os.Rename(tmpName, c.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", ErrCacheIO, err)
	}
	return nil
}

// Evict best-effort deletes each key's file. Missing files are not
// errors.
func (c *Cache) Evict(keys []modkey.Key) {
	for _, key := range keys {
		if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
			c.logger.Debug("diskcache: evict failed", zap.String("lib", key.LibName), zap.String("id", key.BreakpadID), zap.Error(err))
		}
	}
}

// GetCacheEntries enumerates files directly under the cache directory,
// splitting each filename on the first '@' into (breakpadId, libName).
// Filenames that cannot be split (including our own temp files, which
// carry no '@') are skipped.
func (c *Cache) GetCacheEntries() []modkey.Key {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Debug("diskcache: scanning cache dir failed", zap.Error(err))
		return nil
	}

	keys := make([]modkey.Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		idx := strings.Index(name, "@")
		if idx < 0 {
			continue
		}
		breakpadID, libName := name[:idx], name[idx+1:]
		keys = append(keys, modkey.Key{LibName: libName, BreakpadID: breakpadID})
	}
	return keys
}
