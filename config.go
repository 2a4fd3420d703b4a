package breakpadsym

import (
	"errors"
	"time"
)

// defaultForwardTimeout bounds the upstream forward POST when the
// config does not set one, so a stalled peer cannot hold a client
// request open indefinitely.
const defaultForwardTimeout = 10 * time.Second

// S3StoreConfig points the fetch pipeline at an S3 bucket of .sym
// files laid out {prefix}/{libName}/{breakpadId}/{symFileName}.
type S3StoreConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// GCSStoreConfig points the fetch pipeline at a GCS bucket with the
// same layout.
type GCSStoreConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Config is the engine's configuration surface. The config-file loader
// that populates it is an external collaborator; the engine only
// validates and consumes the resulting struct.
type Config struct {
	// SymbolPaths are filesystem roots searched first, in order.
	SymbolPaths []string `mapstructure:"symbolPaths"`

	// SymbolURLs are HTTP base URLs searched after the filesystem
	// roots, in order.
	SymbolURLs []string `mapstructure:"symbolURLs"`

	// S3SymbolStore and GCSSymbolStore, when set, append object-store
	// fetchers after the URL fetchers.
	S3SymbolStore  *S3StoreConfig  `mapstructure:"s3SymbolStore"`
	GCSSymbolStore *GCSStoreConfig `mapstructure:"gcsSymbolStore"`

	// DiskCachePath is the disk cache tier's directory.
	DiskCachePath string `mapstructure:"diskCachePath"`

	// Tier bounds. MaxMemCacheFiles must not exceed MaxDiskCacheFiles.
	MaxMemCacheFiles  int `mapstructure:"maxMemCacheFiles"`
	MaxDiskCacheFiles int `mapstructure:"maxDiskCacheFiles"`

	// RemoteSymbolServer is the peer to forward unresolved frames to.
	// Empty disables forwarding.
	RemoteSymbolServer string `mapstructure:"remoteSymbolServer"`

	// ForwardTimeout bounds each forward POST. Zero selects
	// defaultForwardTimeout.
	ForwardTimeout time.Duration `mapstructure:"forwardTimeout"`

	// MRUSymbolStateFile persists the MRU prefix across restarts;
	// MaxMRUSymbolsPersist bounds how many entries are persisted and
	// prefetched. Empty path or zero count disables persistence.
	MRUSymbolStateFile   string `mapstructure:"mruSymbolStateFile"`
	MaxMRUSymbolsPersist int    `mapstructure:"maxMRUSymbolsPersist"`

	// NegativeCacheSize bounds each remote fetcher's
	// recently-confirmed-absent cache. Zero disables it.
	NegativeCacheSize int `mapstructure:"negativeCacheSize"`
}

// Validate checks the constraints the engine relies on. Lib names and
// breakpad ids are validated per-request, not here.
func (c *Config) Validate() error {
	if c.DiskCachePath == "" {
		return errors.New("breakpadsym: diskCachePath must be set")
	}
	if c.MaxDiskCacheFiles <= 0 {
		return errors.New("breakpadsym: maxDiskCacheFiles must be positive")
	}
	if c.MaxMemCacheFiles < 0 {
		return errors.New("breakpadsym: maxMemCacheFiles must not be negative")
	}
	if c.MaxMemCacheFiles > c.MaxDiskCacheFiles {
		return errors.New("breakpadsym: maxMemCacheFiles must not exceed maxDiskCacheFiles")
	}
	if c.MaxMRUSymbolsPersist < 0 {
		return errors.New("breakpadsym: maxMRUSymbolsPersist must not be negative")
	}
	return nil
}
