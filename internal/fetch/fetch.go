// Package fetch implements the Fetcher Pipeline (C2): locating a
// (libName, breakpadId) symbol table by trying configured filesystem
// roots, then HTTP mirrors, then (as a domain-stack extension) S3 and
// GCS object stores, in order.
package fetch

import (
	"context"
	"strings"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// Fetcher locates a single symbol table. A miss — whether because the
// file genuinely doesn't exist, or because of a filesystem/network
// error — is reported as ok=false; Fetcher implementations never
// return an error to the Pipeline, so a transient failure cannot
// poison the cache.
type Fetcher interface {
	Fetch(ctx context.Context, key modkey.Key) (*symfile.Table, bool)
}

// Pipeline composes an ordered list of Fetchers and returns the first
// hit.
type Pipeline struct {
	fetchers []Fetcher
}

// NewPipeline builds a Pipeline tried in the given order.
func NewPipeline(fetchers ...Fetcher) *Pipeline {
	return &Pipeline{fetchers: fetchers}
}

// Fetch tries each configured fetcher in order, returning the first
// hit, or ok=false if every fetcher missed.
func (p *Pipeline) Fetch(ctx context.Context, key modkey.Key) (*symfile.Table, bool) {
	for _, f := range p.fetchers {
		if table, ok := f.Fetch(ctx, key); ok {
			return table, true
		}
	}
	return nil, false
}

// symFileName derives the .sym file name to look for on disk or over
// the wire, given a libName. A ".pdb" suffix is replaced with ".sym";
// otherwise ".sym" is appended.
func symFileName(libName string) string {
	if strings.HasSuffix(libName, ".pdb") {
		return strings.TrimSuffix(libName, ".pdb") + ".sym"
	}
	return libName + ".sym"
}
