package breakpadsym

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mozilla-services/breakpad-symbol-server/internal/request"
)

// writeSymFile lays out {root}/{libName}/{breakpadId}/{symFileName}
// the way the path fetcher searches.
func writeSymFile(t *testing.T, root, libName, breakpadID, contents string) {
	t.Helper()
	dir := filepath.Join(root, libName, breakpadID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, libName+".sym"), []byte(contents), 0o644))
}

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	symRoot := t.TempDir()
	writeSymFile(t, symRoot, "l.so", "ID1", "PUBLIC 0 0 entry\nPUBLIC 10 0 inner\n")

	cfg := Config{
		SymbolPaths:       []string{symRoot},
		DiskCachePath:     t.TempDir(),
		MaxMemCacheFiles:  4,
		MaxDiskCacheFiles: 8,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := New(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

type v4Reply struct {
	SymbolicatedStacks [][]string `json:"symbolicatedStacks"`
	KnownModules       []bool     `json:"knownModules"`
}

func handleV4(t *testing.T, engine *Engine, body string) v4Reply {
	t.Helper()
	raw, err := engine.Handle(context.Background(), []byte(body))
	require.NoError(t, err)
	var reply v4Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	return reply
}

func TestHandleSymbolicationHit(t *testing.T) {
	engine := newTestEngine(t, nil)

	reply := handleV4(t, engine, `{"version":4,"memoryMap":[["l.so","ID1"]],"stacks":[[[0,16]]]}`)

	assert.Equal(t, [][]string{{"inner (in l.so)"}}, reply.SymbolicatedStacks)
	assert.Equal(t, []bool{true}, reply.KnownModules)
}

func TestHandleMissNoForward(t *testing.T) {
	engine := newTestEngine(t, nil)

	reply := handleV4(t, engine, `{"version":4,"memoryMap":[["absent.so","ID9"]],"stacks":[[[0,16]]]}`)

	assert.Equal(t, [][]string{{"0x10 (in absent.so)"}}, reply.SymbolicatedStacks)
	assert.Equal(t, []bool{false}, reply.KnownModules)
}

func TestHandleOutOfModule(t *testing.T) {
	engine := newTestEngine(t, nil)

	reply := handleV4(t, engine, `{"version":4,"memoryMap":[],"stacks":[[[-1,66]]]}`)

	assert.Equal(t, [][]string{{"0x42"}}, reply.SymbolicatedStacks)
	assert.Equal(t, []bool{}, reply.KnownModules)
}

// A request arriving with forwarded=3 must not contact the peer even
// when one is configured.
func TestHandleForwardLoopBound(t *testing.T) {
	contacted := false
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contacted = true
	}))
	defer peer.Close()

	engine := newTestEngine(t, func(cfg *Config) {
		cfg.RemoteSymbolServer = peer.URL
	})

	reply := handleV4(t, engine, `{"version":4,"memoryMap":[["absent.so","ID9"]],"stacks":[[[0,16]]],"forwarded":3}`)

	assert.False(t, contacted)
	assert.Equal(t, [][]string{{"0x10 (in absent.so)"}}, reply.SymbolicatedStacks)
}

func TestHandleForwardsToPeer(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"symbolicatedStacks": [][]string{{"peer_fn (in absent.so)"}},
			"knownModules":       []bool{true},
		})
	}))
	defer peer.Close()

	engine := newTestEngine(t, func(cfg *Config) {
		cfg.RemoteSymbolServer = peer.URL
	})

	reply := handleV4(t, engine, `{"version":4,"memoryMap":[["absent.so","ID9"]],"stacks":[[[0,16]]]}`)

	assert.Equal(t, [][]string{{"peer_fn (in absent.so)"}}, reply.SymbolicatedStacks)
	assert.Equal(t, []bool{true}, reply.KnownModules)
}

func TestHandleV3ResponseOmitsWrapper(t *testing.T) {
	engine := newTestEngine(t, nil)

	raw, err := engine.Handle(context.Background(), []byte(`{"version":3,"memoryMap":[["l.so","ID1"]],"stacks":[[[0,16]]]}`))
	require.NoError(t, err)

	var stacks [][]string
	require.NoError(t, json.Unmarshal(raw, &stacks))
	assert.Equal(t, [][]string{{"inner (in l.so)"}}, stacks)
	assert.NotContains(t, string(raw), "knownModules")
}

func TestHandleMalformedRequest(t *testing.T) {
	engine := newTestEngine(t, nil)

	_, err := engine.Handle(context.Background(), []byte(`{"version":9}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, request.ErrMalformedRequest))
}

func TestHandleIdenticalRequestsAreIdempotent(t *testing.T) {
	engine := newTestEngine(t, nil)
	body := `{"version":4,"memoryMap":[["l.so","ID1"]],"stacks":[[[0,0],[0,16],[-1,1]]]}`

	first := handleV4(t, engine, body)
	second := handleV4(t, engine, body)
	assert.Equal(t, first, second)
}

func TestHandleEmptyLibNameSkipped(t *testing.T) {
	engine := newTestEngine(t, nil)

	reply := handleV4(t, engine, `{"version":4,"memoryMap":[["","ID1"]],"stacks":[[[0,16]]]}`)

	assert.Equal(t, [][]string{{"0x10 (in )"}}, reply.SymbolicatedStacks)
	assert.Equal(t, []bool{false}, reply.KnownModules)
}

func TestHandlePopulatesDiskCacheAcrossRestart(t *testing.T) {
	symRoot := t.TempDir()
	writeSymFile(t, symRoot, "l.so", "ID1", "PUBLIC 0 0 entry\nPUBLIC 10 0 inner\n")
	cacheDir := t.TempDir()

	build := func(paths []string) *Engine {
		cfg := Config{
			SymbolPaths:       paths,
			DiskCachePath:     cacheDir,
			MaxMemCacheFiles:  2,
			MaxDiskCacheFiles: 4,
		}
		engine, err := New(context.Background(), cfg, zaptest.NewLogger(t), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = engine.Close() })
		return engine
	}

	first := build([]string{symRoot})
	handleV4(t, first, `{"version":4,"memoryMap":[["l.so","ID1"]],"stacks":[[[0,16]]]}`)

	// A second engine over the same cache dir, with no symbol paths at
	// all, must still resolve from the disk tier.
	second := build(nil)
	reply := handleV4(t, second, `{"version":4,"memoryMap":[["l.so","ID1"]],"stacks":[[[0,16]]]}`)
	assert.Equal(t, [][]string{{"inner (in l.so)"}}, reply.SymbolicatedStacks)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{DiskCachePath: "/tmp/x", MaxMemCacheFiles: 1, MaxDiskCacheFiles: 2}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing disk cache path", func(c *Config) { c.DiskCachePath = "" }},
		{"zero disk bound", func(c *Config) { c.MaxDiskCacheFiles = 0 }},
		{"negative mem bound", func(c *Config) { c.MaxMemCacheFiles = -1 }},
		{"mem exceeds disk", func(c *Config) { c.MaxMemCacheFiles = 3 }},
		{"negative persist count", func(c *Config) { c.MaxMRUSymbolsPersist = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
