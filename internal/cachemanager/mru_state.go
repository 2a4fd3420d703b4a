package cachemanager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
)

// mruState is the persisted prefetch hint list: {"symbols":
// [[libName, breakpadId], ...]}, written oldest-first; PrefetchMRUState
// reverses it into one newest-first batch, which rebuilds the same MRU
// order.
type mruState struct {
	Symbols [][]string `json:"symbols"`
}

// PrefetchMRUState reads the persisted hint list and pulls each listed
// module through the ordinary batched lookup path, warming the tiers
// and the MRU exactly as a real request would. A missing or unreadable
// state file is logged and ignored — prefetch is an optimization, not
// a startup requirement.
func (m *Manager) PrefetchMRUState(ctx context.Context) {
	if m.stateFile == "" || m.maxPersist <= 0 {
		return
	}

	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		m.logger.Debug("cachemanager: no MRU state to prefetch", zap.Error(err))
		return
	}

	var state mruState
	if err := json.Unmarshal(data, &state); err != nil {
		m.logger.Error("cachemanager: error parsing MRU symbols state file",
			zap.String("path", m.stateFile), zap.Error(err))
		return
	}

	symbols := state.Symbols
	if len(symbols) > m.maxPersist {
		symbols = symbols[:m.maxPersist]
	}

	keys := make([]modkey.Key, 0, len(symbols))
	for _, pair := range symbols {
		if len(pair) != 2 || !modkey.ValidLibName(pair[0]) {
			m.logger.Debug("cachemanager: skipping malformed MRU state entry")
			continue
		}
		keys = append(keys, modkey.Key{LibName: pair[0], BreakpadID: pair[1]})
	}
	if len(keys) == 0 {
		return
	}

	// The file lists entries oldest-first, and a batch puts its hits at
	// the front of the MRU in the order given, so feed it newest-first.
	batch := make([]modkey.Key, len(keys))
	for i, key := range keys {
		batch[len(keys)-1-i] = key
	}

	m.logger.Info("cachemanager: prefetching recent symbol files", zap.Int("count", len(keys)))
	hits := m.GetLibSymbolMaps(ctx, batch)
	for _, key := range keys {
		if _, ok := hits[key]; !ok {
			m.logger.Debug("cachemanager: failed to prefetch symbols",
				zap.String("lib", key.LibName), zap.String("id", key.BreakpadID))
		}
	}
	m.logger.Info("cachemanager: finished prefetching recent symbol files",
		zap.Int("hits", len(hits)))
}

// persistSnapshot returns the MRU prefix to persist, newest first.
// Callers must hold mu. Returns nil when persistence is disabled.
func (m *Manager) persistSnapshot() []modkey.Key {
	if m.stateFile == "" || m.maxPersist <= 0 {
		return nil
	}
	limit := m.maxPersist
	if limit > len(m.mru) {
		limit = len(m.mru)
	}
	out := make([]modkey.Key, limit)
	copy(out, m.mru[:limit])
	return out
}

// persistMRU writes the snapshot to the state file via a temp file and
// rename, so a crash mid-write never leaves a truncated hint list. The
// snapshot arrives newest-first and is stored reversed.
func (m *Manager) persistMRU(snapshot []modkey.Key) {
	if snapshot == nil {
		return
	}

	symbols := make([][]string, 0, len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- {
		symbols = append(symbols, []string{snapshot[i].LibName, snapshot[i].BreakpadID})
	}

	data, err := json.Marshal(mruState{Symbols: symbols})
	if err != nil {
		m.logger.Error("cachemanager: encoding MRU state failed", zap.Error(err))
		return
	}

	dir := filepath.Dir(m.stateFile)
	tmp, err := os.CreateTemp(dir, ".tmp-mru-state-*")
	if err != nil {
		m.logger.Error("cachemanager: creating MRU state temp file failed", zap.Error(err))
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		m.logger.Error("cachemanager: writing MRU state failed", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		m.logger.Error("cachemanager: closing MRU state temp file failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmpName, m.stateFile); err != nil {
		os.Remove(tmpName)
		m.logger.Error("cachemanager: renaming MRU state file failed", zap.Error(err))
	}
}
