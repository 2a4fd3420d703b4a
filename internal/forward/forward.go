// Package forward implements the Upstream Forwarder (C8): shipping
// stack entries the local tiers could not resolve to a peer
// symbolication server, with V4-then-V3 version negotiation, and
// merging the peer's names back into the caller's result slice.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/request"
	"github.com/mozilla-services/breakpad-symbol-server/internal/telemetry"
)

// IndexedModule pairs an unresolved module with its index in the
// original request's memory map, so the peer's knownModules reply can
// be mapped back.
type IndexedModule struct {
	OriginalIndex int
	Key           modkey.Key
}

// Job carries one stack's unresolved entries to the peer and receives
// the merge targets. Symbolicated and KnownModules are mutated in
// place. On any failure Symbolicated is left exactly as the caller
// built it (placeholders stay, the client still gets a usable result);
// a decodable V4 reply whose names length does not match still merges
// its knownModules before the attempt is abandoned.
type Job struct {
	// ForwardCount is the incoming request's forwarded value; the
	// outgoing request carries ForwardCount+1.
	ForwardCount uint32

	// MemoryMap is the original request's full module list, indexed by
	// Stack entries' ModuleIndex.
	MemoryMap []modkey.Key

	// Indexes[i] is the position in Symbolicated that Stack[i]'s
	// resolved name must be written to.
	Indexes []int
	Stack   []request.StackEntry
	Modules []IndexedModule

	Symbolicated []string
	KnownModules []bool
}

// Forwarder POSTs synthetic V4 requests to a peer symbolication
// server, retrying once as V3 if the peer rejects V4.
type Forwarder struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
	tb      *telemetry.Builder
}

// New builds a Forwarder against the given peer URL. An empty url
// produces a permanently disabled Forwarder. A zero timeout means the
// POST is bounded only by the request context.
func New(url string, client *http.Client, timeout time.Duration, tb *telemetry.Builder, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if tb == nil {
		tb = telemetry.Nop()
	}
	return &Forwarder{url: url, client: client, timeout: timeout, logger: logger, tb: tb}
}

// Enabled reports whether a peer is configured at all. The forward-
// count loop bound is the symbolicator's check, not this one.
func (f *Forwarder) Enabled() bool {
	return f != nil && f.url != ""
}

// v4Response is the peer's V4 reply shape. Pointer fields so a reply
// missing either key is detected and aborts the merge, mirroring the
// strict key access the protocol requires.
type v4Response struct {
	SymbolicatedStacks *[][]string `json:"symbolicatedStacks"`
	KnownModules       *[]bool     `json:"knownModules"`
}

// Forward ships job's unresolved entries to the peer and writes the
// returned names into job.Symbolicated. Every failure is swallowed
// after logging: forwarding is best-effort and never fails the
// caller's request.
func (f *Forwarder) Forward(ctx context.Context, job *Job) {
	if !f.Enabled() || len(job.Stack) == 0 {
		return
	}
	f.logger.Debug("forward: forwarding PCs for symbolication", zap.Int("pcs", len(job.Stack)))
	f.tb.ForwardAttempts.Add(ctx, 1)

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	rawModules, moduleToIndex, newToOld := reindexModules(job.Modules)

	rawStack := make([][2]uint64, 0, len(job.Stack))
	for _, entry := range job.Stack {
		module := job.MemoryMap[entry.ModuleIndex]
		rawStack = append(rawStack, [2]uint64{uint64(moduleToIndex[module]), entry.Offset})
	}

	body, version, err := f.post(ctx, rawModules, rawStack, job.ForwardCount)
	if err != nil {
		f.logger.Error("forward: error while forwarding request", zap.Error(err))
		f.tb.ForwardFailures.Add(ctx, 1)
		return
	}

	names, err := f.decode(body, version, job, newToOld)
	if err != nil {
		f.logger.Error("forward: error in server response to forwarded request", zap.Error(err))
		f.tb.ForwardFailures.Add(ctx, 1)
		return
	}

	for i, name := range names {
		job.Symbolicated[job.Indexes[i]] = name
	}
}

// reindexModules densely renumbers the unresolved modules for the
// synthetic request. A module key appearing at two original indexes is
// sent twice; the stack references whichever new index was assigned
// last, and knownModules replies map each new index back independently.
func reindexModules(modules []IndexedModule) (rawModules [][]string, moduleToIndex map[modkey.Key]int, newToOld map[int]int) {
	rawModules = make([][]string, 0, len(modules))
	moduleToIndex = make(map[modkey.Key]int, len(modules))
	newToOld = make(map[int]int, len(modules))
	for _, im := range modules {
		newIndex := len(rawModules)
		rawModules = append(rawModules, []string{im.Key.LibName, im.Key.BreakpadID})
		moduleToIndex[im.Key] = newIndex
		newToOld[newIndex] = im.OriginalIndex
	}
	return rawModules, moduleToIndex, newToOld
}

// post sends the synthetic request as V4, retrying once as V3 if the
// transport or the peer rejects it. Returns the reply body and the
// version that succeeded.
func (f *Forwarder) post(ctx context.Context, rawModules [][]string, rawStack [][2]uint64, forwardCount uint32) ([]byte, int, error) {
	var lastErr error
	for _, version := range []int{4, 3} {
		payload, err := json.Marshal(map[string]any{
			"stacks":    [][][2]uint64{rawStack},
			"memoryMap": rawModules,
			"forwarded": forwardCount + 1,
			"version":   version,
		})
		if err != nil {
			return nil, 0, err
		}

		body, err := f.postOnce(ctx, payload)
		if err == nil {
			return body, version, nil
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

func (f *Forwarder) postOnce(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// decode extracts the names array from the peer's reply and, for a V4
// reply, merges knownModules back into the original indexes.
func (f *Forwarder) decode(body []byte, version int, job *Job, newToOld map[int]int) ([]string, error) {
	var names []string

	if version == 4 {
		var resp v4Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		if resp.SymbolicatedStacks == nil || resp.KnownModules == nil {
			return nil, fmt.Errorf("v4 response missing symbolicatedStacks or knownModules")
		}
		for newIndex, known := range *resp.KnownModules {
			if !known {
				continue
			}
			if oldIndex, ok := newToOld[newIndex]; ok {
				job.KnownModules[oldIndex] = true
			}
		}
		if len(*resp.SymbolicatedStacks) == 0 {
			return nil, fmt.Errorf("v4 response has no symbolicated stacks")
		}
		names = (*resp.SymbolicatedStacks)[0]
	} else {
		var resp [][]string
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			return nil, fmt.Errorf("v3 response has no symbolicated stacks")
		}
		names = resp[0]
	}

	if len(names) != len(job.Stack) {
		return nil, fmt.Errorf("%d symbols in response, %d PCs in request", len(names), len(job.Stack))
	}
	return names, nil
}
