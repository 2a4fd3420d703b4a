// Package symbolicate implements the Symbolicator (C7): resolving a
// validated request's stacks to human-readable names through the Cache
// Manager, with upstream forwarding for what stays unresolved.
package symbolicate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/forward"
	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/request"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// MaxForwardedRequests bounds how many times a request may hop between
// peer servers. Also prevents forwarding loops.
const MaxForwardedRequests = 3

// SymbolSource resolves a batch of modules to symbol tables. The Cache
// Manager is the production implementation.
type SymbolSource interface {
	GetLibSymbolMaps(ctx context.Context, modules []modkey.Key) map[modkey.Key]*symfile.Table
}

// UpstreamForwarder ships one stack's unresolved entries to a peer.
// *forward.Forwarder is the production implementation.
type UpstreamForwarder interface {
	Enabled() bool
	Forward(ctx context.Context, job *forward.Job)
}

// Result is one request's symbolication outcome: one name slice per
// input stack, positions matching one-to-one, plus per-module
// resolution flags.
type Result struct {
	Stacks       [][]string
	KnownModules []bool
}

// Resolver drives symbolication for validated requests.
type Resolver struct {
	source    SymbolSource
	forwarder UpstreamForwarder
	logger    *zap.Logger
}

// New builds a Resolver. forwarder may be a disabled Forwarder (or
// nil) when no peer is configured.
func New(source SymbolSource, forwarder UpstreamForwarder, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, forwarder: forwarder, logger: logger}
}

// Resolve symbolicates every stack in req. It never fails for
// symbolication reasons — the worst case is a result where every frame
// is a hex placeholder. The returned error is non-nil only when ctx
// was cancelled mid-request; the partial result is still returned
// alongside it.
func (r *Resolver) Resolve(ctx context.Context, req *request.Request) (*Result, error) {
	shouldForward := r.forwarder != nil && r.forwarder.Enabled() &&
		req.ForwardCount < MaxForwardedRequests

	symbols := r.source.GetLibSymbolMaps(ctx, req.Modules)

	known := make([]bool, len(req.Modules))
	missing := make(map[modkey.Key]bool)
	var unresolvedModules []forward.IndexedModule
	for moduleIndex, module := range req.Modules {
		if _, ok := symbols[module]; !ok {
			missing[module] = true
			if shouldForward {
				unresolvedModules = append(unresolvedModules, forward.IndexedModule{
					OriginalIndex: moduleIndex,
					Key:           module,
				})
			}
			continue
		}
		known[moduleIndex] = true
	}

	result := &Result{
		Stacks:       make([][]string, 0, len(req.Stacks)),
		KnownModules: known,
	}

	for _, stack := range req.Stacks {
		symbolicated := make([]string, 0, len(stack))
		var unresolvedIndexes []int
		var unresolvedStack []request.StackEntry

		for pcIndex, entry := range stack {
			if entry.ModuleIndex == -1 {
				symbolicated = append(symbolicated, hexAddr(entry.Offset))
				continue
			}
			module := req.Modules[entry.ModuleIndex]

			if missing[module] {
				if shouldForward {
					unresolvedIndexes = append(unresolvedIndexes, pcIndex)
					unresolvedStack = append(unresolvedStack, entry)
				}
				symbolicated = append(symbolicated, hexAddr(entry.Offset)+" (in "+module.LibName+")")
				continue
			}

			name, ok := symbols[module].Lookup(entry.Offset)
			if !ok {
				name = hexAddr(entry.Offset)
			}
			symbolicated = append(symbolicated, name+" (in "+module.LibName+")")
		}

		if len(unresolvedStack) > 0 {
			r.forwarder.Forward(ctx, &forward.Job{
				ForwardCount: req.ForwardCount,
				MemoryMap:    req.Modules,
				Indexes:      unresolvedIndexes,
				Stack:        unresolvedStack,
				Modules:      unresolvedModules,
				Symbolicated: symbolicated,
				KnownModules: result.KnownModules,
			})
		}

		result.Stacks = append(result.Stacks, symbolicated)
	}

	return result, ctx.Err()
}

// hexAddr renders an offset the way clients expect an unattributable
// PC: lowercase hex with a 0x prefix.
func hexAddr(offset uint64) string {
	return fmt.Sprintf("%#x", offset)
}
