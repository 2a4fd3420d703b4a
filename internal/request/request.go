// Package request implements the Request Validator (C6): decoding a
// raw JSON symbolication request into a tagged, fully validated
// Request value the symbolicator can trust.
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
)

// ErrMalformedRequest is the single outcome for every validation
// failure. The HTTP layer maps it to a 400; no finer-grained error is
// exposed to clients. Details go to the debug log only.
var ErrMalformedRequest = errors.New("request: malformed symbolication request")

// StackEntry is one PC in a stack: an index into the request's memory
// map (or -1 for a frame outside any mapped module) and a module-
// relative offset.
type StackEntry struct {
	ModuleIndex int32
	Offset      uint64
}

// Request is a validated V3 or V4 symbolication request.
type Request struct {
	Version      int
	ForwardCount uint32
	Modules      []modkey.Key
	Stacks       [][]StackEntry
}

// IncludeKnownModules reports whether the response should carry the
// knownModules array. Derived: true iff version >= 4.
func (r *Request) IncludeKnownModules() bool {
	return r.Version >= 4
}

// rawRequest is the loosely-typed first decoding pass. Pointer fields
// distinguish "absent" from zero values; json.RawMessage defers the
// shape checks to the second pass so each failure can be logged with
// context before collapsing to ErrMalformedRequest.
type rawRequest struct {
	Version   *int             `json:"version"`
	MemoryMap *json.RawMessage `json:"memoryMap"`
	Stacks    *json.RawMessage `json:"stacks"`
	Forwarded *int64           `json:"forwarded"`
}

// Parse decodes and validates raw. Every failure returns
// ErrMalformedRequest; the specific cause is logged at Debug.
func Parse(raw []byte, logger *zap.Logger) (*Request, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var top rawRequest
	if err := json.Unmarshal(raw, &top); err != nil {
		logger.Debug("request: body is not a JSON object", zap.Error(err))
		return nil, ErrMalformedRequest
	}

	if top.Version == nil {
		logger.Debug("request: missing 'version' field")
		return nil, ErrMalformedRequest
	}
	version := *top.Version
	if version != 3 && version != 4 {
		logger.Debug("request: invalid version", zap.Int("version", version))
		return nil, ErrMalformedRequest
	}

	var forwardCount uint32
	if top.Forwarded != nil {
		if *top.Forwarded < 0 {
			logger.Debug("request: negative 'forwarded' field", zap.Int64("forwarded", *top.Forwarded))
			return nil, ErrMalformedRequest
		}
		forwardCount = uint32(*top.Forwarded)
	}

	if top.MemoryMap == nil {
		logger.Debug("request: missing 'memoryMap' field")
		return nil, ErrMalformedRequest
	}
	modules, err := parseMemoryMap(*top.MemoryMap, logger)
	if err != nil {
		return nil, err
	}

	if top.Stacks == nil {
		logger.Debug("request: missing 'stacks' field")
		return nil, ErrMalformedRequest
	}
	stacks, err := parseStacks(*top.Stacks, len(modules), logger)
	if err != nil {
		return nil, err
	}

	return &Request{
		Version:      version,
		ForwardCount: forwardCount,
		Modules:      modules,
		Stacks:       stacks,
	}, nil
}

// parseMemoryMap validates each entry as a [libName, breakpadId]
// 2-tuple of strings, checking the lib name grammar and normalizing
// the breakpadId (uppercase, GUID braces stripped).
func parseMemoryMap(raw json.RawMessage, logger *zap.Logger) ([]modkey.Key, error) {
	var entries [][]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		logger.Debug("request: 'memoryMap' is not a list of string pairs", zap.Error(err))
		return nil, ErrMalformedRequest
	}

	modules := make([]modkey.Key, 0, len(entries))
	for _, entry := range entries {
		if len(entry) != 2 {
			logger.Debug("request: memory map entry is not a 2 item list", zap.Int("len", len(entry)))
			return nil, ErrMalformedRequest
		}
		libName, breakpadID := entry[0], entry[1]
		if !modkey.ValidLibName(libName) {
			logger.Debug("request: bad library name", zap.String("lib", libName))
			return nil, ErrMalformedRequest
		}
		modules = append(modules, modkey.Key{
			LibName:    libName,
			BreakpadID: modkey.NormalizeBreakpadID(breakpadID),
		})
	}
	return modules, nil
}

// parseStacks validates each stack as a list of [moduleIndex, offset]
// 2-tuples. moduleIndex must be -1 or an index into the memory map;
// offset must be a non-negative integer.
func parseStacks(raw json.RawMessage, moduleCount int, logger *zap.Logger) ([][]StackEntry, error) {
	// RawMessage rather than json.Number: json.Number also accepts a
	// quoted string such as "0", which is not an integer literal.
	var stacks [][][]json.RawMessage
	if err := json.Unmarshal(raw, &stacks); err != nil {
		logger.Debug("request: 'stacks' is not a list of lists of number pairs", zap.Error(err))
		return nil, ErrMalformedRequest
	}

	out := make([][]StackEntry, 0, len(stacks))
	for _, stack := range stacks {
		entries := make([]StackEntry, 0, len(stack))
		for _, entry := range stack {
			if len(entry) != 2 {
				logger.Debug("request: stack entry doesn't have exactly 2 elements", zap.Int("len", len(entry)))
				return nil, ErrMalformedRequest
			}
			moduleIndex, err := parseModuleIndex(json.Number(entry[0]), moduleCount)
			if err != nil {
				logger.Debug("request: bad stack entry module index", zap.String("value", string(entry[0])))
				return nil, ErrMalformedRequest
			}
			offset, err := parseOffset(json.Number(entry[1]))
			if err != nil {
				logger.Debug("request: bad stack entry offset", zap.String("value", string(entry[1])))
				return nil, ErrMalformedRequest
			}
			entries = append(entries, StackEntry{ModuleIndex: moduleIndex, Offset: offset})
		}
		out = append(out, entries)
	}
	return out, nil
}

func parseModuleIndex(n json.Number, moduleCount int) (int32, error) {
	v, err := n.Int64()
	if err != nil {
		return 0, err
	}
	if v < -1 || v >= int64(moduleCount) {
		return 0, fmt.Errorf("module index %d out of range", v)
	}
	return int32(v), nil
}

func parseOffset(n json.Number) (uint64, error) {
	// ParseUint rather than Number.Int64: offsets are u64 and may
	// legitimately exceed the int64 range.
	return strconv.ParseUint(n.String(), 10, 64)
}
