// Package modkey defines the module identity used as a cache key
// throughout the symbolication engine: a (libName, breakpadId) pair.
package modkey

import (
	"regexp"
	"strconv"
	"strings"
)

// libNameRE is the filesystem-safe lib name grammar. An empty libName
// is valid and means "frame not attributable to any module".
var libNameRE = regexp.MustCompile(`^[0-9a-zA-Z_+\-.]*$`)

var pdbSigBraced = regexp.MustCompile(`^\{([0-9a-fA-F]{8})-([0-9a-fA-F]{4})-([0-9a-fA-F]{4})-([0-9a-fA-F]{4})-([0-9a-fA-F]{12})\}$`)

// Key identifies a module's symbol file: a library name plus its
// build identifier. Both tiers of the cache and the disk layout use
// this identical pair as their key.
type Key struct {
	LibName    string
	BreakpadID string
}

// ValidLibName reports whether name matches the filesystem-safe lib
// name grammar. An empty name is valid.
func ValidLibName(name string) bool {
	return libNameRE.MatchString(name)
}

// NormalizeBreakpadID uppercases a breakpadId and strips "{...-...}"
// GUID-brace formatting from a PDB signature if present, so that
// "{8-4-4-4-12}" and its unbraced 32-hex equivalent normalize to the
// same string. Non-GUID-shaped ids are only uppercased.
func NormalizeBreakpadID(id string) string {
	id = strings.ToUpper(id)
	if m := pdbSigBraced.FindStringSubmatch(id); m != nil {
		return strings.ToUpper(strings.Join(m[1:], ""))
	}
	return id
}

// NormalizeLegacy builds a breakpadId from the legacy per-frame fields
// a V1/V2 request would have carried: pdbSig (optionally GUID-braced)
// and pdbAge (a decimal or hex age, rendered as lowercase hex). This is
// not used to accept legacy requests (dropped, see DESIGN.md); it is a
// standalone helper built on NormalizeBreakpadID, the function the
// V3/V4 validator applies to its breakpadId field.
func NormalizeLegacy(pdbSig string, pdbAge uint32) string {
	sig := NormalizeBreakpadID(pdbSig)
	return sig + strconv.FormatUint(uint64(pdbAge), 16)
}
