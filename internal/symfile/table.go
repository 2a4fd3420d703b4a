// Package symfile parses Breakpad-format .sym symbol files and
// provides address lookup over the resulting table.
package symfile

import "sort"

// unknownSymbol is the sentinel name returned by LookupOrUnknown when
// no recorded address is at or below the queried offset.
const unknownSymbol = "unknown"

// Table is an address-ordered lookup table produced by parsing a
// Breakpad .sym file: addresses and names are parallel slices sorted
// by address ascending.
type Table struct {
	addresses []uint64
	names     []string
}

// EntryCount returns the number of distinct addresses in the table.
func (t *Table) EntryCount() int {
	return len(t.addresses)
}

// Lookup returns the name associated with the greatest recorded
// address <= offset, or the empty string if offset precedes every
// recorded address.
//
// There is no upper bound check against a FUNC's size: an address far
// past the end of the last known function still resolves to that
// function's name.
func (t *Table) Lookup(offset uint64) (string, bool) {
	// sort.Search finds the first index for which addresses[i] > offset;
	// the entry we want is the one immediately before it.
	i := sort.Search(len(t.addresses), func(i int) bool {
		return t.addresses[i] > offset
	})
	if i == 0 {
		return "", false
	}
	return t.names[i-1], true
}

// LookupOrUnknown is Lookup with the "unknown" sentinel substituted
// for a miss.
func (t *Table) LookupOrUnknown(offset uint64) string {
	if name, ok := t.Lookup(offset); ok {
		return name
	}
	return unknownSymbol
}

// Parts exposes the table's parallel address/name slices for callers
// that need to serialize a Table (the disk cache's gob encoding).
// Both slices are already sorted by address ascending.
func (t *Table) Parts() (addresses []uint64, names []string) {
	return t.addresses, t.names
}

// FromParts reconstructs a Table from previously-sorted parallel
// address/name slices, as produced by Parts. It does not re-sort —
// callers that did not obtain the slices from Parts must presort them.
func FromParts(addresses []uint64, names []string) *Table {
	return &Table{addresses: addresses, names: names}
}

// newTable builds a Table from an address->name map, sorting by
// address ascending. Used by the parser once a full scan has
// collected every (possibly colliding) entry.
func newTable(byAddress map[uint64]string) *Table {
	addrs := make([]uint64, 0, len(byAddress))
	for a := range byAddress {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	names := make([]string, len(addrs))
	for i, a := range addrs {
		names[i] = byAddress[a]
	}
	return &Table{addresses: addrs, names: names}
}
