package symfile

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParsePublicAndFuncInterleaved(t *testing.T) {
	input := "PUBLIC 1000 0 foo\nPUBLIC 2000 0 bar\nFUNC 1800 10 0 mid\n"

	table, err := NewParser(zaptest.NewLogger(t)).Parse(strings.NewReader(input))
	require.NoError(t, err)

	assertLookup(t, table, 0x1000, "foo", true)
	assertLookup(t, table, 0x17ff, "foo", true)
	assertLookup(t, table, 0x1800, "mid", true)
	assertLookup(t, table, 0x2000, "bar", true)
	assertLookup(t, table, 0xfff, "", false)
}

func assertLookup(t *testing.T, table *Table, offset uint64, wantName string, wantOK bool) {
	t.Helper()
	name, ok := table.Lookup(offset)
	assert.Equal(t, wantOK, ok, "offset %#x", offset)
	assert.Equal(t, wantName, name, "offset %#x", offset)
}

func TestParseIgnoresOtherRecordKinds(t *testing.T) {
	input := "MODULE Linux x86_64 ABCDEF123456 lib.so\n" +
		"FILE 0 foo.cc\n" +
		"PUBLIC 10 0 entry\n" +
		"LINE 10 5 0 0\n" +
		"INFO CODE_ID abcdef\n"

	table, err := NewParser(zaptest.NewLogger(t)).Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, table.EntryCount())
}

func TestParseCollisionLastWriteWins(t *testing.T) {
	// PUBLIC and FUNC at the same address: later line overwrites earlier.
	input := "PUBLIC 100 0 early\nFUNC 100 8 0 late\n"
	table, err := NewParser(zaptest.NewLogger(t)).Parse(strings.NewReader(input))
	require.NoError(t, err)

	name, ok := table.Lookup(0x100)
	require.True(t, ok)
	assert.Equal(t, "late", name)
	assert.Equal(t, 1, table.EntryCount())
}

func TestParseMalformedLinesAreSkippedNotFatal(t *testing.T) {
	input := "PUBLIC badhex 0 foo\n" + // bad hex address
		"PUBLIC 20\n" + // too few fields
		"FUNC 30 0 x\n" + // too few fields for FUNC (needs 5)
		"PUBLIC 40 0 good\n"

	table, err := NewParser(zaptest.NewLogger(t)).Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, table.EntryCount())

	name, ok := table.Lookup(0x40)
	require.True(t, ok)
	assert.Equal(t, "good", name)
}

func TestParseEmptyStreamProducesEmptyTableNotError(t *testing.T) {
	table, err := NewParser(zaptest.NewLogger(t)).Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.NotNil(t, table)
	assert.Equal(t, 0, table.EntryCount())

	_, ok := table.Lookup(0)
	assert.False(t, ok)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestParseReaderFailurePropagates(t *testing.T) {
	_, err := NewParser(zaptest.NewLogger(t)).Parse(errReader{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestLookupOrUnknownSentinel(t *testing.T) {
	table, err := NewParser(zaptest.NewLogger(t)).Parse(strings.NewReader("PUBLIC 1000 0 foo\n"))
	require.NoError(t, err)

	assert.Equal(t, "foo", table.LookupOrUnknown(0x1000))
	assert.Equal(t, "unknown", table.LookupOrUnknown(0xfff))
}

func TestParseNamesWithEmbeddedSpaces(t *testing.T) {
	input := "PUBLIC 10 0 operator new(unsigned long)\n"
	table, err := NewParser(zaptest.NewLogger(t)).Parse(strings.NewReader(input))
	require.NoError(t, err)

	name, ok := table.Lookup(0x10)
	require.True(t, ok)
	assert.Equal(t, "operator new(unsigned long)", name)
}

func TestParseDeterministic(t *testing.T) {
	input := "PUBLIC 1000 0 foo\nPUBLIC 2000 0 bar\n"
	p := NewParser(zaptest.NewLogger(t))

	t1, err := p.Parse(strings.NewReader(input))
	require.NoError(t, err)
	t2, err := p.Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, t1.addresses, t2.addresses)
	assert.Equal(t, t1.names, t2.names)
}
