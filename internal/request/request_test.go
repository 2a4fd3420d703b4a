package request

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
)

func TestParseValidV4(t *testing.T) {
	raw := []byte(`{
		"version": 4,
		"memoryMap": [["libxul.so", "abc123"], ["libc.so", "def456"]],
		"stacks": [[[0, 4660], [1, 131072], [-1, 42]]],
		"forwarded": 1
	}`)

	req, err := Parse(raw, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 4, req.Version)
	assert.Equal(t, uint32(1), req.ForwardCount)
	assert.True(t, req.IncludeKnownModules())
	assert.Equal(t, []modkey.Key{
		{LibName: "libxul.so", BreakpadID: "ABC123"},
		{LibName: "libc.so", BreakpadID: "DEF456"},
	}, req.Modules)
	require.Len(t, req.Stacks, 1)
	assert.Equal(t, []StackEntry{
		{ModuleIndex: 0, Offset: 4660},
		{ModuleIndex: 1, Offset: 131072},
		{ModuleIndex: -1, Offset: 42},
	}, req.Stacks[0])
}

func TestParseV3DoesNotIncludeKnownModules(t *testing.T) {
	raw := []byte(`{"version": 3, "memoryMap": [], "stacks": []}`)

	req, err := Parse(raw, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3, req.Version)
	assert.False(t, req.IncludeKnownModules())
	assert.Zero(t, req.ForwardCount)
}

func TestParseEmptyMapsAndStacksAreValid(t *testing.T) {
	raw := []byte(`{"version": 4, "memoryMap": [], "stacks": [[]]}`)

	req, err := Parse(raw, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Empty(t, req.Modules)
	require.Len(t, req.Stacks, 1)
	assert.Empty(t, req.Stacks[0])
}

func TestParseGUIDBracedBreakpadIDNormalizes(t *testing.T) {
	braced := []byte(`{"version": 4, "memoryMap": [["x.pdb", "{aabbccdd-0011-2233-4455-66778899aabb}"]], "stacks": []}`)
	plain := []byte(`{"version": 4, "memoryMap": [["x.pdb", "AABBCCDD00112233445566778899AABB"]], "stacks": []}`)

	fromBraced, err := Parse(braced, zaptest.NewLogger(t))
	require.NoError(t, err)
	fromPlain, err := Parse(plain, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, fromPlain.Modules[0].BreakpadID, fromBraced.Modules[0].BreakpadID)
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not JSON", `{`},
		{"not an object", `[1, 2]`},
		{"missing version", `{"memoryMap": [], "stacks": []}`},
		{"version out of range", `{"version": 2, "memoryMap": [], "stacks": []}`},
		{"version not a number", `{"version": "4", "memoryMap": [], "stacks": []}`},
		{"missing memoryMap", `{"version": 4, "stacks": []}`},
		{"memoryMap not a list", `{"version": 4, "memoryMap": {}, "stacks": []}`},
		{"module entry not a pair", `{"version": 4, "memoryMap": [["a.so"]], "stacks": []}`},
		{"module entry wrong types", `{"version": 4, "memoryMap": [["a.so", 7]], "stacks": []}`},
		{"bad lib name", `{"version": 4, "memoryMap": [["a/b.so", "ID"]], "stacks": []}`},
		{"missing stacks", `{"version": 4, "memoryMap": []}`},
		{"stack not a list", `{"version": 4, "memoryMap": [], "stacks": [7]}`},
		{"stack entry not a pair", `{"version": 4, "memoryMap": [["a.so", "ID"]], "stacks": [[[0]]]}`},
		{"stack entry not numbers", `{"version": 4, "memoryMap": [["a.so", "ID"]], "stacks": [[["0", "1"]]]}`},
		{"fractional offset", `{"version": 4, "memoryMap": [["a.so", "ID"]], "stacks": [[[0, 1.5]]]}`},
		{"negative offset", `{"version": 4, "memoryMap": [["a.so", "ID"]], "stacks": [[[0, -1]]]}`},
		{"module index below -1", `{"version": 4, "memoryMap": [["a.so", "ID"]], "stacks": [[[-2, 0]]]}`},
		{"module index past map", `{"version": 4, "memoryMap": [["a.so", "ID"]], "stacks": [[[1, 0]]]}`},
		{"negative forwarded", `{"version": 4, "memoryMap": [], "stacks": [], "forwarded": -1}`},
		{"non-integer forwarded", `{"version": 4, "memoryMap": [], "stacks": [], "forwarded": 1.5}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw), zaptest.NewLogger(t))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRequest))
		})
	}
}

func TestParseEmptyLibNameIsValid(t *testing.T) {
	raw := []byte(`{"version": 4, "memoryMap": [["", "ID"]], "stacks": [[[0, 16]]]}`)

	req, err := Parse(raw, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "", req.Modules[0].LibName)
}

func TestParseLargeOffset(t *testing.T) {
	// Offsets are u64 and may exceed the int64 range.
	raw := []byte(`{"version": 4, "memoryMap": [["a.so", "ID"]], "stacks": [[[0, 18446744073709551615]]]}`)

	req, err := Parse(raw, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), req.Stacks[0][0].Offset)
}
