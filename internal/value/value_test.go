package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepCopyIndependence(t *testing.T) {
	original := map[string]any{
		"a": []any{1.0, 2.0, map[string]any{"b": "c"}},
	}
	cp := DeepCopy(original).(map[string]any)

	inner := cp["a"].([]any)[2].(map[string]any)
	inner["b"] = "mutated"

	origInner := original["a"].([]any)[2].(map[string]any)
	assert.Equal(t, "c", origInner["b"], "mutating the copy must not affect the original")
}

func TestDeepCopyPreservesNilMapType(t *testing.T) {
	var m map[string]any
	cp := DeepCopy(m)
	out, ok := cp.(map[string]any)
	require.True(t, ok, "DeepCopy must preserve the map[string]any type even for a nil map")
	assert.Empty(t, out)
}

func TestFormatForString(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"hello", "hello"},
		{true, "true"},
		{42.0, "42"},
		{3.5, "3.5"},
		{[]any{1.0, 2.0}, "[1,2]"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FormatForString(c.in))
	}
}

func TestSplitPathHandlesBracketIndices(t *testing.T) {
	assert.Equal(t, []string{"steps", "a", "output", "items", "0", "name"}, SplitPath("steps.a.output.items[0].name"))
	assert.Equal(t, []string{"inputs", "x"}, SplitPath("inputs.x"))
	assert.Nil(t, SplitPath(""))
}

func TestIsBlockedSegment(t *testing.T) {
	assert.True(t, IsBlockedSegment("__proto__"))
	assert.True(t, IsBlockedSegment("constructor"))
	assert.False(t, IsBlockedSegment("name"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(map[string]any{"a": 1.0}, map[string]any{"a": 1.0}))
	assert.False(t, Equal(map[string]any{"a": 1.0}, map[string]any{"a": 2.0}))
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]any{"c": 1, "a": 2, "b": 3}))
}
