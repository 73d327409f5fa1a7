package handle_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrall/drover/internal/handle"
	"github.com/mkrall/drover/internal/prototest"
)

func TestMarshalArgsPrimitivesOnly(t *testing.T) {
	args, extra, err := handle.MarshalArgs(context.Background(), []any{
		"hello", 42, true, map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	assert.Zero(t, extra, "no handles means no appended arguments")
	require.Len(t, args, 4)
	assert.JSONEq(t, `"hello"`, string(args[0].Value))
	assert.JSONEq(t, `42`, string(args[1].Value))
	assert.JSONEq(t, `{"k":"v"}`, string(args[3].Value))
}

func TestMarshalArgsTopLevelHandle(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{ObjectID: "obj-7"})
	args, extra, err := handle.MarshalArgs(context.Background(), []any{h, "x"})
	require.NoError(t, err)
	assert.Zero(t, extra, "a top-level handle needs no marker")
	require.Len(t, args, 2)
	assert.Equal(t, "obj-7", args[0].ObjectID)
	assert.Empty(t, args[0].Value)
	assert.JSONEq(t, `"x"`, string(args[1].Value))
}

func TestMarshalArgsNestedHandles(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	a := handle.Wrap(conn, handle.Ref{ObjectID: "obj-a"})
	b := handle.Wrap(conn, handle.Ref{ObjectID: "obj-b"})
	args, extra, err := handle.MarshalArgs(context.Background(), []any{
		map[string]any{
			"target": a,
			"items":  []any{"plain", b},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, extra)
	require.Len(t, args, 3, "one user argument plus two appended references")

	appendedIDs := []string{args[1].ObjectID, args[2].ObjectID}
	assert.ElementsMatch(t, []string{"obj-a", "obj-b"}, appendedIDs)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(args[0].Value, &decoded))
	marker, ok := decoded["target"].(map[string]any)
	require.True(t, ok, "nested handle becomes an index marker")
	idx, ok := marker["__drover_arg__"].(float64)
	require.True(t, ok)
	assert.Equal(t, appendedIDs[int(idx)], "obj-a")
}

func TestReviverWrapperSplicesIndexes(t *testing.T) {
	wrapped := handle.ReviverWrapper("function(opts) { return opts; }", 1)
	assert.Contains(t, wrapped, "__drover_arg__")
	assert.Contains(t, wrapped, "function(opts) { return opts; }")
	// The user-visible argument count bounds the slice split.
	assert.Contains(t, wrapped, "arguments, 1")
	assert.True(t, strings.HasPrefix(wrapped, "function()"))
}

func TestUnwrapScalarValue(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	v, err := handle.Unwrap(conn, handle.RemoteObject{
		Type: "string", Value: json.RawMessage(`"ready"`),
	})
	require.NoError(t, err)
	assert.Equal(t, "ready", v)
}

func TestUnwrapObjectIDBecomesHandle(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	v, err := handle.Unwrap(conn, handle.RemoteObject{
		Type: "object", Subtype: "node", ObjectID: "obj-9",
	})
	require.NoError(t, err)
	h, ok := v.(*handle.Handle)
	require.True(t, ok)
	assert.Same(t, conn, h.Conn())
}

func TestUnwrapNestedRemoteMarkers(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	v, err := handle.Unwrap(conn, handle.RemoteObject{
		Type: "object",
		Value: json.RawMessage(`{
			"count": 2,
			"nodes": [{"__drover_remote__": "obj-1"}, {"__drover_remote__": "obj-2"}]
		}`),
	})
	require.NoError(t, err)

	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), m["count"])
	nodes, ok := m["nodes"].([]any)
	require.True(t, ok)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		_, ok := n.(*handle.Handle)
		assert.True(t, ok, "markers are re-wrapped in place")
	}
}

func TestUnwrapNilAndPlainStructures(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	v, err := handle.Unwrap(conn, handle.RemoteObject{Type: "undefined"})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = handle.Unwrap(conn, handle.RemoteObject{
		Type: "object", Value: json.RawMessage(`{"a": [1, 2], "b": {"c": "d"}}`),
	})
	require.NoError(t, err)
	want := map[string]any{"a": []any{1.0, 2.0}, "b": map[string]any{"c": "d"}}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatalf("unexpected unwrapped value (-want +got):\n%s", diff)
	}
}
