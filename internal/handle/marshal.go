// File: internal/handle/marshal.go
package handle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/mkrall/drover/internal/protocol"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Marker keys. argMarkerKey travels client→server inside call arguments and
// indexes an appended objectId argument; remoteMarkerKey travels
// server→client inside results and carries an objectId to re-wrap.
const (
	argMarkerKey    = "__drover_arg__"
	remoteMarkerKey = "__drover_remote__"
)

// CallArgument is one Runtime.callFunctionOn argument: either a plain JSON
// value or a live object reference.
type CallArgument struct {
	Value    json.RawMessage `json:"value,omitempty"`
	ObjectID string          `json:"objectId,omitempty"`
}

// RemoteObject is the subset of the protocol's Runtime.RemoteObject that the
// registry consumes.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
	Description string          `json:"description,omitempty"`
}

// MarshalArgs flattens a mixed argument list for a remote call. The first
// len(args) entries mirror args with every nested *Handle replaced by an
// {argMarkerKey: k} marker; the referenced handles' live objectIds are
// appended as extra arguments in marker order. A top-level *Handle becomes an
// objectId argument directly. extra reports how many arguments were appended;
// when it is zero no server-side reconstruction is needed (the fast path —
// primitive-only payloads are marshaled without any tree walk).
func MarshalArgs(ctx context.Context, args []any) (out []CallArgument, extra int, err error) {
	out = make([]CallArgument, 0, len(args))
	var appended []CallArgument

	for i, arg := range args {
		if h, ok := arg.(*Handle); ok {
			objectID, err := h.ObjectID(ctx)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, CallArgument{ObjectID: objectID})
			continue
		}
		if !containsHandle(arg) {
			raw, err := codec.Marshal(arg)
			if err != nil {
				return nil, 0, fmt.Errorf("marshal argument %d: %w", i, err)
			}
			out = append(out, CallArgument{Value: raw})
			continue
		}
		substituted, err := substitute(ctx, arg, &appended)
		if err != nil {
			return nil, 0, err
		}
		raw, err := codec.Marshal(substituted)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal argument %d: %w", i, err)
		}
		out = append(out, CallArgument{Value: raw})
	}
	return append(out, appended...), len(appended), nil
}

// ReviverWrapper wraps a user function declaration so that the extra trailing
// objectId arguments produced by MarshalArgs are spliced back into their
// recorded positions before the function runs. argc is the user-visible
// argument count.
func ReviverWrapper(fn string, argc int) string {
	return fmt.Sprintf(`function() {
	const extras = Array.prototype.slice.call(arguments, %d);
	const args = Array.prototype.slice.call(arguments, 0, %d);
	const revive = (v) => {
		if (v && typeof v === 'object') {
			if (typeof v[%q] === 'number') { return extras[v[%q]]; }
			for (const k of Object.keys(v)) { v[k] = revive(v[k]); }
		}
		return v;
	};
	return (%s).apply(this, args.map(revive));
}`, argc, argc, argMarkerKey, argMarkerKey, fn)
}

// Unwrap converts a RemoteObject into a Go value, re-wrapping the object
// itself and any nested remote markers into Handles at their original
// positions.
func Unwrap(conn *protocol.Conn, obj RemoteObject) (any, error) {
	if obj.ObjectID != "" {
		return Wrap(conn, Ref{ObjectID: obj.ObjectID}), nil
	}
	if len(obj.Value) == 0 {
		return nil, nil
	}
	// Fast path: a payload that cannot contain a marker is decoded as-is.
	if !bytes.Contains(obj.Value, []byte(remoteMarkerKey)) {
		var v any
		if err := codec.Unmarshal(obj.Value, &v); err != nil {
			return nil, fmt.Errorf("unmarshal remote value: %w", err)
		}
		return v, nil
	}

	var v any
	if err := codec.Unmarshal(obj.Value, &v); err != nil {
		return nil, fmt.Errorf("unmarshal remote value: %w", err)
	}
	return revive(conn, v), nil
}

// containsHandle walks decoded structures looking for a *Handle. Handles are
// recognized at the top level and inside map[string]any / []any nesting.
func containsHandle(v any) bool {
	switch t := v.(type) {
	case *Handle:
		return true
	case map[string]any:
		for _, e := range t {
			if containsHandle(e) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if containsHandle(e) {
				return true
			}
		}
	}
	return false
}

// substitute deep-copies v, replacing each *Handle with an index marker and
// appending its objectId argument.
func substitute(ctx context.Context, v any, appended *[]CallArgument) (any, error) {
	switch t := v.(type) {
	case *Handle:
		objectID, err := t.ObjectID(ctx)
		if err != nil {
			return nil, err
		}
		idx := len(*appended)
		*appended = append(*appended, CallArgument{ObjectID: objectID})
		return map[string]any{argMarkerKey: idx}, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			sub, err := substitute(ctx, e, appended)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			sub, err := substitute(ctx, e, appended)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

// revive replaces {remoteMarkerKey: objectId} maps with Handles, preserving
// every other position.
func revive(conn *protocol.Conn, v any) any {
	switch t := v.(type) {
	case map[string]any:
		if oid, ok := t[remoteMarkerKey].(string); ok && len(t) == 1 {
			return Wrap(conn, Ref{ObjectID: oid})
		}
		for k, e := range t {
			t[k] = revive(conn, e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = revive(conn, e)
		}
		return t
	default:
		return v
	}
}
