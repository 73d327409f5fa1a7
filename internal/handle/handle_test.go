package handle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mkrall/drover/internal/handle"
	"github.com/mkrall/drover/internal/protocol"
	"github.com/mkrall/drover/internal/prototest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dial(t *testing.T, s *prototest.Server) *protocol.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := protocol.Dial(ctx, s.URL(), protocol.Options{
		CallTimeout: 5 * time.Second,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestObjectIDLazyResolveAndCache(t *testing.T) {
	resolves := 0
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		switch req.Method {
		case "DOM.resolveNode":
			resolves++
			s.Reply(req.ID, map[string]any{"object": map[string]any{"objectId": "obj-42"}})
		case "DOM.describeNode":
			s.Reply(req.ID, map[string]any{"node": map[string]any{"nodeId": 7}})
		default:
			s.Reply(req.ID, struct{}{})
		}
	})
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{BackendNodeID: 99}, handle.WithSelector("#save"))

	id, err := h.ObjectID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "obj-42", id)

	// Second call re-validates the cached id instead of resolving again.
	id, err = h.ObjectID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "obj-42", id)
	assert.Equal(t, 1, resolves)
}

func TestNodeGoneBecomesStaleError(t *testing.T) {
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		switch req.Method {
		case "DOM.describeNode":
			s.ReplyError(req.ID, -32000, "No node with given id found")
		default:
			s.Reply(req.ID, struct{}{})
		}
	})
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{ObjectID: "gone"}, handle.WithName("save button"))

	_, err := h.ObjectID(context.Background())
	var staleErr *handle.StaleError
	require.ErrorAs(t, err, &staleErr)
	assert.True(t, staleErr.Retryable())
	assert.Contains(t, staleErr.Error(), "save button")

	var protoErr *protocol.ProtocolError
	assert.True(t, errors.As(err, &protoErr), "the protocol cause stays reachable via Unwrap")

	// Staleness is permanent: no further round trip is made.
	before := len(srv.Requests())
	_, err = h.ObjectID(context.Background())
	require.ErrorAs(t, err, &staleErr)
	assert.Len(t, srv.Requests(), before)
}

func TestUnrelatedProtocolErrorPassesThrough(t *testing.T) {
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		s.ReplyError(req.ID, -32602, "Invalid parameters")
	})
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{ObjectID: "obj-1"})

	_, err := h.ObjectID(context.Background())
	var protoErr *protocol.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	var staleErr *handle.StaleError
	assert.False(t, errors.As(err, &staleErr), "parameter errors are not staleness")
}

func TestNodeIDResolvedThroughObject(t *testing.T) {
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		switch req.Method {
		case "DOM.describeNode":
			s.Reply(req.ID, map[string]any{"node": map[string]any{"nodeId": 7}})
		case "DOM.requestNode":
			s.Reply(req.ID, map[string]any{"nodeId": 31})
		default:
			s.Reply(req.ID, struct{}{})
		}
	})
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{ObjectID: "obj-1"})
	nodeID, err := h.NodeID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(31), nodeID)
}

func TestDescribeReturnsSummary(t *testing.T) {
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		switch req.Method {
		case "Runtime.callFunctionOn":
			s.Reply(req.ID, map[string]any{"result": map[string]any{
				"type": "string", "value": "button#save.primary",
			}})
		default:
			s.Reply(req.ID, struct{}{})
		}
	})
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{ObjectID: "obj-1"})
	assert.Equal(t, "button#save.primary", h.Describe(context.Background()))
}

func TestDescribeDegradesToStale(t *testing.T) {
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		s.ReplyError(req.ID, -32000, "Could not find node with given id")
	})
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{ObjectID: "obj-1"})
	assert.Equal(t, "stale", h.Describe(context.Background()))
}

func TestReleaseDisposesAndMarksStale(t *testing.T) {
	released := false
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		if req.Method == "Runtime.releaseObject" {
			released = true
		}
		s.Reply(req.ID, struct{}{})
	})
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{ObjectID: "obj-1"})
	require.NoError(t, h.Release(context.Background()))
	assert.True(t, released)

	_, err := h.ObjectID(context.Background())
	var staleErr *handle.StaleError
	require.ErrorAs(t, err, &staleErr)
}

func TestWithNameSharesReference(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	h := handle.Wrap(conn, handle.Ref{ObjectID: "obj-1"}, handle.WithSelector(".row"))
	named := h.WithName("first row")
	assert.Equal(t, "first row", named.Name())
	assert.Equal(t, ".row", named.Selector())
	assert.Equal(t, ".row", h.Name(), "renaming never mutates the original")
}

func TestWithParentComposesSelector(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	parent := handle.Wrap(conn, handle.Ref{ObjectID: "p"}, handle.WithSelector("#form"))
	child := handle.Wrap(conn, handle.Ref{ObjectID: "c"},
		handle.WithSelector("input.email"), handle.WithParent(parent))
	assert.Equal(t, "#form input.email", child.Selector())
}
