// File: internal/handle/handle.go
//
// Package handle implements the remote-handle lifecycle: client-side
// references to browser-side DOM nodes and JS objects that stay safe to reuse
// across time despite ongoing page mutation. A handle caches its resolution
// but re-validates liveness before every trusted use; once the underlying
// object is gone the handle is permanently stale and a fresh lookup must
// produce a new one.
//
// The primary representation is the remote objectId. Handles created from a
// nodeId or backendNodeId resolve it lazily through DOM.resolveNode.
package handle

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/mkrall/drover/internal/protocol"
)

// Ref identifies a browser-side target by whichever id the caller has.
// Exactly one field should be set; ObjectID wins when several are.
type Ref struct {
	NodeID        int64
	BackendNodeID int64
	ObjectID      string
}

// Option configures a Handle at wrap time.
type Option func(*Handle)

// WithName attaches a display name used in diagnostics.
func WithName(name string) Option {
	return func(h *Handle) { h.name = name }
}

// WithSelector records the handle's own selector.
func WithSelector(selector string) Option {
	return func(h *Handle) { h.selector = selector }
}

// WithParent composes the parent's selector breadcrumb in front of the
// handle's own, descendant-joined.
func WithParent(parent *Handle) Option {
	return func(h *Handle) {
		if parent != nil {
			h.parentSelector = parent.Selector()
		}
	}
}

// Handle is a client-side reference to a browser-side object. Apart from the
// cached resolution and the permanent stale mark, handles are immutable;
// renaming yields a new value.
type Handle struct {
	conn *protocol.Conn

	name           string
	selector       string
	parentSelector string

	nodeRef    int64
	backendRef int64

	mu       sync.Mutex
	objectID string
	nodeID   int64
	stale    bool
}

// Wrap produces a Handle for ref, owned by conn.
func Wrap(conn *protocol.Conn, ref Ref, opts ...Option) *Handle {
	h := &Handle{
		conn:       conn,
		nodeRef:    ref.NodeID,
		backendRef: ref.BackendNodeID,
		objectID:   ref.ObjectID,
		nodeID:     ref.NodeID,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.parentSelector != "" {
		if h.selector != "" {
			h.selector = h.parentSelector + " " + h.selector
		} else {
			h.selector = h.parentSelector
		}
	}
	return h
}

// WithName returns a renamed copy sharing the same remote reference.
func (h *Handle) WithName(name string) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &Handle{
		conn:       h.conn,
		name:       name,
		selector:   h.selector,
		nodeRef:    h.nodeRef,
		backendRef: h.backendRef,
		objectID:   h.objectID,
		nodeID:     h.nodeID,
		stale:      h.stale,
	}
}

// Name returns the display name, falling back to the selector breadcrumb.
func (h *Handle) Name() string {
	if h.name != "" {
		return h.name
	}
	return h.selector
}

// Selector returns the composed selector breadcrumb, when known.
func (h *Handle) Selector() string {
	return h.selector
}

// Conn returns the owning connection. A handle is only meaningful against it.
func (h *Handle) Conn() *protocol.Conn {
	return h.conn
}

// String is a pure formatter. It never performs I/O; use Describe for a live
// diagnostic.
func (h *Handle) String() string {
	if label := h.Name(); label != "" {
		return "<" + label + ">"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.objectID != "" {
		return "<object " + h.objectID + ">"
	}
	return "<unresolved node>"
}

// ObjectID resolves and re-validates the handle's remote objectId. Handles
// are cached client-side but the page can invalidate them between calls, so
// a cached id is confirmed live before it is returned.
func (h *Handle) ObjectID(ctx context.Context) (string, error) {
	h.mu.Lock()
	if h.stale {
		h.mu.Unlock()
		return "", h.staleErr(nil)
	}
	cached := h.objectID
	h.mu.Unlock()

	if cached == "" {
		return h.resolveObjectID(ctx)
	}

	// Liveness check: the describe round trip fails when the object is gone.
	_, err := h.conn.Invoke(ctx, "DOM.describeNode", map[string]any{"objectId": cached})
	if err != nil {
		return "", h.convert(err)
	}
	return cached, nil
}

// NodeID resolves and re-validates the handle's DOM nodeId.
func (h *Handle) NodeID(ctx context.Context) (int64, error) {
	h.mu.Lock()
	if h.stale {
		h.mu.Unlock()
		return 0, h.staleErr(nil)
	}
	cached := h.nodeID
	h.mu.Unlock()

	if cached != 0 {
		_, err := h.conn.Invoke(ctx, "DOM.describeNode", map[string]any{"nodeId": cached})
		if err != nil {
			return 0, h.convert(err)
		}
		return cached, nil
	}

	objectID, err := h.ObjectID(ctx)
	if err != nil {
		return 0, err
	}
	res, err := h.conn.Invoke(ctx, "DOM.requestNode", map[string]any{"objectId": objectID})
	if err != nil {
		return 0, h.convert(err)
	}
	var body struct {
		NodeID int64 `json:"nodeId"`
	}
	if err := codec.Unmarshal(res, &body); err != nil {
		return 0, err
	}
	if body.NodeID == 0 {
		return 0, h.staleErr(nil)
	}
	h.mu.Lock()
	h.nodeID = body.NodeID
	h.mu.Unlock()
	return body.NodeID, nil
}

// Describe returns a best-effort diagnostic such as "button#save.primary".
// It is an explicit, fallible call: any failure degrades to a placeholder
// rather than an error, and nothing in this package describes implicitly.
func (h *Handle) Describe(ctx context.Context) string {
	objectID, err := h.ObjectID(ctx)
	if err != nil {
		if isStale(err) {
			return "stale"
		}
		return "error: " + err.Error()
	}

	res, err := h.conn.Invoke(ctx, "Runtime.callFunctionOn", map[string]any{
		"objectId":            objectID,
		"functionDeclaration": describeJS,
		"returnByValue":       true,
	})
	if err != nil {
		if isStale(h.convert(err)) {
			return "stale"
		}
		return "error: " + err.Error()
	}
	var body struct {
		Result RemoteObject `json:"result"`
	}
	if err := codec.Unmarshal(res, &body); err != nil {
		return "error: " + err.Error()
	}
	var out string
	if err := codec.Unmarshal(body.Result.Value, &out); err != nil || out == "" {
		return "error: unexpected describe payload"
	}
	return out
}

// Release explicitly disposes the remote object. The handle is stale
// afterwards; there is no garbage-collector-driven disposal.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	objectID := h.objectID
	h.stale = true
	h.mu.Unlock()

	if objectID == "" {
		return nil
	}
	_, err := h.conn.Invoke(ctx, "Runtime.releaseObject", map[string]any{"objectId": objectID})
	if err != nil && !isStale(h.convert(err)) {
		return err
	}
	return nil
}

// describeJS builds the tag#id.class summary in the page.
const describeJS = `function() {
	if (!this || !this.tagName) { return String(this); }
	let s = this.tagName.toLowerCase();
	if (this.id) { s += '#' + this.id; }
	if (this.classList && this.classList.length) {
		s += '.' + Array.from(this.classList).join('.');
	}
	return s;
}`

// resolveObjectID performs the lazy nodeId/backendNodeId → objectId round trip.
func (h *Handle) resolveObjectID(ctx context.Context) (string, error) {
	params := map[string]any{}
	switch {
	case h.backendRef != 0:
		params["backendNodeId"] = h.backendRef
	case h.nodeRef != 0:
		params["nodeId"] = h.nodeRef
	default:
		return "", h.staleErr(nil)
	}

	res, err := h.conn.Invoke(ctx, "DOM.resolveNode", params)
	if err != nil {
		return "", h.convert(err)
	}
	var body struct {
		Object RemoteObject `json:"object"`
	}
	if err := codec.Unmarshal(res, &body); err != nil {
		return "", err
	}
	if body.Object.ObjectID == "" {
		return "", h.staleErr(nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stale {
		return "", h.staleErr(nil)
	}
	h.objectID = body.Object.ObjectID
	return h.objectID, nil
}

// nodeGoneFragments are the remote error messages that mean the target is
// gone rather than the call being malformed. This classification boundary is
// what keeps stale references retryable and real protocol misuse fatal.
var nodeGoneFragments = []string{
	"no node with given id",
	"node with given id does not belong",
	"could not find node",
	"cannot find context with specified id",
	"object couldn't be returned by evaluation",
	"node is detached",
	"argument should belong to the same javascript world",
}

// convert classifies a protocol failure: node-gone errors permanently mark
// the handle stale and surface as *StaleError; everything else passes through.
func (h *Handle) convert(err error) error {
	var protoErr *protocol.ProtocolError
	if errors.As(err, &protoErr) {
		msg := strings.ToLower(protoErr.Message)
		for _, frag := range nodeGoneFragments {
			if strings.Contains(msg, frag) {
				h.markStale()
				return h.staleErr(err)
			}
		}
	}
	return err
}

func (h *Handle) markStale() {
	h.mu.Lock()
	h.stale = true
	h.mu.Unlock()
}

func (h *Handle) staleErr(cause error) *StaleError {
	return &StaleError{Name: h.name, Selector: h.selector, Err: cause}
}

func isStale(err error) bool {
	var staleErr *StaleError
	return errors.As(err, &staleErr)
}
