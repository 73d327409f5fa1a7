// File: internal/activity/tracker.go
//
// Package activity maintains the set of in-flight network and navigation
// activity for one page: the "is the page busy" signal that the settle
// policy polls. State is written only from the connection's dispatch
// goroutine and read from arbitrary callers.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mkrall/drover/internal/protocol"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	methodNetworkEnable       = "Network.enable"
	methodPageEnable          = "Page.enable"
	evRequestWillBeSent       = "Network.requestWillBeSent"
	evLoadingFinished         = "Network.loadingFinished"
	evLoadingFailed           = "Network.loadingFailed"
	evFrameStartedLoading     = "Page.frameStartedLoading"
)

// trackedTypes are the resource types that count as activity. Documents and
// XHR/fetch traffic decide whether an action has settled; images, fonts and
// the rest would make the signal permanently noisy.
var trackedTypes = map[string]struct{}{
	"Document": {},
	"XHR":      {},
	"Fetch":    {},
}

// Activity is one outstanding request or frame load, keyed by request id.
type Activity struct {
	RequestID string
	FrameID   string
	URL       string
	Method    string
	Kind      string
}

// Tracker consumes transport events into the outstanding-activity set.
type Tracker struct {
	logger *zap.Logger
	sub    *protocol.Subscription

	mu      sync.RWMutex
	pending map[string]Activity

	closeOnce sync.Once
}

// NewTracker enables the Network and Page event domains on conn and starts
// consuming their events.
func NewTracker(ctx context.Context, conn *protocol.Conn, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		logger:  logger.Named("activity"),
		pending: make(map[string]Activity),
	}

	// Subscribe before enabling so no event slips between the two.
	t.sub = conn.Subscribe([]string{
		evRequestWillBeSent,
		evLoadingFinished,
		evLoadingFailed,
		evFrameStartedLoading,
	}, t.handleEvent)

	for _, method := range []string{methodNetworkEnable, methodPageEnable} {
		if _, err := conn.Invoke(ctx, method, nil); err != nil {
			t.sub.Cancel()
			return nil, fmt.Errorf("enable %s: %w", method, err)
		}
	}
	return t, nil
}

// Pending returns a snapshot of the outstanding activities.
func (t *Tracker) Pending() []Activity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Activity, 0, len(t.pending))
	for _, a := range t.pending {
		out = append(out, a)
	}
	return out
}

// IDs returns the outstanding request ids as a set. This is the form the
// settle policy compares snapshots in.
func (t *Tracker) IDs() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]struct{}, len(t.pending))
	for id := range t.pending {
		out[id] = struct{}{}
	}
	return out
}

// Close unsubscribes from the connection. It never fails and may be called
// more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.sub.Cancel()
	})
}

func (t *Tracker) handleEvent(method string, params json.RawMessage) {
	switch method {
	case evRequestWillBeSent:
		var ev struct {
			RequestID string `json:"requestId"`
			FrameID   string `json:"frameId"`
			Type      string `json:"type"`
			Request   struct {
				URL    string `json:"url"`
				Method string `json:"method"`
			} `json:"request"`
		}
		if err := codec.Unmarshal(params, &ev); err != nil {
			t.logger.Warn("Unparseable requestWillBeSent event.", zap.Error(err))
			return
		}
		if _, tracked := trackedTypes[ev.Type]; !tracked {
			return
		}
		t.mu.Lock()
		t.pending[ev.RequestID] = Activity{
			RequestID: ev.RequestID,
			FrameID:   ev.FrameID,
			URL:       ev.Request.URL,
			Method:    ev.Request.Method,
			Kind:      ev.Type,
		}
		t.mu.Unlock()

	case evLoadingFinished, evLoadingFailed:
		var ev struct {
			RequestID string `json:"requestId"`
		}
		if err := codec.Unmarshal(params, &ev); err != nil {
			t.logger.Warn("Unparseable loading event.", zap.Error(err))
			return
		}
		// Removal of an unknown id is a silent no-op: finish events can race
		// the navigation-start bulk removal.
		t.mu.Lock()
		delete(t.pending, ev.RequestID)
		t.mu.Unlock()

	case evFrameStartedLoading:
		var ev struct {
			FrameID string `json:"frameId"`
		}
		if err := codec.Unmarshal(params, &ev); err != nil {
			t.logger.Warn("Unparseable frameStartedLoading event.", zap.Error(err))
			return
		}
		// A (re)loading frame invalidates every activity scoped to it.
		t.mu.Lock()
		for id, a := range t.pending {
			if a.FrameID == ev.FrameID {
				delete(t.pending, id)
			}
		}
		t.mu.Unlock()
	}
}
