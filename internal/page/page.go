// File: internal/page/page.go
//
// Package page is the session facade over one attached target: blocking
// navigation keyed to the main frame, script evaluation with handle
// marshaling, selector lookups, and settle-policy-wrapped interactions.
package page

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mkrall/drover/internal/activity"
	"github.com/mkrall/drover/internal/input"
	"github.com/mkrall/drover/internal/protocol"
	"github.com/mkrall/drover/internal/retry"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	evFrameNavigated          = "Page.frameNavigated"
	evLoadEventFired          = "Page.loadEventFired"
	evNavigatedWithinDocument = "Page.navigatedWithinDocument"
)

// Options tunes an attached page.
type Options struct {
	// WaitTimeout bounds blocking navigation and condition waits.
	WaitTimeout time.Duration
	// PollInterval is the condition re-check cadence.
	PollInterval time.Duration
	// SettleGrace is the pause between a mutating action and the first
	// quiescence check.
	SettleGrace time.Duration
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = retry.DefaultDeadline
	}
	if o.PollInterval <= 0 {
		o.PollInterval = retry.DefaultInterval
	}
	if o.SettleGrace <= 0 {
		o.SettleGrace = retry.DefaultGrace
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Page drives one attached browser target. All methods are safe for
// concurrent use, though interleaving navigations makes little sense.
type Page struct {
	conn     *protocol.Conn
	tracker  *activity.Tracker
	settler  *retry.Settler
	keyboard *input.Keyboard
	mouse    *input.Mouse
	logger   *zap.Logger

	waitTimeout time.Duration
	retryOpts   retry.Options

	mu          sync.Mutex
	mainFrameID string
	windowID    string

	frameSub  *protocol.Subscription
	closeOnce sync.Once
}

// Attach wires a Page onto an already-dialed connection: it starts the
// activity tracker, follows main-frame identity via Page.frameNavigated, and
// reads the initial frame tree. The caller keeps ownership of conn.
func Attach(ctx context.Context, conn *protocol.Conn, opts Options) (*Page, error) {
	opts = opts.withDefaults()
	p := &Page{
		conn:        conn,
		keyboard:    input.NewKeyboard(conn),
		mouse:       input.NewMouse(conn),
		logger:      opts.Logger.Named("page"),
		waitTimeout: opts.WaitTimeout,
		retryOpts:   retry.Options{Deadline: opts.WaitTimeout, Interval: opts.PollInterval},
	}

	// Frame identity must be tracked before Page.enable fires the first
	// frameNavigated, so subscribe ahead of the tracker.
	p.frameSub = conn.Subscribe([]string{evFrameNavigated}, p.handleFrameNavigated)

	tracker, err := activity.NewTracker(ctx, conn, opts.Logger)
	if err != nil {
		p.frameSub.Cancel()
		return nil, err
	}
	p.tracker = tracker
	p.settler = retry.NewSettler(tracker, opts.SettleGrace, p.retryOpts, opts.Logger)

	res, err := conn.Invoke(ctx, "Page.getFrameTree", nil)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("read frame tree: %w", err)
	}
	var tree struct {
		FrameTree struct {
			Frame struct {
				ID string `json:"id"`
			} `json:"frame"`
		} `json:"frameTree"`
	}
	if err := codec.Unmarshal(res, &tree); err != nil {
		p.Close()
		return nil, fmt.Errorf("decode frame tree: %w", err)
	}
	p.mu.Lock()
	p.mainFrameID = tree.FrameTree.Frame.ID
	p.mu.Unlock()
	return p, nil
}

// Close stops event consumption. The connection itself stays open for its
// owner to close.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.frameSub.Cancel()
		if p.tracker != nil {
			p.tracker.Close()
		}
	})
}

// Conn exposes the underlying connection for raw protocol calls.
func (p *Page) Conn() *protocol.Conn {
	return p.conn
}

// MainFrameID returns the current main frame identity.
func (p *Page) MainFrameID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainFrameID
}

func (p *Page) handleFrameNavigated(_ string, params json.RawMessage) {
	var ev struct {
		Frame struct {
			ID       string `json:"id"`
			ParentID string `json:"parentId"`
			URL      string `json:"url"`
		} `json:"frame"`
	}
	if err := codec.Unmarshal(params, &ev); err != nil {
		p.logger.Warn("Unparseable frameNavigated event.", zap.Error(err))
		return
	}
	if ev.Frame.ParentID != "" {
		return
	}
	p.mu.Lock()
	p.mainFrameID = ev.Frame.ID
	// The old execution context died with the navigation.
	p.windowID = ""
	p.mu.Unlock()
	p.logger.Debug("Main frame navigated.",
		zap.String("frame_id", ev.Frame.ID), zap.String("url", ev.Frame.URL))
}

// Navigate drives the main frame to url and blocks until the load event for
// the current main frame, or an in-document navigation to it, fires. The
// load listener is installed before the command is issued so a fast load
// cannot slip past it.
func (p *Page) Navigate(ctx context.Context, url string) error {
	loaded, sub := p.subscribeLoad()
	defer sub.Cancel()

	res, err := p.conn.Invoke(ctx, "Page.navigate", map[string]any{"url": url})
	if err != nil {
		return err
	}
	var body struct {
		ErrorText string `json:"errorText"`
	}
	if err := codec.Unmarshal(res, &body); err != nil {
		return fmt.Errorf("decode navigate result: %w", err)
	}
	if body.ErrorText != "" {
		return &NavigationError{URL: url, Reason: body.ErrorText}
	}
	return p.awaitLoad(ctx, loaded, "load of "+url)
}

// Reload reloads the current page and blocks until it finishes loading.
func (p *Page) Reload(ctx context.Context) error {
	loaded, sub := p.subscribeLoad()
	defer sub.Cancel()

	if _, err := p.conn.Invoke(ctx, "Page.reload", nil); err != nil {
		return err
	}
	return p.awaitLoad(ctx, loaded, "reload")
}

// Back navigates one history entry backwards. It reports false, without
// blocking, when there is nothing to go back to.
func (p *Page) Back(ctx context.Context) (bool, error) {
	return p.historyStep(ctx, -1, "history back")
}

// Forward navigates one history entry forwards. It reports false, without
// blocking, when there is nothing to go forward to.
func (p *Page) Forward(ctx context.Context) (bool, error) {
	return p.historyStep(ctx, +1, "history forward")
}

func (p *Page) historyStep(ctx context.Context, delta int, desc string) (bool, error) {
	res, err := p.conn.Invoke(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return false, err
	}
	var body struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID  int64  `json:"id"`
			URL string `json:"url"`
		} `json:"entries"`
	}
	if err := codec.Unmarshal(res, &body); err != nil {
		return false, fmt.Errorf("decode navigation history: %w", err)
	}
	target := body.CurrentIndex + delta
	if target < 0 || target >= len(body.Entries) {
		return false, nil
	}

	loaded, sub := p.subscribeLoad()
	defer sub.Cancel()

	params := map[string]any{"entryId": body.Entries[target].ID}
	if _, err := p.conn.Invoke(ctx, "Page.navigateToHistoryEntry", params); err != nil {
		return false, err
	}
	if err := p.awaitLoad(ctx, loaded, desc); err != nil {
		return false, err
	}
	return true, nil
}

// subscribeLoad registers the load listener. Page.loadEventFired only ever
// reports the main frame; navigatedWithinDocument is matched against the
// current main frame id.
func (p *Page) subscribeLoad() (<-chan struct{}, *protocol.Subscription) {
	loaded := make(chan struct{}, 1)
	sub := p.conn.Subscribe([]string{evLoadEventFired, evNavigatedWithinDocument},
		func(method string, params json.RawMessage) {
			switch method {
			case evLoadEventFired:
				signal(loaded)
			case evNavigatedWithinDocument:
				var ev struct {
					FrameID string `json:"frameId"`
				}
				if err := codec.Unmarshal(params, &ev); err != nil {
					return
				}
				if ev.FrameID == p.MainFrameID() {
					signal(loaded)
				}
			}
		})
	return loaded, sub
}

func (p *Page) awaitLoad(ctx context.Context, loaded <-chan struct{}, desc string) error {
	timer := time.NewTimer(p.waitTimeout)
	defer timer.Stop()
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", desc, ctx.Err())
	case <-timer.C:
		return &retry.TimeoutError{Desc: desc, Elapsed: p.waitTimeout}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
