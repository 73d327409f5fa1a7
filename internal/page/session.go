// File: internal/page/session.go
package page

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mkrall/drover/internal/handle"
	"github.com/mkrall/drover/internal/retry"
)

// evalResult is the shared Runtime.evaluate / Runtime.callFunctionOn response
// body: a remote object plus the thrown exception, when there is one.
type evalResult struct {
	Result           handle.RemoteObject      `json:"result"`
	ExceptionDetails *handle.ExceptionDetails `json:"exceptionDetails"`
}

// Eval evaluates a JavaScript expression in the page. Scalars come back as Go
// values; remote objects come back as Handles. A thrown exception surfaces as
// *handle.ScriptError, which is fatal and never retried.
func (p *Page) Eval(ctx context.Context, expression string) (any, error) {
	res, err := p.conn.Invoke(ctx, "Runtime.evaluate", map[string]any{
		"expression":   expression,
		"awaitPromise": true,
	})
	if err != nil {
		return nil, err
	}
	return p.unwrapEval(res)
}

// Call invokes a JavaScript function declaration with the given arguments.
// Handles may appear anywhere inside args, including nested in maps and
// slices; they arrive in the page as the live objects they reference.
func (p *Page) Call(ctx context.Context, fn string, args ...any) (any, error) {
	target, err := p.windowObjectID(ctx)
	if err != nil {
		return nil, err
	}
	callArgs, extra, err := handle.MarshalArgs(ctx, args)
	if err != nil {
		return nil, err
	}
	decl := fn
	if extra > 0 {
		decl = handle.ReviverWrapper(fn, len(args))
	}

	res, err := p.conn.Invoke(ctx, "Runtime.callFunctionOn", map[string]any{
		"objectId":            target,
		"functionDeclaration": decl,
		"arguments":           callArgs,
		"awaitPromise":        true,
	})
	if err != nil {
		return nil, err
	}
	return p.unwrapEval(res)
}

func (p *Page) unwrapEval(raw []byte) (any, error) {
	var body evalResult
	if err := codec.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode evaluation result: %w", err)
	}
	if body.ExceptionDetails != nil {
		return nil, body.ExceptionDetails.Err()
	}
	return handle.Unwrap(p.conn, body.Result)
}

// windowObjectID resolves and caches the global object of the current main
// frame. The cache is dropped on every main-frame navigation.
func (p *Page) windowObjectID(ctx context.Context) (string, error) {
	p.mu.Lock()
	cached := p.windowID
	p.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	res, err := p.conn.Invoke(ctx, "Runtime.evaluate", map[string]any{"expression": "window"})
	if err != nil {
		return "", err
	}
	var body evalResult
	if err := codec.Unmarshal(res, &body); err != nil {
		return "", fmt.Errorf("decode global object: %w", err)
	}
	if body.Result.ObjectID == "" {
		return "", fmt.Errorf("global object carried no objectId")
	}
	p.mu.Lock()
	p.windowID = body.Result.ObjectID
	p.mu.Unlock()
	return body.Result.ObjectID, nil
}

// Query resolves a CSS selector against the current document. The returned
// Handle carries the selector as its breadcrumb. A miss is
// *ElementNotFoundError, which the retry engine treats as transient.
func (p *Page) Query(ctx context.Context, selector string) (*handle.Handle, error) {
	res, err := p.conn.Invoke(ctx, "DOM.getDocument", map[string]any{"depth": 0})
	if err != nil {
		return nil, err
	}
	var doc struct {
		Root struct {
			NodeID int64 `json:"nodeId"`
		} `json:"root"`
	}
	if err := codec.Unmarshal(res, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	res, err = p.conn.Invoke(ctx, "DOM.querySelector", map[string]any{
		"nodeId":   doc.Root.NodeID,
		"selector": selector,
	})
	if err != nil {
		return nil, err
	}
	var match struct {
		NodeID int64 `json:"nodeId"`
	}
	if err := codec.Unmarshal(res, &match); err != nil {
		return nil, fmt.Errorf("decode query match: %w", err)
	}
	if match.NodeID == 0 {
		return nil, &ElementNotFoundError{Selector: selector}
	}
	return handle.Wrap(p.conn, handle.Ref{NodeID: match.NodeID}, handle.WithSelector(selector)), nil
}

// Click clicks the center of the element matching selector with a trusted
// pointer event, then waits for the resulting activity to settle. Lookup
// misses and stale nodes are retried until the wait deadline.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.settler.Do(ctx, func(ctx context.Context) error {
		return retry.True(ctx, "click "+selector, func(ctx context.Context) (bool, error) {
			if err := p.clickOnce(ctx, selector); err != nil {
				return false, err
			}
			return true, nil
		}, p.retryOpts)
	})
}

func (p *Page) clickOnce(ctx context.Context, selector string) error {
	h, err := p.Query(ctx, selector)
	if err != nil {
		return err
	}
	nodeID, err := h.NodeID(ctx)
	if err != nil {
		return err
	}
	if _, err := p.conn.Invoke(ctx, "DOM.scrollIntoViewIfNeeded", map[string]any{"nodeId": nodeID}); err != nil {
		return err
	}

	res, err := p.conn.Invoke(ctx, "DOM.getBoxModel", map[string]any{"nodeId": nodeID})
	if err != nil {
		return err
	}
	var box struct {
		Model struct {
			Content []float64 `json:"content"`
		} `json:"model"`
	}
	if err := codec.Unmarshal(res, &box); err != nil {
		return fmt.Errorf("decode box model: %w", err)
	}
	if len(box.Model.Content) < 8 {
		return fmt.Errorf("box model for %q carried no content quad", selector)
	}
	q := box.Model.Content
	x := (q[0] + q[2] + q[4] + q[6]) / 4
	y := (q[1] + q[3] + q[5] + q[7]) / 4
	return p.mouse.Click(ctx, x, y)
}

// Type focuses the element matching selector and inserts text, then waits for
// the resulting activity to settle.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	return p.settler.Do(ctx, func(ctx context.Context) error {
		return retry.True(ctx, "type into "+selector, func(ctx context.Context) (bool, error) {
			h, err := p.Query(ctx, selector)
			if err != nil {
				return false, err
			}
			nodeID, err := h.NodeID(ctx)
			if err != nil {
				return false, err
			}
			if _, err := p.conn.Invoke(ctx, "DOM.focus", map[string]any{"nodeId": nodeID}); err != nil {
				return false, err
			}
			if err := p.keyboard.Insert(ctx, text); err != nil {
				return false, err
			}
			return true, nil
		}, p.retryOpts)
	})
}

// Press dispatches a symbolic key such as "Enter" to the focused element,
// then waits for the resulting activity to settle.
func (p *Page) Press(ctx context.Context, key string) error {
	return p.settler.Do(ctx, func(ctx context.Context) error {
		return p.keyboard.Press(ctx, key)
	})
}

// Screenshot captures the viewport as PNG bytes.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	res, err := p.conn.Invoke(ctx, "Page.captureScreenshot", map[string]any{"format": "png"})
	if err != nil {
		return nil, err
	}
	var body struct {
		Data string `json:"data"`
	}
	if err := codec.Unmarshal(res, &body); err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return base64.StdEncoding.DecodeString(body.Data)
}

// Title returns the current document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	return p.evalString(ctx, "document.title")
}

// URL returns the current document location.
func (p *Page) URL(ctx context.Context) (string, error) {
	return p.evalString(ctx, "window.location.href")
}

func (p *Page) evalString(ctx context.Context, expression string) (string, error) {
	res, err := p.conn.Invoke(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	var body evalResult
	if err := codec.Unmarshal(res, &body); err != nil {
		return "", fmt.Errorf("decode evaluation result: %w", err)
	}
	if body.ExceptionDetails != nil {
		return "", body.ExceptionDetails.Err()
	}
	var out string
	if err := codec.Unmarshal(body.Result.Value, &out); err != nil {
		return "", fmt.Errorf("decode %s: %w", expression, err)
	}
	return out, nil
}
