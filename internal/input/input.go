// File: internal/input/input.go
package input

import (
	"context"
	"fmt"

	"github.com/mkrall/drover/internal/protocol"
)

// Keyboard dispatches trusted key events over one connection.
type Keyboard struct {
	conn *protocol.Conn
}

// NewKeyboard builds a Keyboard bound to conn.
func NewKeyboard(conn *protocol.Conn) *Keyboard {
	return &Keyboard{conn: conn}
}

// Insert types text into the focused element in one dispatch. Faster than
// per-character key events and sufficient for form filling.
func (k *Keyboard) Insert(ctx context.Context, text string) error {
	_, err := k.conn.Invoke(ctx, "Input.insertText", map[string]any{"text": text})
	return err
}

// Press dispatches a full down/up cycle for a symbolic key such as "Enter".
func (k *Keyboard) Press(ctx context.Context, name string) error {
	def, ok := LookupKey(name)
	if !ok {
		return fmt.Errorf("unknown key %q", name)
	}

	down := map[string]any{
		"type":                  "keyDown",
		"key":                   def.Key,
		"code":                  def.Code,
		"windowsVirtualKeyCode": def.WindowsVirtualKeyCode,
	}
	if def.Text != "" {
		down["text"] = def.Text
		down["unmodifiedText"] = def.Text
	}
	if _, err := k.conn.Invoke(ctx, "Input.dispatchKeyEvent", down); err != nil {
		return err
	}

	up := map[string]any{
		"type":                  "keyUp",
		"key":                   def.Key,
		"code":                  def.Code,
		"windowsVirtualKeyCode": def.WindowsVirtualKeyCode,
	}
	_, err := k.conn.Invoke(ctx, "Input.dispatchKeyEvent", up)
	return err
}

// Mouse dispatches trusted pointer events over one connection.
type Mouse struct {
	conn *protocol.Conn
}

// NewMouse builds a Mouse bound to conn.
func NewMouse(conn *protocol.Conn) *Mouse {
	return &Mouse{conn: conn}
}

// Click presses and releases the left button at viewport coordinates.
func (m *Mouse) Click(ctx context.Context, x, y float64) error {
	for _, typ := range []string{"mousePressed", "mouseReleased"} {
		params := map[string]any{
			"type":       typ,
			"x":          x,
			"y":          y,
			"button":     "left",
			"clickCount": 1,
		}
		if _, err := m.conn.Invoke(ctx, "Input.dispatchMouseEvent", params); err != nil {
			return err
		}
	}
	return nil
}

// Move dispatches a pointer move to viewport coordinates.
func (m *Mouse) Move(ctx context.Context, x, y float64) error {
	_, err := m.conn.Invoke(ctx, "Input.dispatchMouseEvent", map[string]any{
		"type": "mouseMoved",
		"x":    x,
		"y":    y,
	})
	return err
}
