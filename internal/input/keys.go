// File: internal/input/keys.go
//
// Package input issues raw Input domain events: trusted key and mouse
// dispatches that the page cannot tell apart from a user's. It carries no
// synchronization logic; callers wrap mutations in the settle policy.
package input

// KeyDefinition carries the protocol fields of one symbolic key.
type KeyDefinition struct {
	Key                   string
	Code                  string
	WindowsVirtualKeyCode int
	Text                  string
}

// keyDefinitions maps the symbolic names accepted by Keyboard.Press. Only the
// keys automation flows actually press are listed; plain text goes through
// Insert instead.
var keyDefinitions = map[string]KeyDefinition{
	"Enter":      {Key: "Enter", Code: "Enter", WindowsVirtualKeyCode: 13, Text: "\r"},
	"Tab":        {Key: "Tab", Code: "Tab", WindowsVirtualKeyCode: 9},
	"Escape":     {Key: "Escape", Code: "Escape", WindowsVirtualKeyCode: 27},
	"Backspace":  {Key: "Backspace", Code: "Backspace", WindowsVirtualKeyCode: 8},
	"Delete":     {Key: "Delete", Code: "Delete", WindowsVirtualKeyCode: 46},
	"ArrowUp":    {Key: "ArrowUp", Code: "ArrowUp", WindowsVirtualKeyCode: 38},
	"ArrowDown":  {Key: "ArrowDown", Code: "ArrowDown", WindowsVirtualKeyCode: 40},
	"ArrowLeft":  {Key: "ArrowLeft", Code: "ArrowLeft", WindowsVirtualKeyCode: 37},
	"ArrowRight": {Key: "ArrowRight", Code: "ArrowRight", WindowsVirtualKeyCode: 39},
	"Home":       {Key: "Home", Code: "Home", WindowsVirtualKeyCode: 36},
	"End":        {Key: "End", Code: "End", WindowsVirtualKeyCode: 35},
	"PageUp":     {Key: "PageUp", Code: "PageUp", WindowsVirtualKeyCode: 33},
	"PageDown":   {Key: "PageDown", Code: "PageDown", WindowsVirtualKeyCode: 34},
	"Space":      {Key: " ", Code: "Space", WindowsVirtualKeyCode: 32, Text: " "},
}

// LookupKey returns the definition of a symbolic key name.
func LookupKey(name string) (KeyDefinition, bool) {
	def, ok := keyDefinitions[name]
	return def, ok
}
