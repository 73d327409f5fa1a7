// File: internal/handle/errors.go
package handle

import "fmt"

// StaleError reports a remote reference whose browser-side node or object no
// longer exists. It is the one error the retry engine treats as transient:
// the page mutated under us, and a fresh lookup may succeed.
type StaleError struct {
	// Name is the handle's display name, when it has one.
	Name string
	// Selector is the handle's composed selector breadcrumb, when known.
	Selector string
	// Err is the protocol error that revealed the staleness, when there is one.
	Err error
}

// Error implements the error interface.
func (e *StaleError) Error() string {
	label := e.Name
	if label == "" {
		label = e.Selector
	}
	if label == "" {
		label = "remote object"
	}
	msg := fmt.Sprintf("stale handle: %s no longer resolves", label)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap provides the underlying error for use with errors.Is/As.
func (e *StaleError) Unwrap() error {
	return e.Err
}

// Retryable marks staleness as transient browser state for the retry engine.
func (e *StaleError) Retryable() bool {
	return true
}

// ScriptError reports a remote script evaluation that threw. It represents a
// caller error and is never retried.
type ScriptError struct {
	Text         string
	Exception    string
	LineNumber   int64
	ColumnNumber int64
	URL          string
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	msg := "script exception: " + e.Text
	if e.Exception != "" && e.Exception != e.Text {
		msg += ": " + e.Exception
	}
	if e.URL != "" || e.LineNumber > 0 {
		msg += fmt.Sprintf(" (%s:%d:%d)", e.URL, e.LineNumber, e.ColumnNumber)
	}
	return msg
}

// ExceptionDetails mirrors the protocol's Runtime.ExceptionDetails shape.
type ExceptionDetails struct {
	Text         string        `json:"text"`
	LineNumber   int64         `json:"lineNumber"`
	ColumnNumber int64         `json:"columnNumber"`
	URL          string        `json:"url,omitempty"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

// Err converts the wire shape into a *ScriptError.
func (d *ExceptionDetails) Err() *ScriptError {
	e := &ScriptError{
		Text:         d.Text,
		LineNumber:   d.LineNumber,
		ColumnNumber: d.ColumnNumber,
		URL:          d.URL,
	}
	if d.Exception != nil {
		e.Exception = d.Exception.Description
	}
	return e
}
