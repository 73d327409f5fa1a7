// File: internal/page/errors.go
package page

import "fmt"

// NavigationError reports a navigation the browser refused or could not
// complete, carrying the browser's own reason text.
type NavigationError struct {
	URL    string
	Reason string
}

// Error implements the error interface.
func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s: %s", e.URL, e.Reason)
}

// ElementNotFoundError reports a selector that matched nothing. It is
// retryable: elements routinely appear after the lookup that missed them, so
// selector-driven actions poll until the deadline.
type ElementNotFoundError struct {
	Selector string
}

// Error implements the error interface.
func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("no element matches %q", e.Selector)
}

// Retryable marks the miss as transient page state.
func (e *ElementNotFoundError) Retryable() bool {
	return true
}
