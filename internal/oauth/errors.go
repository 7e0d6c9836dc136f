// Package oauth implements the OAuth 2.1 authorization subsystem: metadata
// discovery, dynamic client registration, the PKCE authorization-code flow,
// and token refresh for upstream backends.
package oauth

import (
	"errors"
	"fmt"
)

// Category classifies a terminal authorization failure for presentation.
// Categorization never changes control flow; every category is terminal for
// the attempt it occurred in.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryDenied        Category = "denied"
	CategoryInvalidClient Category = "invalid_client"
	CategoryInvalidScope  Category = "invalid_scope"
	CategoryStateMismatch Category = "state_mismatch"
	CategoryCancelled     Category = "cancelled"
	CategoryProtocol      Category = "protocol"
)

// FlowError is the structured result of a failed authorization run.
type FlowError struct {
	Category    Category
	Message     string // user-facing
	Recoverable bool   // whether retrying the whole flow may succeed
	Err         error  // underlying cause, may be nil
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Err }

func newFlowError(cat Category, recoverable bool, msg string, err error) *FlowError {
	return &FlowError{Category: cat, Message: msg, Recoverable: recoverable, Err: err}
}

// AsFlowError extracts a FlowError from err, if present.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	ok := errors.As(err, &fe)
	return fe, ok
}
