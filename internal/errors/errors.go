/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors implements the error taxonomy every core component
// surfaces to its caller: a stable Kind, a human message, and
// optionally the field or identifier at fault. The HTTP boundary maps
// Kind to a status code; nothing else needs to know the mapping.
package errors

import (
	"fmt"
	"strings"
)

// Kind classifies a core error so callers (and the HTTP boundary) can
// react without string-matching a message.
type Kind string

const (
	// KindInput covers malformed BOM input, unrecognized formats,
	// invalid CAS numbers, missing required fields, bad timestamps.
	KindInput Kind = "input"
	// KindState covers invalid state transitions, operations on a
	// terminal campaign, and unknown identifiers.
	KindState Kind = "state"
	// KindIntegrity covers a broken audit hash chain.
	KindIntegrity Kind = "integrity"
	// KindResource covers persistence unavailability and external
	// executor failures.
	KindResource Kind = "resource"
	// KindCancelled covers an operation aborted by a cancel request.
	KindCancelled Kind = "cancelled"
)

// Error is the typed error every core operation returns on failure.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	ID      string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field: %s)", msg, e.Field)
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s (id: %s)", msg, e.ID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithField returns a copy of e with Field set.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

// WithID returns a copy of e with ID set.
func (e *Error) WithID(id string) *Error {
	c := *e
	c.ID = id
	return &c
}

// WithCause returns a copy of e with Cause set.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// Named sentinel-style constructors for the state-machine errors
// the engine reports for a transition the tables reject.

// InvalidTransition reports a disallowed state transition.
func InvalidTransition(from, to, entityType string) *Error {
	return Newf(KindState, "invalid transition for %s: %s -> %s", entityType, from, to)
}

// NotFound reports a missing entity.
func NotFound(entityType, id string) *Error {
	return New(KindState, fmt.Sprintf("%s not found", entityType)).WithID(id)
}

// AlreadyTerminal reports an operation attempted on a frozen entity.
func AlreadyTerminal(entityType, id string) *Error {
	return New(KindState, fmt.Sprintf("%s is in a terminal state", entityType)).WithID(id)
}

// UnrecognizedFormat reports a BOM upload whose format could not be
// determined from an explicit hint or filename extension.
func UnrecognizedFormat(filename string) *Error {
	return New(KindInput, "could not determine BOM format").WithField(filename)
}

// EmptyInput reports a zero-length BOM upload.
func EmptyInput() *Error {
	return New(KindInput, "BOM input is empty")
}

// HeaderRowMissing reports a BOM upload with no header row to map
// columns from.
func HeaderRowMissing() *Error {
	return New(KindInput, "BOM input is missing a header row")
}

// IsNotFound reports whether err is (or wraps) the NotFound error,
// which the HTTP boundary maps to 404 rather than KindState's
// blanket 409.
func IsNotFound(err error) bool {
	var e *Error
	if !as(err, &e) {
		return false
	}
	return e.Kind == KindState && strings.HasSuffix(e.Message, "not found")
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// defaulting to KindResource for anything else — an opaque failure
// from a collaborator is treated as a resource failure until proven
// otherwise.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return KindResource
}

// as is a narrow errors.As shim kept local so this package stays
// dependency-free; it only needs to unwrap *Error levels, which is
// all the engine ever produces.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTPStatus maps a Kind to its HTTP boundary status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInput:
		return 400
	case KindState:
		return 409
	case KindIntegrity:
		return 500
	case KindResource:
		return 500
	case KindCancelled:
		return 499
	default:
		return 500
	}
}
