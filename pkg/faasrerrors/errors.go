// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package faasrerrors defines the error kinds raised by the workflow
// monitor and its collaborators.
package faasrerrors

import (
	"errors"
	"fmt"
	"strings"
)

// As is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// InitializationError is raised synchronously from monitor startup when the
// monitor cannot begin: missing environment variables, a malformed payload,
// or an accessor construction failure. The monitor never starts its
// monitoring task when this error is returned.
type InitializationError struct {
	// Missing lists required environment variable names that were absent.
	// Empty when the failure is not env-var related.
	Missing []string

	// Reason describes a non-env-var initialization failure (malformed
	// payload, accessor construction failure).
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *InitializationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Missing, ", "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("initialization failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("initialization failed: %s", e.Reason)
}

func (e *InitializationError) Unwrap() error { return e.Cause }

// StoreErrorKind classifies a StoreError.
type StoreErrorKind int

const (
	// StoreNotFound indicates the requested object does not exist.
	StoreNotFound StoreErrorKind = iota
	// StoreBusy indicates token acquisition exceeded the configured wait.
	StoreBusy
	// StoreBackend indicates any other backend failure.
	StoreBackend
)

func (k StoreErrorKind) String() string {
	switch k {
	case StoreNotFound:
		return "NotFound"
	case StoreBusy:
		return "Busy"
	case StoreBackend:
		return "Backend"
	default:
		return "Unknown"
	}
}

// StoreError is surfaced by the object-store accessor. NotFound from
// `exists` is folded into a plain `false` return and never constructed;
// NotFound from `get` is propagated as this type.
type StoreError struct {
	Kind  StoreErrorKind
	Key   string
	Cause error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store error (%s) for key %q: %v", e.Kind, e.Key, e.Cause)
	}
	return fmt.Sprintf("store error (%s) for key %q", e.Kind, e.Key)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is a StoreError of kind NotFound.
func IsNotFound(err error) bool {
	var se *StoreError
	return As(err, &se) && se.Kind == StoreNotFound
}

// IsBusy reports whether err is a StoreError of kind Busy.
func IsBusy(err error) bool {
	var se *StoreError
	return As(err, &se) && se.Kind == StoreBusy
}
