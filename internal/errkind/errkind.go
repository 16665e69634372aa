/*
Copyright 2024.

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

// Package errkind classifies the errors the operator's components can
// raise, matching the error kinds named in the design (not Go type names):
// ConfigMissing, DatabaseUnavailable, DirectoryUnavailable, ApiUnavailable,
// InvalidDirectoryQuery, InvalidResourceSpec, ServiceAccountProtected,
// WatchGone and FatalInternal.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on cause without string
// matching.
type Kind string

const (
	// ConfigMissing means a required environment variable was absent.
	// Fatal at startup.
	ConfigMissing Kind = "ConfigMissing"
	// DatabaseUnavailable means the gateway database could not be reached
	// or a query failed for transient reasons. The reconcile aborts and is
	// retried after a fixed backoff.
	DatabaseUnavailable Kind = "DatabaseUnavailable"
	// DirectoryUnavailable means the LDAP bind or a search failed for
	// transient reasons. The reconcile aborts and is retried.
	DirectoryUnavailable Kind = "DirectoryUnavailable"
	// ApiUnavailable means the Kubernetes API could not be reached.
	ApiUnavailable Kind = "ApiUnavailable"
	// InvalidDirectoryQuery means a caller-supplied LDAP filter failed to
	// parse. Recoverable per-resource: log and skip.
	InvalidDirectoryQuery Kind = "InvalidDirectoryQuery"
	// InvalidResourceSpec means a ConnectionResource's spec failed
	// structural validation. Recoverable per-resource: log and skip.
	InvalidResourceSpec Kind = "InvalidResourceSpec"
	// ServiceAccountProtected means a caller attempted to create, update
	// or delete the operator's own service-account user through the
	// standard sync path. Programmer error: abort the reconcile.
	ServiceAccountProtected Kind = "ServiceAccountProtected"
	// WatchGone means the watch stream returned 410 Gone. Expected;
	// handled internally by the ResourceSource, never propagated.
	WatchGone Kind = "WatchGone"
	// FatalInternal is anything else the ResourceSource or Controller
	// cannot recover from. The process exits.
	FatalInternal Kind = "FatalInternal"
)

// Error wraps an underlying cause with a Kind and optional resource
// identity, so it can be classified with errors.As without inspecting
// message text.
type Error struct {
	Kind     Kind
	Resource string // optional "namespace/name" identity, for per-resource kinds
	Cause    error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Resource, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New wraps cause as an Error of the given kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf wraps a formatted error as an Error of the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// ForResource wraps cause as an Error of the given kind, tagged with the
// resource identity that produced it.
func ForResource(kind Kind, resource string, cause error) *Error {
	return &Error{Kind: kind, Resource: resource, Cause: cause}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=true.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
