// Copyright 2025 UMH Systems GmbH
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

package configuration

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an element failed.
type ErrorKind string

const (
	// KindInvalidConfiguration: malformed input, nothing was touched.
	KindInvalidConfiguration ErrorKind = "InvalidConfiguration"
	// KindEntityExists: create collision, nothing was touched.
	KindEntityExists ErrorKind = "EntityExists"
	// KindEntityNotFound: a warning for Remove, a failure for Update.
	KindEntityNotFound ErrorKind = "EntityNotFound"
	// KindUnsupportedOperation: an immutable field or a dedicated tag was targeted.
	KindUnsupportedOperation ErrorKind = "UnsupportedOperation"
	// KindStoreError: the store failed; the entity was evicted from the cache.
	KindStoreError ErrorKind = "StoreError"
	// KindPreconditionFailed: e.g. removing a running process without override.
	KindPreconditionFailed ErrorKind = "PreconditionFailed"
	// KindInfrastructure: the supervision or fleet side effect of a create failed.
	KindInfrastructure ErrorKind = "Infrastructure"
	// KindNotAttempted: the batch ended before the element started.
	KindNotAttempted ErrorKind = "NotAttempted"
)

// Error is the failure of one configuration element.
type Error struct {
	Kind     ErrorKind
	EntityID int64
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: entity %d: %v", e.Kind, e.EntityID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, id int64, err error) *Error {
	return &Error{Kind: kind, EntityID: id, Err: err}
}

func errorf(kind ErrorKind, id int64, format string, args ...interface{}) *Error {
	return newError(kind, id, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindStoreError for anything unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindStoreError
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error

	return errors.As(err, &e) && e.Kind == kind
}
