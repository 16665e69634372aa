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

package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsAndKindOf(t *testing.T) {
	base := errors.New("connection refused")
	err := ForResource(DirectoryUnavailable, "ns/r1", base)

	wrapped := fmt.Errorf("expanding membership: %w", err)

	if !Is(wrapped, DirectoryUnavailable) {
		t.Errorf("expected wrapped error to be DirectoryUnavailable")
	}
	if Is(wrapped, DatabaseUnavailable) {
		t.Errorf("expected wrapped error not to be DatabaseUnavailable")
	}

	kind, ok := KindOf(wrapped)
	if !ok || kind != DirectoryUnavailable {
		t.Errorf("KindOf() = %v, %v; want DirectoryUnavailable, true", kind, ok)
	}

	if !errors.Is(wrapped, err) {
		t.Errorf("expected errors.Is to find the *Error through the %%w chain")
	}

	if errors.Unwrap(err) != base {
		t.Errorf("Unwrap() did not return the underlying cause")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Errorf("expected KindOf on a plain error to return ok=false")
	}
}
