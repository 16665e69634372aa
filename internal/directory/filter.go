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

package directory

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
)

// validateFilter parses filter as an LDAP filter expression and reserializes
// it, rejecting anything that does not round-trip. This is the operator's
// only defense against a ConnectionResource spec embedding a malformed or
// adversarial filter string in spec.ldap.groupFilter: a filter that cannot
// be compiled is InvalidDirectoryQuery, which the reconciler treats as a
// recoverable per-resource error rather than aborting the whole sweep.
func validateFilter(filter string) (string, error) {
	if strings.TrimSpace(filter) == "" {
		return "", errkind.Newf(errkind.InvalidDirectoryQuery, "group filter is empty")
	}

	packet, err := ldap.CompileFilter(filter)
	if err != nil {
		return "", errkind.Newf(errkind.InvalidDirectoryQuery, "parsing filter %q: %v", filter, err)
	}

	reserialized, err := ldap.DecompileFilter(packet)
	if err != nil {
		return "", errkind.Newf(errkind.InvalidDirectoryQuery, "reserializing filter %q: %v", filter, err)
	}

	return reserialized, nil
}

// andFilters combines two already-valid filter expressions with a logical
// AND. Both the global filter (from configuration) and the per-recursion
// filter are trusted to already be well-formed by this point.
func andFilters(a, b string) string {
	return fmt.Sprintf("(&%s%s)", a, b)
}
