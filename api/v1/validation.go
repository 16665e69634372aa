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

package v1

import (
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ValidateSpec checks a ConnectionResourceSpec for the structural
// requirements the reconciler depends on. It does not attempt to validate
// the LDAP group filter syntax -- that is the DirectoryClient's job via its
// filter validator, since it requires an LDAP-aware parser.
func (c *ConnectionResource) ValidateSpec() field.ErrorList {
	return validateConnectionResourceSpec(&c.Spec, field.NewPath("spec"))
}

func validateConnectionResourceSpec(spec *ConnectionResourceSpec, fldPath *field.Path) field.ErrorList {
	var errs field.ErrorList

	if spec.Protocol == "" {
		errs = append(errs, field.Required(fldPath.Child("protocol"), "protocol cannot be empty"))
	}

	if spec.Hostname == "" {
		errs = append(errs, field.Required(fldPath.Child("hostname"), "hostname cannot be empty"))
	}

	if spec.Port <= 0 || spec.Port > 65535 {
		errs = append(errs, field.Invalid(fldPath.Child("port"), spec.Port, "port must be between 1 and 65535"))
	}

	if spec.LDAP.Enabled && spec.LDAP.GroupFilter == "" {
		errs = append(errs, field.Required(fldPath.Child("ldap", "groupFilter"), "groupFilter is required when ldap.enabled is true"))
	}

	return errs
}
