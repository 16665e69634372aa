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
	"testing"
)

func TestValidateConnectionResourceSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    ConnectionResourceSpec
		wantErr bool
	}{
		{
			name: "valid spec with ldap disabled",
			spec: ConnectionResourceSpec{
				Protocol: "rdp",
				Hostname: "host.example.com",
				Port:     3389,
			},
			wantErr: false,
		},
		{
			name: "valid spec with ldap enabled",
			spec: ConnectionResourceSpec{
				Protocol: "ssh",
				Hostname: "host.example.com",
				Port:     22,
				LDAP:     LDAPMembership{Enabled: true, GroupFilter: "(cn=g1)"},
			},
			wantErr: false,
		},
		{
			name: "missing protocol",
			spec: ConnectionResourceSpec{
				Hostname: "host.example.com",
				Port:     22,
			},
			wantErr: true,
		},
		{
			name: "missing hostname",
			spec: ConnectionResourceSpec{
				Protocol: "rdp",
				Port:     3389,
			},
			wantErr: true,
		},
		{
			name: "port out of range",
			spec: ConnectionResourceSpec{
				Protocol: "rdp",
				Hostname: "host.example.com",
				Port:     70000,
			},
			wantErr: true,
		},
		{
			name: "ldap enabled without group filter",
			spec: ConnectionResourceSpec{
				Protocol: "rdp",
				Hostname: "host.example.com",
				Port:     3389,
				LDAP:     LDAPMembership{Enabled: true},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := validateConnectionResourceSpec(&tt.spec, nil)
			if (len(errs) > 0) != tt.wantErr {
				t.Errorf("validateConnectionResourceSpec() errs = %v, wantErr %v", errs, tt.wantErr)
			}
		})
	}
}

func TestConnectionName(t *testing.T) {
	c := &ConnectionResource{}
	c.Namespace = "tenant-a"
	c.Name = "r1"
	c.Spec.Protocol = "rdp"

	want := "tenant-a/r1 - rdp"
	if got := c.ConnectionName(); got != want {
		t.Errorf("ConnectionName() = %q, want %q", got, want)
	}
}
