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
	"context"
	"fmt"
	"testing"

	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
)

// fakeDirectory is an in-memory LDAP stand-in: a flat list of entries, each
// matched by a trivially literal filter comparison against the filter
// strings this package actually generates ("(cn=...)", "(&(a)(b))",
// "(distinguishedName=...)"). It does not implement general LDAP filter
// semantics -- it only needs to support exactly what expand() constructs.
type fakeDirectory struct {
	groups map[string]map[string][]string // group DN -> attrs (incl. member)
	users  map[string]map[string][]string // user DN -> attrs
}

func (f *fakeDirectory) search(base, filterStr string, attrs []string) ([]searchHit, error) {
	var hits []searchHit
	if base == "ou=groups,dc=example,dc=com" {
		for dn, entry := range f.groups {
			if filterMatchesDN(filterStr, dn) {
				hits = append(hits, searchHit{dn: dn, attrs: entry})
			}
		}
	} else {
		for dn, entry := range f.users {
			if filterMatchesDN(filterStr, dn) {
				hits = append(hits, searchHit{dn: dn, attrs: entry})
			}
		}
	}
	return hits, nil
}

// filterMatchesDN is a minimal stand-in for real filter evaluation: our
// filters either mention a specific DN via "distinguishedName=<dn>" or are
// "match everything under this base" filters used for the top-level group
// search.
func filterMatchesDN(filterStr, dn string) bool {
	needle := fmt.Sprintf("distinguishedName=%s", dn)
	if containsFold(filterStr, needle) {
		return true
	}
	// The top-level caller-supplied filter and nested recursive calls that
	// don't reference a specific DN match every entry at that base.
	return !containsSubstr(filterStr, "distinguishedName=")
}

func containsFold(s, substr string) bool { return containsSubstr(s, substr) }

func containsSubstr(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func newTestClient(dir *fakeDirectory) *Client {
	c := &Client{
		cfg: Config{
			GroupBaseDN:     "ou=groups,dc=example,dc=com",
			GroupFilter:     "(objectClass=group)",
			UserBaseDN:      "ou=users,dc=example,dc=com",
			UserFilter:      "(objectClass=person)",
			MemberAttribute: "member",
			PageSize:        100,
		},
	}
	c.search = dir.search
	return c
}

func TestExpandGroupMembers_SingleResource(t *testing.T) {
	dir := &fakeDirectory{
		groups: map[string]map[string][]string{
			"cn=team-a,ou=groups,dc=example,dc=com": {
				"member": {"uid=alice,ou=users,dc=example,dc=com"},
			},
		},
		users: map[string]map[string][]string{
			"uid=alice,ou=users,dc=example,dc=com": {
				"uid":  {"alice"},
				"cn":   {"Alice Example"},
				"mail": {"alice@example.com"},
			},
		},
	}
	client := newTestClient(dir)

	got, err := client.ExpandGroupMembers(context.Background(), "(cn=team-a)", WantedAttributes{
		Username: "uid", Fullname: "cn", Email: "mail",
	})
	if err != nil {
		t.Fatalf("ExpandGroupMembers() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 member, got %d: %v", len(got), got)
	}
	rec, ok := got["alice"]
	if !ok {
		t.Fatalf("expected member %q, got %v", "alice", got)
	}
	if rec.FullName != "Alice Example" || rec.Email != "alice@example.com" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestExpandGroupMembers_NestedCycleTerminates(t *testing.T) {
	// team-a contains team-b and bob; team-b contains team-a (cycle) and
	// carol. The traversal must terminate and yield both bob and carol
	// exactly once each.
	dir := &fakeDirectory{
		groups: map[string]map[string][]string{
			"cn=team-a,ou=groups,dc=example,dc=com": {
				"member": {
					"cn=team-b,ou=groups,dc=example,dc=com",
					"uid=bob,ou=users,dc=example,dc=com",
				},
			},
			"cn=team-b,ou=groups,dc=example,dc=com": {
				"member": {
					"cn=team-a,ou=groups,dc=example,dc=com",
					"uid=carol,ou=users,dc=example,dc=com",
				},
			},
		},
		users: map[string]map[string][]string{
			"uid=bob,ou=users,dc=example,dc=com": {
				"uid": {"bob"},
			},
			"uid=carol,ou=users,dc=example,dc=com": {
				"uid": {"carol"},
			},
		},
	}
	client := newTestClient(dir)

	got, err := client.ExpandGroupMembers(context.Background(), "(cn=team-a)", WantedAttributes{Username: "uid"})
	if err != nil {
		t.Fatalf("ExpandGroupMembers() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 members, got %d: %v", len(got), got)
	}
	if _, ok := got["bob"]; !ok {
		t.Errorf("expected bob in result")
	}
	if _, ok := got["carol"]; !ok {
		t.Errorf("expected carol in result")
	}
}

func TestExpandGroupMembers_SkipsEntryMissingUsernameAttribute(t *testing.T) {
	dir := &fakeDirectory{
		groups: map[string]map[string][]string{
			"cn=team-a,ou=groups,dc=example,dc=com": {
				"member": {"uid=noattr,ou=users,dc=example,dc=com"},
			},
		},
		users: map[string]map[string][]string{
			"uid=noattr,ou=users,dc=example,dc=com": {
				"cn": {"No Username"},
			},
		},
	}
	client := newTestClient(dir)

	got, err := client.ExpandGroupMembers(context.Background(), "(cn=team-a)", WantedAttributes{Username: "uid", Fullname: "cn"})
	if err != nil {
		t.Fatalf("ExpandGroupMembers() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected entry without username attribute to be skipped, got %v", got)
	}
}

func TestExpandGroupMembers_InvalidFilterRejected(t *testing.T) {
	client := newTestClient(&fakeDirectory{})

	_, err := client.ExpandGroupMembers(context.Background(), "(cn=unterminated", WantedAttributes{Username: "uid"})
	if err == nil {
		t.Fatal("expected error for malformed filter")
	}
	if !errkind.Is(err, errkind.InvalidDirectoryQuery) {
		t.Errorf("expected InvalidDirectoryQuery, got %v", err)
	}
}

func TestExpandGroupMembers_EmptyFilterRejected(t *testing.T) {
	client := newTestClient(&fakeDirectory{})

	_, err := client.ExpandGroupMembers(context.Background(), "   ", WantedAttributes{Username: "uid"})
	if !errkind.Is(err, errkind.InvalidDirectoryQuery) {
		t.Errorf("expected InvalidDirectoryQuery for empty filter, got %v", err)
	}
}
