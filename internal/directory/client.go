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

// Package directory implements the DirectoryClient: a bind-once LDAP client
// that performs RFC 2696 paged searches and recursive group-membership
// expansion with cycle detection.
package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
)

// Config holds everything the client needs to bind and search, supplied
// once at startup. There is no ambient/process-wide configuration: every
// constructor takes this explicitly (per the design notes' "no global
// configuration" rule).
type Config struct {
	Host               string
	Port               int
	TLS                bool
	InsecureSkipVerify bool

	BindDN       string
	BindPassword string

	UserBaseDN string
	UserFilter string

	GroupBaseDN     string
	GroupFilter     string
	MemberAttribute string

	UsernameAttribute string
	FullnameAttribute string
	EmailAttribute    string

	PageSize int
	Timeout  time.Duration
}

// Record is a single LDAP result produced by group expansion, keyed by DN
// at the point of discovery but reported to callers keyed by username.
type Record struct {
	DN       string
	Username string
	FullName string
	Email    string
}

// Client is a bound LDAP connection plus the search configuration needed to
// validate and run caller-supplied group filters against it.
//
// The actual paged-search call is stored as a field rather than called
// directly so the recursive expansion logic can be exercised in tests
// against a fake directory without a live LDAP server.
type Client struct {
	conn *ldap.Conn
	cfg  Config

	search func(base, filterStr string, attrs []string) ([]searchHit, error)
}

// NewClient dials and binds to the configured LDAP server. A bind failure is
// always DirectoryUnavailable: it is fatal for the reconcile that requested
// it and retried by the caller at the reconcile level.
func NewClient(cfg Config) (*Client, error) {
	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var conn *ldap.Conn
	var err error
	if cfg.TLS {
		tlsConfig := &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		conn, err = ldap.DialURL(fmt.Sprintf("ldaps://%s", address), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL(fmt.Sprintf("ldap://%s", address))
	}
	if err != nil {
		return nil, errkind.New(errkind.DirectoryUnavailable, fmt.Errorf("dialing %s: %w", address, err))
	}

	if cfg.Timeout > 0 {
		conn.SetTimeout(cfg.Timeout)
	}

	if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		conn.Close()
		return nil, errkind.New(errkind.DirectoryUnavailable, fmt.Errorf("binding as %s: %w", cfg.BindDN, err))
	}

	client := &Client{conn: conn, cfg: cfg}
	client.search = client.ldapSearch
	return client, nil
}

// Close releases the underlying LDAP connection.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

// TestBind verifies the bound connection is still serviceable, used by the
// Controller during startup before it starts the ResourceSource.
func (c *Client) TestBind(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := ldap.NewSearchRequest(
		c.cfg.UserBaseDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		[]string{"dn"},
		nil,
	)
	if _, err := c.conn.Search(req); err != nil {
		return errkind.New(errkind.DirectoryUnavailable, fmt.Errorf("test search: %w", err))
	}
	return nil
}

// WantedAttributes selects which attributes ExpandGroupMembers reads off
// each matched user entry.
type WantedAttributes struct {
	Username string
	Fullname string
	Email    string
}

// ExpandGroupMembers recursively expands groupFilter into the set of users
// transitively reachable through the configured member attribute, per
// spec §4.1. The visited-DN set is shared across the whole traversal,
// guaranteeing termination on cyclic group graphs and deduplicating
// results. Output is a map keyed by username; a matched user entry missing
// the username attribute is skipped.
func (c *Client) ExpandGroupMembers(ctx context.Context, groupFilter string, attrs WantedAttributes) (map[string]Record, error) {
	validated, err := validateFilter(groupFilter)
	if err != nil {
		return nil, err
	}

	results := make(map[string]Record)
	visited := make(map[string]struct{})

	var wanted []string
	for _, a := range []string{attrs.Username, attrs.Fullname, attrs.Email} {
		if a != "" {
			wanted = append(wanted, a)
		}
	}

	emit := func(dn string, entry map[string][]string) {
		username := firstValue(entry, attrs.Username)
		if username == "" {
			return
		}
		results[username] = Record{
			DN:       dn,
			Username: username,
			FullName: firstValue(entry, attrs.Fullname),
			Email:    firstValue(entry, attrs.Email),
		}
	}

	if err := c.expand(ctx, validated, wanted, visited, emit); err != nil {
		return nil, err
	}
	return results, nil
}

// expand implements the recursive traversal described in spec §4.1 steps
// 2-4. groupSearchFilter is ANDed with the global group filter for this
// level of recursion; visited is threaded through every recursive call so
// cycles terminate and results never duplicate.
func (c *Client) expand(ctx context.Context, groupSearchFilter string, wantedAttrs []string, visited map[string]struct{}, emit func(dn string, entry map[string][]string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	groupHits, err := c.search(c.cfg.GroupBaseDN, andFilters(c.cfg.GroupFilter, groupSearchFilter), []string{c.cfg.MemberAttribute})
	if err != nil {
		return err
	}

	for _, group := range groupHits {
		if _, seen := visited[group.dn]; seen {
			continue
		}
		visited[group.dn] = struct{}{}

		for _, memberDN := range group.attrs[c.cfg.MemberAttribute] {
			if err := ctx.Err(); err != nil {
				return err
			}

			memberFilter := fmt.Sprintf("(distinguishedName=%s)", ldap.EscapeFilter(memberDN))

			// The member DN might itself be a nested group: recurse to
			// expand it. If it isn't a group, this search yields nothing.
			if err := c.expand(ctx, memberFilter, wantedAttrs, visited, emit); err != nil {
				return err
			}

			// The member DN might be a person: a matching search under
			// the user base yields exactly one record.
			userHits, err := c.search(c.cfg.UserBaseDN, andFilters(c.cfg.UserFilter, memberFilter), wantedAttrs)
			if err != nil {
				return err
			}
			for _, user := range userHits {
				if _, seen := visited[user.dn]; seen {
					continue
				}
				visited[user.dn] = struct{}{}
				emit(user.dn, user.attrs)
			}
		}
	}

	return nil
}

type searchHit struct {
	dn    string
	attrs map[string][]string
}

// ldapSearch performs an RFC 2696 paged search under base, returning every
// page of results. Any failure is DirectoryUnavailable and aborts the
// traversal. Assigned to Client.search by NewClient.
func (c *Client) ldapSearch(base, filterStr string, attrs []string) ([]searchHit, error) {
	req := ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filterStr,
		attrs,
		nil,
	)

	pageSize := uint32(c.cfg.PageSize)
	if pageSize == 0 {
		pageSize = 100
	}

	result, err := c.conn.SearchWithPaging(req, pageSize)
	if err != nil {
		return nil, errkind.New(errkind.DirectoryUnavailable, fmt.Errorf("searching %s: %w", base, err))
	}

	hits := make([]searchHit, 0, len(result.Entries))
	for _, entry := range result.Entries {
		attrMap := make(map[string][]string, len(entry.Attributes))
		for _, a := range entry.Attributes {
			attrMap[a.Name] = a.Values
		}
		hits = append(hits, searchHit{dn: entry.DN, attrs: attrMap})
	}
	return hits, nil
}

func firstValue(entry map[string][]string, attr string) string {
	if attr == "" {
		return ""
	}
	if vals := entry[attr]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}
