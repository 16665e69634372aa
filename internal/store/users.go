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

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Attribute names stored against guacamole_user_attribute. Fixed by the
// gateway schema.
const (
	attrFullName           = "guac-full-name"
	attrEmail              = "guac-email-address"
	attrOrganization       = "guac-organization"
	attrOrganizationalRole = "guac-organizational-role"
)

// User is a gateway user entity together with its profile attributes.
type User struct {
	Username     string
	FullName     string
	Email        string
	Organization string
	Role         string
}

const listUsersQuery = `
SELECT
	e.name AS username,
	a1.attribute_value AS fullname,
	a2.attribute_value AS email,
	a3.attribute_value AS organization,
	a4.attribute_value AS role
FROM guacamole_entity e
LEFT JOIN guacamole_user_attribute a1 ON e.entity_id = a1.user_id AND a1.attribute_name = '` + attrFullName + `'
LEFT JOIN guacamole_user_attribute a2 ON e.entity_id = a2.user_id AND a2.attribute_name = '` + attrEmail + `'
LEFT JOIN guacamole_user_attribute a3 ON e.entity_id = a3.user_id AND a3.attribute_name = '` + attrOrganization + `'
LEFT JOIN guacamole_user_attribute a4 ON e.entity_id = a4.user_id AND a4.attribute_name = '` + attrOrganizationalRole + `'
WHERE e.type = 'USER'`

// ListUsers returns every gateway user keyed by username.
func ListUsers(ctx context.Context, tx pgx.Tx) (map[string]User, error) {
	rows, err := tx.Query(ctx, listUsersQuery)
	if err != nil {
		return nil, wrapErr("list users", err)
	}
	defer rows.Close()

	users := make(map[string]User)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrapErr("scan user row", err)
		}
		users[u.Username] = u
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list users", err)
	}
	return users, nil
}

// GetUser returns a single user, or nil if no such user exists.
func GetUser(ctx context.Context, tx pgx.Tx, username string) (*User, error) {
	rows, err := tx.Query(ctx, listUsersQuery+" AND e.name = $1", username)
	if err != nil {
		return nil, wrapErr("get user", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, wrapErr("get user", rows.Err())
	}
	u, err := scanUser(rows)
	if err != nil {
		return nil, wrapErr("scan user row", err)
	}
	return &u, nil
}

func scanUser(rows pgx.Rows) (User, error) {
	var u User
	var fullName, email, organization, role *string
	if err := rows.Scan(&u.Username, &fullName, &email, &organization, &role); err != nil {
		return User{}, err
	}
	u.FullName = deref(fullName)
	u.Email = deref(email)
	u.Organization = deref(organization)
	u.Role = deref(role)
	return u, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// UserExists reports whether username has a USER entity.
func UserExists(ctx context.Context, tx pgx.Tx, username string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM guacamole_entity WHERE name = $1 AND type = 'USER')`, username).Scan(&exists)
	if err != nil {
		return false, wrapErr("user exists", err)
	}
	return exists, nil
}

// CreateUser inserts a new USER entity with no local password (membership is
// authenticated through the directory, not the gateway) and sets its profile
// attributes.
func CreateUser(ctx context.Context, tx pgx.Tx, u User) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO guacamole_entity (name, type) VALUES ($1, 'USER') ON CONFLICT DO NOTHING`,
		u.Username,
	); err != nil {
		return wrapErr("create user entity", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO guacamole_user (entity_id, password_hash, password_salt, password_date)
		 SELECT entity_id, NULL, NULL, NULL FROM guacamole_entity WHERE name = $1 AND type = 'USER'
		 ON CONFLICT DO NOTHING`,
		u.Username,
	); err != nil {
		return wrapErr("create user auth row", err)
	}

	return setUserAttributes(ctx, tx, u)
}

// UpdateUser overwrites an existing user's profile attributes.
func UpdateUser(ctx context.Context, tx pgx.Tx, u User) error {
	return setUserAttributes(ctx, tx, u)
}

func setUserAttributes(ctx context.Context, tx pgx.Tx, u User) error {
	attrs := []struct{ name, value string }{
		{attrFullName, u.FullName},
		{attrEmail, u.Email},
		{attrOrganization, u.Organization},
		{attrOrganizationalRole, u.Role},
	}
	for _, a := range attrs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO guacamole_user_attribute (user_id, attribute_name, attribute_value)
			 SELECT entity_id, $2, $3 FROM guacamole_entity WHERE name = $1 AND type = 'USER'
			 ON CONFLICT (user_id, attribute_name) DO UPDATE SET attribute_value = excluded.attribute_value`,
			u.Username, a.name, a.value,
		); err != nil {
			return wrapErr("set user attribute "+a.name, err)
		}
	}
	return nil
}

// CreateOrUpdateUser creates username if it does not exist, otherwise
// updates its attributes only when they differ from what is stored -- an
// unconditional overwrite is safe but this mirrors the diff-then-write
// behavior the gateway's own sync tooling uses, so no attribute rows are
// written when nothing changed.
func CreateOrUpdateUser(ctx context.Context, tx pgx.Tx, u User) error {
	existing, err := GetUser(ctx, tx, u.Username)
	if err != nil {
		return err
	}
	if existing == nil {
		return CreateUser(ctx, tx, u)
	}
	if !userNeedsUpdate(*existing, u) {
		return nil
	}
	return UpdateUser(ctx, tx, u)
}

// userNeedsUpdate reports whether desired differs from existing in any
// attribute the gateway stores, ignoring the username (the lookup key).
func userNeedsUpdate(existing, desired User) bool {
	return existing.FullName != desired.FullName ||
		existing.Email != desired.Email ||
		existing.Organization != desired.Organization ||
		existing.Role != desired.Role
}

// DeleteUser removes a user entity and everything that references it. The
// caller is responsible for refusing to delete the service account --
// GatewayStore has no special knowledge of which user that is.
func DeleteUser(ctx context.Context, tx pgx.Tx, username string) error {
	var entityID int64
	err := tx.QueryRow(ctx, `SELECT entity_id FROM guacamole_entity WHERE name = $1 AND type = 'USER'`, username).Scan(&entityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return wrapErr("look up user for delete", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM guacamole_user_attribute WHERE user_id = $1`, entityID); err != nil {
		return wrapErr("delete user attributes", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM guacamole_connection_permission WHERE entity_id = $1`, entityID); err != nil {
		return wrapErr("delete user connection permissions", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM guacamole_system_permission WHERE entity_id = $1`, entityID); err != nil {
		return wrapErr("delete user system permissions", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM guacamole_user WHERE entity_id = $1`, entityID); err != nil {
		return wrapErr("delete user auth row", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM guacamole_entity WHERE entity_id = $1`, entityID); err != nil {
		return wrapErr("delete user entity", err)
	}
	return nil
}
