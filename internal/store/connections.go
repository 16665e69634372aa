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
	"strconv"

	"github.com/jackc/pgx/v5"
)

// rootParent is the sentinel parent identifier meaning "no connection
// group", matching the gateway's own convention.
const rootParent = "ROOT"

// Connection is a gateway connection together with its hostname/port
// parameters.
type Connection struct {
	ID       int64
	Name     string
	Protocol string
	Parent   string // "ROOT" or a connection group name
	Hostname string
	Port     int
}

// ListConnections returns every connection keyed by connection name.
func ListConnections(ctx context.Context, tx pgx.Tx) (map[string]Connection, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.connection_id, c.connection_name, c.protocol, g.connection_group_name
		FROM guacamole_connection c
		LEFT JOIN guacamole_connection_group g ON c.parent_id = g.connection_group_id`)
	if err != nil {
		return nil, wrapErr("list connections", err)
	}
	defer rows.Close()

	conns := make(map[string]Connection)
	for rows.Next() {
		var c Connection
		var parentName *string
		if err := rows.Scan(&c.ID, &c.Name, &c.Protocol, &parentName); err != nil {
			return nil, wrapErr("scan connection row", err)
		}
		c.Parent = rootParent
		if parentName != nil {
			c.Parent = *parentName
		}
		conns[c.Name] = c
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list connections", err)
	}
	return conns, nil
}

// GetConnectionIDByName returns the connection id for name, and whether it
// was found.
func GetConnectionIDByName(ctx context.Context, tx pgx.Tx, name string) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT connection_id FROM guacamole_connection WHERE connection_name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr("get connection by name", err)
	}
	return id, true, nil
}

func resolveParentID(ctx context.Context, tx pgx.Tx, parent string) (*int64, error) {
	if parent == "" || parent == rootParent {
		return nil, nil
	}
	var groupID int64
	err := tx.QueryRow(ctx, `SELECT connection_group_id FROM guacamole_connection_group WHERE connection_group_name = $1`, parent).Scan(&groupID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("resolve parent connection group", err)
	}
	return &groupID, nil
}

// CreateConnection inserts a new connection with its hostname/port
// parameters and returns the new connection id.
func CreateConnection(ctx context.Context, tx pgx.Tx, c Connection) (int64, error) {
	parentID, err := resolveParentID(ctx, tx, c.Parent)
	if err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO guacamole_connection (connection_name, protocol, parent_id) VALUES ($1, $2, $3) RETURNING connection_id`,
		c.Name, c.Protocol, parentID,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("create connection", err)
	}

	if err := setConnectionParameters(ctx, tx, id, c.Hostname, c.Port); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateConnection overwrites an existing connection's name/protocol/parent
// and its hostname/port parameters.
func UpdateConnection(ctx context.Context, tx pgx.Tx, id int64, c Connection) error {
	parentID, err := resolveParentID(ctx, tx, c.Parent)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE guacamole_connection SET connection_name = $2, protocol = $3, parent_id = $4 WHERE connection_id = $1`,
		id, c.Name, c.Protocol, parentID,
	); err != nil {
		return wrapErr("update connection", err)
	}

	return setConnectionParameters(ctx, tx, id, c.Hostname, c.Port)
}

func setConnectionParameters(ctx context.Context, tx pgx.Tx, id int64, hostname string, port int) error {
	params := []struct{ name, value string }{
		{"hostname", hostname},
		{"port", strconv.Itoa(port)},
	}
	for _, p := range params {
		if _, err := tx.Exec(ctx,
			`INSERT INTO guacamole_connection_parameter (connection_id, parameter_name, parameter_value)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (connection_id, parameter_name) DO UPDATE SET parameter_value = excluded.parameter_value`,
			id, p.name, p.value,
		); err != nil {
			return wrapErr("set connection parameter "+p.name, err)
		}
	}
	return nil
}

// DeleteConnection removes a connection and everything that references it.
func DeleteConnection(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM guacamole_connection_parameter WHERE connection_id = $1`, id); err != nil {
		return wrapErr("delete connection parameters", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM guacamole_connection_permission WHERE connection_id = $1`, id); err != nil {
		return wrapErr("delete connection permissions", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM guacamole_connection WHERE connection_id = $1`, id); err != nil {
		return wrapErr("delete connection", err)
	}
	return nil
}

// CreateOrUpdateConnection creates c if no connection with its name exists,
// otherwise updates the existing one in place, returning the connection id
// either way.
func CreateOrUpdateConnection(ctx context.Context, tx pgx.Tx, c Connection) (int64, error) {
	id, found, err := GetConnectionIDByName(ctx, tx, c.Name)
	if err != nil {
		return 0, err
	}
	if found {
		if err := UpdateConnection(ctx, tx, id, c); err != nil {
			return 0, err
		}
		return id, nil
	}
	return CreateConnection(ctx, tx, c)
}

// GrantUserConnection gives username READ permission on connID.
func GrantUserConnection(ctx context.Context, tx pgx.Tx, username string, connID int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO guacamole_connection_permission (entity_id, connection_id, permission)
		 SELECT e.entity_id, $2, 'READ' FROM guacamole_entity e WHERE e.name = $1 AND e.type = 'USER'
		 ON CONFLICT DO NOTHING`,
		username, connID,
	)
	return wrapErr("grant user connection", err)
}

// RevokeUserConnection removes username's READ permission on connID.
func RevokeUserConnection(ctx context.Context, tx pgx.Tx, username string, connID int64) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM guacamole_connection_permission
		 WHERE connection_id = $2
		 AND entity_id = (SELECT entity_id FROM guacamole_entity WHERE name = $1 AND type = 'USER')`,
		username, connID,
	)
	return wrapErr("revoke user connection", err)
}

// ListConnectionUsers returns every user holding READ permission on connID,
// keyed by username.
func ListConnectionUsers(ctx context.Context, tx pgx.Tx, connID int64) (map[string]User, error) {
	rows, err := tx.Query(ctx, `
		SELECT
			e.name AS username,
			a1.attribute_value AS fullname,
			a2.attribute_value AS email,
			a3.attribute_value AS organization,
			a4.attribute_value AS role
		FROM guacamole_entity e
		JOIN guacamole_connection_permission cp ON e.entity_id = cp.entity_id
		LEFT JOIN guacamole_user_attribute a1 ON e.entity_id = a1.user_id AND a1.attribute_name = '`+attrFullName+`'
		LEFT JOIN guacamole_user_attribute a2 ON e.entity_id = a2.user_id AND a2.attribute_name = '`+attrEmail+`'
		LEFT JOIN guacamole_user_attribute a3 ON e.entity_id = a3.user_id AND a3.attribute_name = '`+attrOrganization+`'
		LEFT JOIN guacamole_user_attribute a4 ON e.entity_id = a4.user_id AND a4.attribute_name = '`+attrOrganizationalRole+`'
		WHERE e.type = 'USER' AND cp.connection_id = $1 AND cp.permission = 'READ'`, connID)
	if err != nil {
		return nil, wrapErr("list connection users", err)
	}
	defer rows.Close()

	users := make(map[string]User)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrapErr("scan connection user row", err)
		}
		users[u.Username] = u
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list connection users", err)
	}
	return users, nil
}
