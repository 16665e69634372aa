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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// systemPermissions are granted to the operator's own gateway account so it
// can create and administer the connections, users, groups and sharing
// profiles it manages.
var systemPermissions = []string{
	"CREATE_CONNECTION",
	"CREATE_CONNECTION_GROUP",
	"CREATE_SHARING_PROFILE",
	"CREATE_USER",
	"CREATE_USER_GROUP",
	"ADMINISTER",
}

// EnsureServiceAccount idempotently creates or re-asserts the operator's own
// gateway user, hashing password the same way the gateway's own
// authentication provider does: SHA-256 over the UTF-8 password bytes
// concatenated with the UTF-8 bytes of a random uppercase-hex salt, with
// both hash and salt stored hex-decoded. Called on every controller
// startup, so password rotation is just calling this again with the new
// password.
func EnsureServiceAccount(ctx context.Context, tx pgx.Tx, username, password string) error {
	salt, err := randomHexSalt(32)
	if err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	passwordHash := hashPassword(password, salt)

	if _, err := tx.Exec(ctx,
		`INSERT INTO guacamole_entity (name, type) VALUES ($1, 'USER') ON CONFLICT DO NOTHING`,
		username,
	); err != nil {
		return wrapErr("create service account entity", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO guacamole_user (entity_id, password_hash, password_salt, password_date)
		 SELECT entity_id, decode($2, 'hex'), decode($3, 'hex'), CURRENT_TIMESTAMP
		 FROM guacamole_entity WHERE name = $1 AND type = 'USER'
		 ON CONFLICT (entity_id) DO UPDATE SET
		   password_hash = excluded.password_hash,
		   password_salt = excluded.password_salt,
		   password_date = excluded.password_date`,
		username, passwordHash, salt,
	); err != nil {
		return wrapErr("set service account password", err)
	}

	for _, perm := range systemPermissions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO guacamole_system_permission (entity_id, permission)
			 SELECT entity_id, $2::guacamole_system_permission_type
			 FROM guacamole_entity WHERE name = $1 AND type = 'USER'
			 ON CONFLICT DO NOTHING`,
			username, perm,
		); err != nil {
			return wrapErr("grant service account permission "+perm, err)
		}
	}

	return nil
}

// hashPassword reproduces the gateway's own password hashing scheme:
// SHA-256 over the UTF-8 password bytes concatenated with the UTF-8 bytes
// of the (already hex-encoded, uppercase) salt, rendered as uppercase hex.
func hashPassword(password, hexSalt string) string {
	h := sha256.Sum256([]byte(password + hexSalt))
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

func randomHexSalt(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
