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

// Package store implements the GatewayStore: transactional CRUD over the
// gateway's Postgres schema (guacamole_entity, guacamole_user,
// guacamole_user_attribute, guacamole_connection,
// guacamole_connection_parameter, guacamole_connection_permission,
// guacamole_connection_group, guacamole_system_permission).
//
// Every exported function takes a pgx.Tx explicitly rather than holding one
// on a receiver: the reconciler runs its entire sweep inside one
// transaction, so the functions here compose freely within it instead of
// each owning its own.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
)

// Store owns the connection pool used to open transactions.
type Store struct {
	pool *pgxpool.Pool
}

// Open parses dsn and establishes the connection pool, verifying
// connectivity with a ping. Any failure is DatabaseUnavailable.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errkind.New(errkind.DatabaseUnavailable, fmt.Errorf("parsing dsn: %w", err))
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errkind.New(errkind.DatabaseUnavailable, fmt.Errorf("creating pool: %w", err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errkind.New(errkind.DatabaseUnavailable, fmt.Errorf("ping: %w", err))
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Begin opens a new transaction for a reconcile sweep. The caller owns
// commit/rollback.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errkind.New(errkind.DatabaseUnavailable, fmt.Errorf("begin transaction: %w", err))
	}
	return tx, nil
}

// wrapErr tags a query failure as DatabaseUnavailable unless it is already
// classified (e.g. ErrNoRows is handled by callers directly, never wrapped).
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, classified := errkind.KindOf(err); classified {
		return err
	}
	return errkind.New(errkind.DatabaseUnavailable, fmt.Errorf("%s: %w", op, err))
}
