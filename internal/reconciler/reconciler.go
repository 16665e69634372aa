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

// Package reconciler implements the Reconciler: a full desired-state sweep
// that expands every ConnectionResource's LDAP membership, diffs it against
// the gateway database, and converges users, connections and permissions
// inside a single transaction.
package reconciler

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"sigs.k8s.io/controller-runtime/pkg/client"

	guacamolev1 "github.com/ukserp-ac-uk/guacamole-connection-operator/api/v1"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/directory"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/store"
)

// Config holds everything the Reconciler needs, supplied once at
// construction. There is no ambient/process-wide configuration.
type Config struct {
	Namespace              string
	ServiceAccountUsername string
	Attributes             directory.WantedAttributes
	ManagedOrganizationTag string // "MANAGED-BY: <service account>" if empty, computed from ServiceAccountUsername
	ManagedRoleTag         string // defaults to "MANAGED USER"
}

// ResourceOutcome is the per-resource result of one sweep, used by the
// Controller to opportunistically patch each ConnectionResource's status.
type ResourceOutcome struct {
	Namespace    string
	Name         string
	ConnectionID int64
	MemberCount  int
	Err          error // non-nil for per-resource errors that caused a skip
}

// Result summarizes one sweep.
type Result struct {
	Outcomes []ResourceOutcome
	// Skipped is true if any resource was excluded from this sweep due to a
	// recoverable per-resource error. When true, culling is suppressed for
	// the whole sweep so a transient source-side failure can never cause
	// live users or connections to be deleted.
	Skipped bool
}

// groupExpander is the subset of *directory.Client the Reconciler depends
// on, so the gather step can be exercised in tests against a fake directory
// without a live LDAP server or real Kubernetes API.
type groupExpander interface {
	ExpandGroupMembers(ctx context.Context, groupFilter string, attrs directory.WantedAttributes) (map[string]directory.Record, error)
}

// Reconciler ties DirectoryClient, GatewayStore and a Kubernetes client
// together to perform full sweeps.
type Reconciler struct {
	k8s       client.Client
	directory groupExpander
	store     *store.Store
	cfg       Config
	log       logr.Logger
}

// New builds a Reconciler. k8s is used only to list ConnectionResources
// fresh at the start of each sweep, per spec: the reconciler takes no
// inputs and reads everything fresh.
func New(k8s client.Client, dirClient *directory.Client, st *store.Store, cfg Config, log logr.Logger) *Reconciler {
	if cfg.ManagedOrganizationTag == "" {
		cfg.ManagedOrganizationTag = "MANAGED-BY: " + cfg.ServiceAccountUsername
	}
	if cfg.ManagedRoleTag == "" {
		cfg.ManagedRoleTag = "MANAGED USER"
	}
	return &Reconciler{k8s: k8s, directory: dirClient, store: st, cfg: cfg, log: log}
}

// resourceState is the per-resource work computed before the transaction is
// opened, so directory I/O never happens with a transaction held open.
type resourceState struct {
	resource *guacamolev1.ConnectionResource
	members  map[string]directory.Record // nil when ldap.enabled is false
}

// gather validates each resource's spec, expands LDAP membership for those
// with ldap.enabled=true, and classifies per-resource failures as skips
// rather than aborting the whole sweep. A DirectoryUnavailable (or any
// other non-InvalidDirectoryQuery) error from expansion aborts the entire
// gather, since it means the directory itself is unreachable, not that one
// resource's filter is malformed.
func gather(ctx context.Context, items []guacamolev1.ConnectionResource, expander groupExpander, cfg Config, log logr.Logger) ([]resourceState, Result, error) {
	var result Result
	states := make([]resourceState, 0, len(items))

	for i := range items {
		res := &items[i]
		resourceID := res.Namespace + "/" + res.Name

		if errs := res.ValidateSpec(); len(errs) > 0 {
			log.Info("skipping resource with invalid spec", "resource", resourceID, "errors", errs.ToAggregate().Error())
			result.Skipped = true
			result.Outcomes = append(result.Outcomes, ResourceOutcome{
				Namespace: res.Namespace, Name: res.Name,
				Err: errkind.ForResource(errkind.InvalidResourceSpec, resourceID, errs.ToAggregate()),
			})
			continue
		}

		st := resourceState{resource: res}

		if res.Spec.LDAP.Enabled {
			members, err := expander.ExpandGroupMembers(ctx, res.Spec.LDAP.GroupFilter, cfg.Attributes)
			if err != nil {
				if errkind.Is(err, errkind.InvalidDirectoryQuery) {
					log.Error(err, "skipping resource with invalid group filter", "resource", resourceID)
					result.Skipped = true
					result.Outcomes = append(result.Outcomes, ResourceOutcome{
						Namespace: res.Namespace, Name: res.Name,
						Err: errkind.ForResource(errkind.InvalidDirectoryQuery, resourceID, err),
					})
					continue
				}
				// DirectoryUnavailable and everything else abort the whole
				// sweep: it is retried wholesale at the reconcile level.
				return nil, Result{}, err
			}
			// Invariant 2: the service account is never a member of any
			// resource's desired set, regardless of what the directory
			// reports.
			delete(members, cfg.ServiceAccountUsername)
			st.members = members
		}

		states = append(states, st)
	}

	return states, result, nil
}

// unionDesiredUsers collapses every resource's membership map into one
// username-keyed set. Collisions resolve last-wins; a well-formed directory
// never produces the same username with conflicting attributes across
// groups, so the order is not significant.
func unionDesiredUsers(states []resourceState) map[string]directory.Record {
	desired := make(map[string]directory.Record)
	for _, st := range states {
		for username, rec := range st.members {
			desired[username] = rec
		}
	}
	return desired
}

// Reconcile performs one full desired-state sweep, per spec §4.4. It is the
// unit of atomicity: on any error the transaction rolls back and the
// database is left bitwise identical to its pre-reconcile state.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var list guacamolev1.ConnectionResourceList
	if err := r.k8s.List(ctx, &list, client.InNamespace(r.cfg.Namespace)); err != nil {
		return Result{}, errkind.New(errkind.ApiUnavailable, fmt.Errorf("listing connection resources: %w", err))
	}

	states, result, err := gather(ctx, list.Items, r.directory, r.cfg, r.log)
	if err != nil {
		return Result{}, err
	}

	desiredUsers := unionDesiredUsers(states)

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	// Sync users (step 5): create-before-grant-before-cull ordering
	// requires every desired user to exist before any connection's
	// permission set is synced.
	for username, rec := range desiredUsers {
		if username == r.cfg.ServiceAccountUsername {
			return Result{}, errkind.Newf(errkind.ServiceAccountProtected, "desired user set unexpectedly contains the service account %q", username)
		}
		u := store.User{
			Username:     username,
			FullName:     rec.FullName,
			Email:        rec.Email,
			Organization: r.cfg.ManagedOrganizationTag,
			Role:         r.cfg.ManagedRoleTag,
		}
		if err := store.CreateOrUpdateUser(ctx, tx, u); err != nil {
			return Result{}, err
		}
	}

	// Sync connections and their permission sets (step 6).
	expectedConnections := make(map[int64]struct{}, len(states))
	for _, st := range states {
		res := st.resource

		connID, err := store.CreateOrUpdateConnection(ctx, tx, store.Connection{
			Name:     res.ConnectionName(),
			Protocol: res.Spec.Protocol,
			Parent:   "ROOT",
			Hostname: res.Spec.Hostname,
			Port:     int(res.Spec.Port),
		})
		if err != nil {
			return Result{}, err
		}
		expectedConnections[connID] = struct{}{}

		outcome := ResourceOutcome{Namespace: res.Namespace, Name: res.Name, ConnectionID: connID}

		if res.Spec.LDAP.Enabled {
			if err := r.syncPermissions(ctx, tx, connID, st.members); err != nil {
				return Result{}, err
			}
			outcome.MemberCount = len(st.members)
		}

		result.Outcomes = append(result.Outcomes, outcome)
	}

	if result.Skipped {
		r.log.Info("suppressing cull pass: one or more resources were excluded from this sweep")
	} else {
		if err := r.cullConnections(ctx, tx, expectedConnections); err != nil {
			return Result{}, err
		}
		if err := r.cullUsers(ctx, tx, desiredUsers); err != nil {
			return Result{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, errkind.New(errkind.DatabaseUnavailable, fmt.Errorf("commit: %w", err))
	}

	return result, nil
}

// syncPermissions grants READ to every desired member not currently
// granted, and revokes it from every currently granted user no longer
// desired, excluding the service account.
func (r *Reconciler) syncPermissions(ctx context.Context, tx pgx.Tx, connID int64, desired map[string]directory.Record) error {
	current, err := store.ListConnectionUsers(ctx, tx, connID)
	if err != nil {
		return err
	}

	for username := range desired {
		if _, ok := current[username]; ok {
			continue
		}
		if err := store.GrantUserConnection(ctx, tx, username, connID); err != nil {
			return err
		}
	}

	for username := range current {
		if username == r.cfg.ServiceAccountUsername {
			continue
		}
		if _, ok := desired[username]; ok {
			continue
		}
		if err := store.RevokeUserConnection(ctx, tx, username, connID); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reconciler) cullConnections(ctx context.Context, tx pgx.Tx, expected map[int64]struct{}) error {
	observed, err := store.ListConnections(ctx, tx)
	if err != nil {
		return err
	}
	for _, conn := range observed {
		if _, ok := expected[conn.ID]; ok {
			continue
		}
		if err := store.DeleteConnection(ctx, tx, conn.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) cullUsers(ctx context.Context, tx pgx.Tx, desired map[string]directory.Record) error {
	observed, err := store.ListUsers(ctx, tx)
	if err != nil {
		return err
	}
	for username := range observed {
		if username == r.cfg.ServiceAccountUsername {
			continue
		}
		if _, ok := desired[username]; ok {
			continue
		}
		if err := store.DeleteUser(ctx, tx, username); err != nil {
			return err
		}
	}
	return nil
}
