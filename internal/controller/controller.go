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

// Package controller implements the Controller: the process entrypoint's
// lifecycle owner. It bootstraps the operator's service account, owns the
// ResourceSource, serializes Reconciler sweeps behind a single dirty bit,
// and fires them on a periodic timer as well as on every observed change.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	guacamolev1 "github.com/ukserp-ac-uk/guacamole-connection-operator/api/v1"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/directory"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/reconciler"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/source"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/store"
)

// Config holds the Controller's tunables, supplied once at construction. No
// ambient/process-wide configuration: everything flows in explicitly.
type Config struct {
	ServiceAccountUsername string
	ServiceAccountPassword string

	// ReconcileBackoff is the fixed retry delay after a reconcile error,
	// per the state machine in spec §4.4 (default 60s).
	ReconcileBackoff time.Duration
	// ReconcileInterval is the periodic-timer trigger that repairs drift
	// invisible to the watch, per spec §4.5 (default 5m).
	ReconcileInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.ReconcileBackoff <= 0 {
		c.ReconcileBackoff = 60 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
}

// Controller is the operator's top-level lifecycle owner.
type Controller struct {
	store      *store.Store
	directory  *directory.Client
	source     *source.ResourceSource
	reconciler *reconciler.Reconciler
	statusW    statusWriter
	cfg        Config
	log        logr.Logger
}

// statusWriter patches a ConnectionResource's .status subresource. It is
// satisfied by sigs.k8s.io/controller-runtime/pkg/client's SubResourceWriter,
// as returned by client.Client.Status().
type statusWriter interface {
	Update(ctx context.Context, obj client.Object, opts ...client.SubResourceUpdateOption) error
}

// New builds a Controller from its already-constructed collaborators.
func New(st *store.Store, dirClient *directory.Client, src *source.ResourceSource, rec *reconciler.Reconciler, statusW statusWriter, cfg Config, log logr.Logger) *Controller {
	cfg.setDefaults()
	return &Controller{store: st, directory: dirClient, source: src, reconciler: rec, statusW: statusW, cfg: cfg, log: log}
}

// Run executes the startup sequence (bootstrap service account, test
// directory bind, start ResourceSource) and then the event loop, per spec
// §4.5. It returns nil on clean shutdown (ctx cancelled) and a non-nil error
// on any fatal condition; the caller (cmd/manager) maps that to a process
// exit code.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.bootstrap(ctx); err != nil {
		return err
	}

	dirty := make(chan struct{}, 1)
	sourceErr := make(chan error, 1)

	go func() {
		sourceErr <- c.source.Run(ctx, func(_ context.Context, _ source.EventKind, _ *guacamolev1.ConnectionResource) error {
			markDirty(dirty)
			return nil
		})
	}()

	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	// Trigger an initial sweep immediately on startup, ahead of the first
	// watch event or timer tick.
	markDirty(dirty)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-sourceErr:
			if ctx.Err() != nil {
				// The source stopped because of shutdown, not a failure.
				return nil
			}
			// The ResourceSource only returns on a non-WatchGone error; per
			// spec §7 that is FatalInternal (or the ApiUnavailable it
			// already surfaced as) and the process exits.
			return errkind.New(errkind.FatalInternal, fmt.Errorf("resource source stopped: %w", err))

		case <-ticker.C:
			markDirty(dirty)

		case <-dirty:
			if err := c.runSweep(ctx); err != nil {
				c.log.Error(err, "reconcile failed, retrying after backoff")
				c.scheduleRetry(ctx, dirty)
			}
		}
	}
}

// bootstrap creates/refreshes the operator's own service account (exactly
// once, at startup) and verifies the directory bind, per spec §4.5's
// startup sequence. Both are fatal on failure.
func (c *Controller) bootstrap(ctx context.Context) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if err := store.EnsureServiceAccount(ctx, tx, c.cfg.ServiceAccountUsername, c.cfg.ServiceAccountPassword); err != nil {
		return fmt.Errorf("bootstrapping service account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errkind.New(errkind.DatabaseUnavailable, fmt.Errorf("committing service account bootstrap: %w", err))
	}

	if err := c.directory.TestBind(ctx); err != nil {
		return fmt.Errorf("testing directory bind: %w", err)
	}

	return nil
}

// runSweep runs one Reconciler sweep and opportunistically patches each
// considered resource's status. Status-patch failures are logged, never
// propagated: they must not affect the transaction outcome already
// committed by the Reconciler.
func (c *Controller) runSweep(ctx context.Context) error {
	result, err := c.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}

	for _, outcome := range result.Outcomes {
		c.patchStatus(ctx, outcome)
	}

	return nil
}

func (c *Controller) patchStatus(ctx context.Context, outcome reconciler.ResourceOutcome) {
	if c.statusW == nil {
		return
	}

	res := &guacamolev1.ConnectionResource{
		ObjectMeta: metav1.ObjectMeta{Namespace: outcome.Namespace, Name: outcome.Name},
	}
	res.Status.MemberCount = int32(outcome.MemberCount)
	if outcome.ConnectionID != 0 {
		id := outcome.ConnectionID
		res.Status.ConnectionID = &id
	}
	if outcome.Err != nil {
		res.Status.Phase = guacamolev1.ConnectionPhaseError
		res.Status.Message = outcome.Err.Error()
	} else {
		res.Status.Phase = guacamolev1.ConnectionPhaseSynced
		res.Status.Message = ""
	}

	if err := c.statusW.Update(ctx, res); err != nil {
		c.log.Error(err, "failed to patch connection resource status", "resource", outcome.Namespace+"/"+outcome.Name)
	}
}

// scheduleRetry arranges for dirty to be marked again after the fixed
// backoff delay, implementing the BACKOFF state in spec §4.4's state
// machine without blocking the event loop.
func (c *Controller) scheduleRetry(ctx context.Context, dirty chan struct{}) {
	go func() {
		select {
		case <-time.After(c.cfg.ReconcileBackoff):
			markDirty(dirty)
		case <-ctx.Done():
		}
	}()
}

// markDirty sets the single dirty bit without blocking: concurrent triggers
// collapse into at most one queued follow-up reconcile, per spec §5.
func markDirty(dirty chan struct{}) {
	select {
	case dirty <- struct{}{}:
	default:
	}
}
