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

// Package source implements the ResourceSource: a list-then-watch loop over
// ConnectionResource objects that emits synthetic ADDED/MODIFIED/DELETED
// events to reconcile its tracked set against reality, and restarts the
// whole cycle whenever the watch stream is invalidated (410 Gone).
package source

import (
	"context"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"

	guacamolev1 "github.com/ukserp-ac-uk/guacamole-connection-operator/api/v1"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/errkind"
)

// EventKind is the kind of change ResourceSource reports to its handler.
type EventKind string

const (
	Added    EventKind = "ADDED"
	Modified EventKind = "MODIFIED"
	Deleted  EventKind = "DELETED"
)

// Handler processes one observed change. Resource is never nil: for
// synthetic DELETED events generated during resync, where the live object no
// longer exists, it is the last tracked value of that object.
type Handler func(ctx context.Context, kind EventKind, resource *guacamolev1.ConnectionResource) error

// ResourceSource watches ConnectionResource objects in a single namespace.
type ResourceSource struct {
	client    client.WithWatch
	namespace string

	tracked map[string]*guacamolev1.ConnectionResource
}

// New builds a ResourceSource scoped to namespace. c must have the
// guacamole.ukserp.ac.uk/v1 types registered in its scheme.
func New(c client.WithWatch, namespace string) *ResourceSource {
	return &ResourceSource{
		client:    c,
		namespace: namespace,
		tracked:   make(map[string]*guacamolev1.ConnectionResource),
	}
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

// Run executes the list-then-watch protocol forever, invoking handler for
// every observed change. It returns only on a non-WatchGone error or when
// ctx is cancelled.
func (s *ResourceSource) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.cycle(ctx, handler)
		if errkind.Is(err, errkind.WatchGone) {
			continue
		}
		return err
	}
}

// cycle performs one list + resync + watch pass. It returns a WatchGone
// error when the watch stream was invalidated, so the caller restarts the
// whole cycle; any other error is fatal to the source.
func (s *ResourceSource) cycle(ctx context.Context, handler Handler) error {
	var list guacamolev1.ConnectionResourceList
	if err := s.client.List(ctx, &list, client.InNamespace(s.namespace)); err != nil {
		return errkind.New(errkind.ApiUnavailable, fmt.Errorf("listing connection resources: %w", err))
	}

	if err := s.resync(ctx, &list, handler); err != nil {
		return err
	}

	watcher, err := s.client.Watch(ctx, &guacamolev1.ConnectionResourceList{}, client.InNamespace(s.namespace), &client.ListOptions{
		Raw: &metav1.ListOptions{ResourceVersion: list.ResourceVersion},
	})
	if err != nil {
		if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
			return errkind.New(errkind.WatchGone, fmt.Errorf("starting watch: %w", err))
		}
		return errkind.New(errkind.ApiUnavailable, fmt.Errorf("starting watch: %w", err))
	}
	defer watcher.Stop()

	return s.forward(ctx, watcher, handler)
}

// resync reconciles the tracked map against a fresh list: listed-but-not-
// tracked resources are ADDED, listed-and-tracked resources are MODIFIED
// unconditionally (the watch may have missed updates while disconnected),
// and tracked-but-not-listed resources are DELETED.
func (s *ResourceSource) resync(ctx context.Context, list *guacamolev1.ConnectionResourceList, handler Handler) error {
	seen := make(map[string]struct{}, len(list.Items))

	for i := range list.Items {
		item := &list.Items[i]
		k := key(item.Namespace, item.Name)
		seen[k] = struct{}{}

		kind := Added
		if _, ok := s.tracked[k]; ok {
			kind = Modified
		}
		if err := handler(ctx, kind, item); err != nil {
			return err
		}
		s.tracked[k] = item
	}

	for k, stale := range s.tracked {
		if _, ok := seen[k]; ok {
			continue
		}
		if err := handler(ctx, Deleted, stale); err != nil {
			return err
		}
		delete(s.tracked, k)
	}

	return nil
}

// forward drains watcher, dispatching each event to handler and keeping the
// tracked map current. It returns a WatchGone error on 410, or an
// ApiUnavailable/FatalInternal error for anything else that ends the
// stream; a handler error or context cancellation is returned as is.
func (s *ResourceSource) forward(ctx context.Context, watcher watch.Interface, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return errkind.New(errkind.ApiUnavailable, fmt.Errorf("watch channel closed"))
			}

			if event.Type == watch.Error {
				return classifyWatchError(event)
			}

			resource, ok := event.Object.(*guacamolev1.ConnectionResource)
			if !ok {
				return errkind.New(errkind.FatalInternal, fmt.Errorf("unexpected watch object type %T", event.Object))
			}

			k := key(resource.Namespace, resource.Name)
			var kind EventKind
			switch event.Type {
			case watch.Added:
				kind = Added
			case watch.Modified:
				kind = Modified
			case watch.Deleted:
				kind = Deleted
			default:
				return errkind.New(errkind.FatalInternal, fmt.Errorf("unknown watch event type %q", event.Type))
			}

			if err := handler(ctx, kind, resource); err != nil {
				return err
			}

			if kind == Deleted {
				delete(s.tracked, k)
			} else {
				s.tracked[k] = resource
			}
		}
	}
}

func classifyWatchError(event watch.Event) error {
	status, ok := event.Object.(*metav1.Status)
	if ok && status.Code == http.StatusGone {
		return errkind.New(errkind.WatchGone, fmt.Errorf("%s", status.Message))
	}
	if ok {
		return errkind.New(errkind.ApiUnavailable, fmt.Errorf("watch error: %s", status.Message))
	}
	return errkind.New(errkind.ApiUnavailable, fmt.Errorf("watch error: %v", event.Object))
}
