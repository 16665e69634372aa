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

package controller

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"sigs.k8s.io/controller-runtime/pkg/client"

	guacamolev1 "github.com/ukserp-ac-uk/guacamole-connection-operator/api/v1"
	"github.com/ukserp-ac-uk/guacamole-connection-operator/internal/reconciler"
)

type fakeStatusWriter struct {
	updated []client.Object
	err     error
}

func (f *fakeStatusWriter) Update(_ context.Context, obj client.Object, _ ...client.SubResourceUpdateOption) error {
	if f.err != nil {
		return f.err
	}
	f.updated = append(f.updated, obj)
	return nil
}

var _ = Describe("Config.setDefaults", func() {
	It("fills in the documented defaults when unset", func() {
		cfg := Config{}
		cfg.setDefaults()
		Expect(cfg.ReconcileBackoff).To(Equal(60 * time.Second))
		Expect(cfg.ReconcileInterval).To(Equal(5 * time.Minute))
	})

	It("leaves explicit values untouched", func() {
		cfg := Config{ReconcileBackoff: time.Second, ReconcileInterval: 2 * time.Second}
		cfg.setDefaults()
		Expect(cfg.ReconcileBackoff).To(Equal(time.Second))
		Expect(cfg.ReconcileInterval).To(Equal(2 * time.Second))
	})
})

var _ = Describe("Controller.patchStatus", func() {
	var (
		writer *fakeStatusWriter
		ctl    *Controller
	)

	BeforeEach(func() {
		writer = &fakeStatusWriter{}
		ctl = &Controller{statusW: writer, log: logr.Discard()}
	})

	It("marks a successful outcome as Synced with the member count and connection id", func() {
		id := int64(42)
		ctl.patchStatus(context.Background(), reconciler.ResourceOutcome{
			Namespace: "ns", Name: "r1", ConnectionID: id, MemberCount: 3,
		})

		Expect(writer.updated).To(HaveLen(1))
		res := writer.updated[0].(*guacamolev1.ConnectionResource)
		Expect(res.Status.Phase).To(Equal(guacamolev1.ConnectionPhaseSynced))
		Expect(res.Status.Message).To(BeEmpty())
		Expect(res.Status.MemberCount).To(Equal(int32(3)))
		Expect(res.Status.ConnectionID).NotTo(BeNil())
		Expect(*res.Status.ConnectionID).To(Equal(int64(42)))
	})

	It("marks a failed outcome as Error with the failure message", func() {
		ctl.patchStatus(context.Background(), reconciler.ResourceOutcome{
			Namespace: "ns", Name: "r2", Err: errors.New("directory unavailable"),
		})

		Expect(writer.updated).To(HaveLen(1))
		res := writer.updated[0].(*guacamolev1.ConnectionResource)
		Expect(res.Status.Phase).To(Equal(guacamolev1.ConnectionPhaseError))
		Expect(res.Status.Message).To(Equal("directory unavailable"))
	})

	It("omits the connection id when the outcome never created one", func() {
		ctl.patchStatus(context.Background(), reconciler.ResourceOutcome{Namespace: "ns", Name: "r3"})

		res := writer.updated[0].(*guacamolev1.ConnectionResource)
		Expect(res.Status.ConnectionID).To(BeNil())
	})

	It("does nothing when no status writer is configured", func() {
		ctl.statusW = nil
		Expect(func() {
			ctl.patchStatus(context.Background(), reconciler.ResourceOutcome{Namespace: "ns", Name: "r4"})
		}).NotTo(Panic())
	})

	It("logs, rather than propagates, an update failure", func() {
		writer.err = errors.New("conflict")
		Expect(func() {
			ctl.patchStatus(context.Background(), reconciler.ResourceOutcome{Namespace: "ns", Name: "r5"})
		}).NotTo(Panic())
	})
})

var _ = Describe("markDirty", func() {
	It("is non-blocking and collapses repeated signals into one pending slot", func() {
		dirty := make(chan struct{}, 1)

		markDirty(dirty)
		markDirty(dirty)
		markDirty(dirty)

		Expect(dirty).To(HaveLen(1))
		<-dirty
		Expect(dirty).To(HaveLen(0))
	})
})

var _ = Describe("Controller.scheduleRetry", func() {
	It("marks dirty again after the configured backoff", func() {
		ctl := &Controller{cfg: Config{ReconcileBackoff: 10 * time.Millisecond}, log: logr.Discard()}
		dirty := make(chan struct{}, 1)

		ctl.scheduleRetry(context.Background(), dirty)

		Eventually(dirty).Should(Receive())
	})

	It("stops waiting once the context is cancelled", func() {
		ctl := &Controller{cfg: Config{ReconcileBackoff: time.Hour}, log: logr.Discard()}
		dirty := make(chan struct{}, 1)
		ctx, cancel := context.WithCancel(context.Background())

		ctl.scheduleRetry(ctx, dirty)
		cancel()

		Consistently(dirty, "50ms").ShouldNot(Receive())
	})
})
