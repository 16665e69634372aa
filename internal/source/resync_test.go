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

package source

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	guacamolev1 "github.com/ukserp-ac-uk/guacamole-connection-operator/api/v1"
)

func resourceFixture(namespace, name string) *guacamolev1.ConnectionResource {
	return &guacamolev1.ConnectionResource{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Spec:       guacamolev1.ConnectionResourceSpec{Protocol: "rdp", Hostname: "h", Port: 3389},
	}
}

var _ = Describe("ResourceSource.resync", func() {
	var (
		s      *ResourceSource
		events []EventKind
		seen   []string
	)

	BeforeEach(func() {
		s = New(nil, "ns")
		events = nil
		seen = nil
	})

	handler := func() Handler {
		return func(_ context.Context, kind EventKind, res *guacamolev1.ConnectionResource) error {
			events = append(events, kind)
			seen = append(seen, res.Namespace+"/"+res.Name)
			return nil
		}
	}

	It("emits ADDED for resources first seen in the list", func() {
		list := &guacamolev1.ConnectionResourceList{Items: []guacamolev1.ConnectionResource{*resourceFixture("ns", "r1")}}

		Expect(s.resync(context.Background(), list, handler())).To(Succeed())

		Expect(events).To(Equal([]EventKind{Added}))
		Expect(seen).To(Equal([]string{"ns/r1"}))
		Expect(s.tracked).To(HaveKey("ns/r1"))
	})

	It("emits MODIFIED for resources already tracked", func() {
		s.tracked["ns/r1"] = resourceFixture("ns", "r1")
		list := &guacamolev1.ConnectionResourceList{Items: []guacamolev1.ConnectionResource{*resourceFixture("ns", "r1")}}

		Expect(s.resync(context.Background(), list, handler())).To(Succeed())

		Expect(events).To(Equal([]EventKind{Modified}))
	})

	It("emits a synthetic DELETED for tracked resources missing from the list", func() {
		s.tracked["ns/stale"] = resourceFixture("ns", "stale")
		list := &guacamolev1.ConnectionResourceList{}

		Expect(s.resync(context.Background(), list, handler())).To(Succeed())

		Expect(events).To(Equal([]EventKind{Deleted}))
		Expect(seen).To(Equal([]string{"ns/stale"}))
		Expect(s.tracked).NotTo(HaveKey("ns/stale"))
	})

	It("handles a mixed resync: one added, one modified, one deleted", func() {
		s.tracked["ns/keep"] = resourceFixture("ns", "keep")
		s.tracked["ns/gone"] = resourceFixture("ns", "gone")
		list := &guacamolev1.ConnectionResourceList{Items: []guacamolev1.ConnectionResource{
			*resourceFixture("ns", "keep"),
			*resourceFixture("ns", "new"),
		}}

		Expect(s.resync(context.Background(), list, handler())).To(Succeed())

		Expect(s.tracked).To(HaveKey("ns/keep"))
		Expect(s.tracked).To(HaveKey("ns/new"))
		Expect(s.tracked).NotTo(HaveKey("ns/gone"))

		kindOf := make(map[string]EventKind, len(seen))
		for i, id := range seen {
			kindOf[id] = events[i]
		}
		Expect(kindOf["ns/keep"]).To(Equal(Modified))
		Expect(kindOf["ns/new"]).To(Equal(Added))
		Expect(kindOf["ns/gone"]).To(Equal(Deleted))
	})

	It("propagates a handler error without mutating tracked state further", func() {
		list := &guacamolev1.ConnectionResourceList{Items: []guacamolev1.ConnectionResource{*resourceFixture("ns", "r1")}}
		boom := errorHandler()

		err := s.resync(context.Background(), list, boom)
		Expect(err).To(HaveOccurred())
		Expect(s.tracked).NotTo(HaveKey("ns/r1"))
	})
})

func errorHandler() Handler {
	return func(_ context.Context, _ EventKind, _ *guacamolev1.ConnectionResource) error {
		return context.Canceled
	}
}
