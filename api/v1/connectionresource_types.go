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

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// LDAPMembership describes how a ConnectionResource's gateway permissions
// are derived from directory group membership.
type LDAPMembership struct {
	// Enabled turns on membership lookup for this resource. When false the
	// connection is still managed but no users are granted or revoked
	// access through it.
	Enabled bool `json:"enabled"`

	// GroupFilter is an LDAP filter expression identifying the group(s)
	// whose transitive membership grants READ access to this connection.
	// +kubebuilder:validation:Optional
	GroupFilter string `json:"groupFilter,omitempty"`
}

// ConnectionResourceSpec defines the desired state of a ConnectionResource.
type ConnectionResourceSpec struct {
	// Protocol is the gateway connection protocol, e.g. "rdp" or "ssh".
	// +kubebuilder:validation:Enum=rdp;ssh;vnc;telnet;kubernetes
	Protocol string `json:"protocol"`

	// Hostname is the remote endpoint the gateway connects to.
	Hostname string `json:"hostname"`

	// Port is the remote endpoint's port.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:validation:Maximum=65535
	Port int32 `json:"port"`

	// LDAP configures directory-backed membership for this connection.
	LDAP LDAPMembership `json:"ldap"`
}

// ConnectionPhase represents the lifecycle phase of a ConnectionResource as
// last observed by the reconciler.
type ConnectionPhase string

const (
	// ConnectionPhasePending indicates the resource has not yet been
	// reconciled since last being seen.
	ConnectionPhasePending ConnectionPhase = "Pending"
	// ConnectionPhaseSynced indicates the last reconcile sweep
	// successfully converged this resource's connection and membership.
	ConnectionPhaseSynced ConnectionPhase = "Synced"
	// ConnectionPhaseError indicates the last reconcile sweep skipped this
	// resource due to a per-resource error (e.g. InvalidDirectoryQuery).
	ConnectionPhaseError ConnectionPhase = "Error"
)

// ConnectionResourceStatus defines the observed state of a
// ConnectionResource. It is best-effort and advisory: the reconciler always
// recomputes desired state from the live spec and directory, never from
// status.
type ConnectionResourceStatus struct {
	// Phase is the outcome of the most recent reconcile sweep that
	// considered this resource.
	Phase ConnectionPhase `json:"phase,omitempty"`

	// Message carries human-readable detail about Phase, in particular the
	// error that caused ConnectionPhaseError.
	Message string `json:"message,omitempty"`

	// ConnectionID is the gateway-assigned identifier of the connection
	// backing this resource, once created.
	ConnectionID *int64 `json:"connectionID,omitempty"`

	// MemberCount is the number of distinct usernames last granted READ
	// access through this resource's directory expansion.
	MemberCount int32 `json:"memberCount,omitempty"`

	// ObservedGeneration is the .metadata.generation last acted on.
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions represent the latest available observations of this
	// resource's reconcile state.
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Protocol",type="string",JSONPath=".spec.protocol"
//+kubebuilder:printcolumn:name="Hostname",type="string",JSONPath=".spec.hostname"
//+kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
//+kubebuilder:printcolumn:name="Members",type="integer",JSONPath=".status.memberCount"
//+kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// ConnectionResource is the Schema for the guacamoleconnections API.
type ConnectionResource struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ConnectionResourceSpec   `json:"spec,omitempty"`
	Status ConnectionResourceStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// ConnectionResourceList contains a list of ConnectionResource.
type ConnectionResourceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ConnectionResource `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ConnectionResource{}, &ConnectionResourceList{})
}

// ConnectionName is the deterministic, unique gateway connection name
// derived from this resource's namespace, name and protocol, per
// invariant 1 ("{namespace}/{name} - {protocol}").
func (c *ConnectionResource) ConnectionName() string {
	return c.Namespace + "/" + c.Name + " - " + c.Spec.Protocol
}
