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

package v1alpha1

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// OrderState is the discriminated lifecycle state of an EstOrder, persisted
// in the status subresource so state is not reconstructed from conditions.
// +kubebuilder:validation:Enum=Pending;Submitted;Awaiting;Issued;Failed
type OrderState string

const (
	// OrderStatePending means the order exists but no EST exchange has
	// completed yet.
	OrderStatePending OrderState = "Pending"

	// OrderStateSubmitted means the last EST exchange failed with a transient
	// request or server problem and will be retried.
	OrderStateSubmitted OrderState = "Submitted"

	// OrderStateAwaiting means the EST server accepted the CSR but issuance
	// is pending; the exchange is re-attempted after the server-specified
	// delay.
	OrderStateAwaiting OrderState = "Awaiting"

	// OrderStateIssued means status.certificate holds the issued chain.
	OrderStateIssued OrderState = "Issued"

	// OrderStateFailed means the order failed permanently and will not be
	// retried.
	OrderStateFailed OrderState = "Failed"
)

// IssuerReference names the EstIssuer or EstClusterIssuer responsible for an
// order.
type IssuerReference struct {
	// Name of the issuer.
	Name string `json:"name"`

	// Kind of the issuer, either EstIssuer or EstClusterIssuer.
	// +kubebuilder:validation:Enum=EstIssuer;EstClusterIssuer
	Kind string `json:"kind"`

	// Group of the issuer, always est.mitre.org.
	// +kubebuilder:default:=est.mitre.org
	Group string `json:"group"`
}

// OrderSpec defines a single EST transaction. Orders are created by the
// CertificateRequest reconciler and always carry an owner reference to the
// originating CertificateRequest.
type OrderSpec struct {
	// IssuerRef names the issuer to enroll against.
	IssuerRef IssuerReference `json:"issuerRef"`

	// Request is the DER encoded PKCS#10 certificate signing request.
	Request []byte `json:"request"`

	// Renewal selects /simplereenroll with client certificate authentication
	// instead of /simpleenroll with the RA credential.
	// +optional
	Renewal bool `json:"renewal,omitempty"`
}

// OrderStatus defines the observed state of an EstOrder.
type OrderStatus struct {
	// State is the discriminated lifecycle state of the order.
	// +optional
	State OrderState `json:"state,omitempty"`

	// Certificate is the PEM encoded issued certificate chain, leaf first.
	// +optional
	Certificate []byte `json:"certificate,omitempty"`

	// List of status conditions to indicate the status of the order.
	// Known condition types are `Ready`.
	// +optional
	Conditions []Condition `json:"conditions,omitempty"`
}

// SetCondition merges a condition into the status. Re-asserting an identical
// status and reason leaves the existing condition untouched.
func (os *OrderStatus) SetCondition(ctx context.Context, conditionType ConditionType, status ConditionStatus, reason, message string) {
	os.Conditions = MergeCondition(os.Conditions, newCondition(conditionType, status, reason, message))
}

// HasCondition reports whether the status carries a condition of the given
// type and status.
func (os *OrderStatus) HasCondition(conditionType ConditionType, status ConditionStatus) bool {
	return HasCondition(os.Conditions, conditionType, status)
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status

// EstOrder is the Schema for the EST orders API. An order is the internal
// work item for one enrollment or re-enrollment exchange.
type EstOrder struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   OrderSpec   `json:"spec,omitempty"`
	Status OrderStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// EstOrderList contains a list of EstOrder
type EstOrderList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []EstOrder `json:"items"`
}

func init() {
	SchemeBuilder.Register(&EstOrder{}, &EstOrderList{})
}
