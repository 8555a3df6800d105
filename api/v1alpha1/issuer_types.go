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
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// PermanentFailureAnnotation marks a resource whose validation or
	// enrollment failed permanently. While present, the expensive network
	// exchange is never re-attempted.
	PermanentFailureAnnotation = "est.mitre.org/permanent-failure"
)

// TrustVerification selects how the configured trust anchor is checked
// against the bundle served by the EST server's /cacerts endpoint.
// +kubebuilder:validation:Enum=Bundled;Chain
type TrustVerification string

const (
	// TrustVerificationBundled requires the configured anchor to appear
	// byte-for-byte in the /cacerts bundle.
	TrustVerificationBundled TrustVerification = "Bundled"

	// TrustVerificationChain requires a certificate in the /cacerts bundle to
	// chain up to the configured anchor.
	TrustVerificationChain TrustVerification = "Chain"
)

// IssuerState is a summary of an issuer's lifecycle, derived from its
// validation history.
// +kubebuilder:validation:Enum=Unvalidated;Ready;PermanentlyFailed
type IssuerState string

const (
	IssuerStateUnvalidated       IssuerState = "Unvalidated"
	IssuerStateReady             IssuerState = "Ready"
	IssuerStatePermanentlyFailed IssuerState = "PermanentlyFailed"
)

// +kubebuilder:object:generate=false
type IssuerLike interface {
	GetStatus() *IssuerStatus
	GetSpec() *IssuerSpec
	IsClusterScoped() bool
	client.Object
}

var (
	_ IssuerLike = &EstIssuer{}
	_ IssuerLike = &EstClusterIssuer{}
)

// SecretReference names a Secret in the namespace of the referent. For an
// EstClusterIssuer the reference resolves against the configured cluster
// resource namespace.
type SecretReference struct {
	// Name of the secret.
	Name string `json:"name"`
}

// IssuerSpec defines the desired state of an EstIssuer or EstClusterIssuer.
type IssuerSpec struct {
	// Host is the hostname of the EST server.
	Host string `json:"host"`

	// Port is the TLS port of the EST server.
	// +kubebuilder:default:=443
	// +optional
	Port int `json:"port,omitempty"`

	// Label is the optional additional path segment (RFC 7030 3.2.2) inserted
	// into the well-known EST URLs.
	// +optional
	Label string `json:"label,omitempty"`

	// CACert is the PEM encoded trust anchor for the EST server. TLS
	// connections trust this anchor exclusively; the system trust store is
	// never consulted.
	CACert []byte `json:"cacert"`

	// SecretRef references a kubernetes.io/basic-auth Secret holding the RA
	// credential used for initial enrollment. For an EstClusterIssuer the
	// Secret is read from the cluster resource namespace.
	SecretRef SecretReference `json:"secretRef"`

	// TrustVerification selects how CACert is matched against the server's
	// /cacerts bundle. "Bundled" requires byte-equality membership, "Chain"
	// requires full chain-of-trust verification.
	// +kubebuilder:default:=Bundled
	// +optional
	TrustVerification TrustVerification `json:"trustVerification,omitempty"`
}

// IssuerStatus defines the observed state of an EstIssuer or EstClusterIssuer.
type IssuerStatus struct {
	// State summarizes the issuer lifecycle.
	// +optional
	State IssuerState `json:"state,omitempty"`

	// List of status conditions to indicate the status of the issuer.
	// Known condition types are `Ready`.
	// +optional
	Conditions []Condition `json:"conditions,omitempty"`
}

// SetCondition merges a condition into the status, logging status changes.
// Re-asserting an identical status and reason leaves the existing condition,
// including its transition time, untouched.
func (is *IssuerStatus) SetCondition(ctx context.Context, conditionType ConditionType, status ConditionStatus, reason, message string) {
	log := ctrl.LoggerFrom(ctx)
	if existing := GetCondition(is.Conditions, conditionType); existing != nil && existing.Status != status {
		log.Info(fmt.Sprintf("Changing %s Condition from %q -> %q; %q", conditionType, existing.Status, status, message))
	}
	is.Conditions = MergeCondition(is.Conditions, newCondition(conditionType, status, reason, message))
}

// HasCondition reports whether the status carries a condition of the given
// type and status.
func (is *IssuerStatus) HasCondition(conditionType ConditionType, status ConditionStatus) bool {
	return HasCondition(is.Conditions, conditionType, status)
}

// IsReady reports whether the issuer has a Ready=True condition.
func (is *IssuerStatus) IsReady() bool {
	return is.HasCondition(ConditionReady, ConditionTrue)
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status

// EstIssuer is the Schema for the namespaced EST issuers API. It represents a
// trusted EST server endpoint; CertificateRequests in the same namespace may
// reference it.
type EstIssuer struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   IssuerSpec   `json:"spec,omitempty"`
	Status IssuerStatus `json:"status,omitempty"`
}

func (i *EstIssuer) GetStatus() *IssuerStatus {
	return &i.Status
}

func (i *EstIssuer) GetSpec() *IssuerSpec {
	return &i.Spec
}

func (i *EstIssuer) IsClusterScoped() bool {
	return false
}

//+kubebuilder:object:root=true

// EstIssuerList contains a list of EstIssuer
type EstIssuerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []EstIssuer `json:"items"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:scope=Cluster

// EstClusterIssuer is the Schema for the cluster-scoped EST issuers API.
// Credentials are resolved against the configured cluster resource namespace.
type EstClusterIssuer struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   IssuerSpec   `json:"spec,omitempty"`
	Status IssuerStatus `json:"status,omitempty"`
}

func (i *EstClusterIssuer) GetStatus() *IssuerStatus {
	return &i.Status
}

func (i *EstClusterIssuer) GetSpec() *IssuerSpec {
	return &i.Spec
}

func (i *EstClusterIssuer) IsClusterScoped() bool {
	return true
}

//+kubebuilder:object:root=true

// EstClusterIssuerList contains a list of EstClusterIssuer
type EstClusterIssuerList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []EstClusterIssuer `json:"items"`
}

func init() {
	SchemeBuilder.Register(&EstIssuer{}, &EstIssuerList{}, &EstClusterIssuer{}, &EstClusterIssuerList{})
}
