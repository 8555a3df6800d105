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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ConditionType represents a resource condition value.
type ConditionType string

const (
	// ConditionReady indicates that a resource has completed its lifecycle:
	// an issuer has a validated trust anchor, an order has an issued
	// certificate.
	ConditionReady ConditionType = "Ready"
)

// ConditionStatus represents a condition's status.
// +kubebuilder:validation:Enum=True;False;Unknown
type ConditionStatus string

// These are valid condition statuses. "ConditionTrue" means a resource is in
// the condition; "ConditionFalse" means a resource is not in the condition;
// "ConditionUnknown" means the controller can't decide if a resource is in the
// condition or not.
const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// Condition contains condition information for an issuer or order.
type Condition struct {
	// Type of the condition, known values are ('Ready').
	Type ConditionType `json:"type"`

	// Status of the condition, one of ('True', 'False', 'Unknown').
	Status ConditionStatus `json:"status"`

	// LastTransitionTime is the timestamp corresponding to the last status
	// change of this condition.
	// +optional
	LastTransitionTime *metav1.Time `json:"lastTransitionTime,omitempty"`

	// Reason is a brief machine readable explanation for the condition's last
	// transition.
	// +optional
	Reason string `json:"reason,omitempty"`

	// Message is a human readable description of the details of the last
	// transition, complementing reason.
	// +optional
	Message string `json:"message,omitempty"`
}

// MergeCondition merges incoming into conditions, retaining at most one
// condition per type. If an existing condition of the same type already has
// the incoming status and reason, the list is returned unchanged so that the
// original lastTransitionTime survives repeated reconciles. Otherwise the
// existing condition is replaced by incoming.
func MergeCondition(conditions []Condition, incoming Condition) []Condition {
	for i, c := range conditions {
		if c.Type != incoming.Type {
			continue
		}
		if c.Status == incoming.Status && c.Reason == incoming.Reason {
			return conditions
		}
		merged := make([]Condition, len(conditions))
		copy(merged, conditions)
		merged[i] = incoming
		return merged
	}
	return append(conditions, incoming)
}

// GetCondition returns the condition of the given type, or nil.
func GetCondition(conditions []Condition, conditionType ConditionType) *Condition {
	for i := range conditions {
		if conditions[i].Type == conditionType {
			return &conditions[i]
		}
	}
	return nil
}

// HasCondition reports whether a condition of the given type and status is
// present.
func HasCondition(conditions []Condition, conditionType ConditionType, status ConditionStatus) bool {
	c := GetCondition(conditions, conditionType)
	return c != nil && c.Status == status
}

func newCondition(conditionType ConditionType, status ConditionStatus, reason, message string) Condition {
	now := metav1.Now()
	return Condition{
		Type:               conditionType,
		Status:             status,
		LastTransitionTime: &now,
		Reason:             reason,
		Message:            message,
	}
}
