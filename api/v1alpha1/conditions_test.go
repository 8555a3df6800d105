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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestMergeCondition(t *testing.T) {
	earlier := metav1.NewTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	existing := Condition{
		Type:               ConditionReady,
		Status:             ConditionFalse,
		Reason:             "Pending",
		Message:            "waiting",
		LastTransitionTime: &earlier,
	}

	tests := []struct {
		name       string
		conditions []Condition
		incoming   Condition
		wantLen    int
		wantStatus ConditionStatus
		wantReason string
		unchanged  bool
	}{
		{
			name:       "append to empty list",
			conditions: nil,
			incoming:   newCondition(ConditionReady, ConditionTrue, "Validated", "ok"),
			wantLen:    1,
			wantStatus: ConditionTrue,
			wantReason: "Validated",
		},
		{
			name:       "identical status and reason leaves list untouched",
			conditions: []Condition{existing},
			incoming:   newCondition(ConditionReady, ConditionFalse, "Pending", "still waiting"),
			wantLen:    1,
			wantStatus: ConditionFalse,
			wantReason: "Pending",
			unchanged:  true,
		},
		{
			name:       "status change replaces condition",
			conditions: []Condition{existing},
			incoming:   newCondition(ConditionReady, ConditionTrue, "Validated", "ok"),
			wantLen:    1,
			wantStatus: ConditionTrue,
			wantReason: "Validated",
		},
		{
			name:       "reason change replaces condition",
			conditions: []Condition{existing},
			incoming:   newCondition(ConditionReady, ConditionFalse, "ServerProblem", "503"),
			wantLen:    1,
			wantStatus: ConditionFalse,
			wantReason: "ServerProblem",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := MergeCondition(tt.conditions, tt.incoming)
			require.Len(t, merged, tt.wantLen)

			c := GetCondition(merged, ConditionReady)
			require.NotNil(t, c)
			assert.Equal(t, tt.wantStatus, c.Status)
			assert.Equal(t, tt.wantReason, c.Reason)

			if tt.unchanged {
				// The original transition time survives a no-op re-assert.
				assert.Equal(t, &earlier, c.LastTransitionTime)
				assert.Equal(t, "waiting", c.Message)
			}
		})
	}
}

func TestMergeConditionDoesNotMutateInput(t *testing.T) {
	original := []Condition{newCondition(ConditionReady, ConditionFalse, "Pending", "waiting")}

	merged := MergeCondition(original, newCondition(ConditionReady, ConditionTrue, "Validated", "ok"))

	assert.Equal(t, ConditionFalse, original[0].Status)
	assert.Equal(t, ConditionTrue, merged[0].Status)
}

func TestIssuerStatusSetCondition(t *testing.T) {
	var status IssuerStatus

	status.SetCondition(context.TODO(), ConditionReady, ConditionFalse, "Pending", "validating")
	require.Len(t, status.Conditions, 1)
	first := *status.Conditions[0].LastTransitionTime
	assert.False(t, status.IsReady())

	// Re-asserting the same state keeps the transition time stable.
	status.SetCondition(context.TODO(), ConditionReady, ConditionFalse, "Pending", "still validating")
	require.Len(t, status.Conditions, 1)
	assert.Equal(t, first, *status.Conditions[0].LastTransitionTime)

	status.SetCondition(context.TODO(), ConditionReady, ConditionTrue, "Validated", "anchor verified")
	require.Len(t, status.Conditions, 1)
	assert.True(t, status.IsReady())
	assert.True(t, status.HasCondition(ConditionReady, ConditionTrue))
	assert.False(t, status.HasCondition(ConditionReady, ConditionFalse))
}

func TestOrderStatusSetCondition(t *testing.T) {
	var status OrderStatus

	status.SetCondition(context.TODO(), ConditionReady, ConditionFalse, "Pending", "ordered")
	assert.True(t, status.HasCondition(ConditionReady, ConditionFalse))

	status.SetCondition(context.TODO(), ConditionReady, ConditionTrue, "Issued", "certificate issued")
	require.Len(t, status.Conditions, 1)
	assert.True(t, status.HasCondition(ConditionReady, ConditionTrue))
}
