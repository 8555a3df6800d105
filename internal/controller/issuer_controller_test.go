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
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	estv1alpha1 "github.com/mitre/est-operator/api/v1alpha1"
	"github.com/mitre/est-operator/internal/est"
)

func testIssuer(name, namespace string, ca *testCA) *estv1alpha1.EstIssuer {
	return &estv1alpha1.EstIssuer{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: estv1alpha1.IssuerSpec{
			Host:      "est.example.com",
			CACert:    ca.pem,
			SecretRef: estv1alpha1.SecretReference{Name: "est-credentials"},
		},
	}
}

func testCredentialSecret(namespace string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "est-credentials", Namespace: namespace},
		Type:       corev1.SecretTypeBasicAuth,
		Data: map[string][]byte{
			corev1.BasicAuthUsernameKey: []byte("ra-user"),
			corev1.BasicAuthPasswordKey: []byte("ra-pass"),
		},
	}
}

func TestIssuerReconcile(t *testing.T) {
	ca := newCA(t, "test-root")
	otherCA := newCA(t, "other-root")

	tests := []struct {
		name            string
		issuer          *estv1alpha1.EstIssuer
		secret          *corev1.Secret
		bundle          []*x509.Certificate
		wantErr         bool
		wantState       estv1alpha1.IssuerState
		wantReady       bool
		wantRequeue     time.Duration
		wantAnnotation  bool
	}{
		{
			name:        "anchor in bundle becomes Ready",
			issuer:      testIssuer("issuer1", "ns1", ca),
			secret:      testCredentialSecret("ns1"),
			bundle:      []*x509.Certificate{ca.cert},
			wantState:   estv1alpha1.IssuerStateReady,
			wantReady:   true,
			wantRequeue: DefaultRevalidationInterval,
		},
		{
			name:           "anchor missing from bundle fails permanently",
			issuer:         testIssuer("issuer1", "ns1", ca),
			secret:         testCredentialSecret("ns1"),
			bundle:         []*x509.Certificate{otherCA.cert},
			wantState:      estv1alpha1.IssuerStatePermanentlyFailed,
			wantAnnotation: true,
		},
		{
			name:      "missing credential secret is transient",
			issuer:    testIssuer("issuer1", "ns1", ca),
			bundle:    []*x509.Certificate{ca.cert},
			wantErr:   true,
			wantState: estv1alpha1.IssuerStateUnvalidated,
		},
		{
			name:   "unsupported secret type is transient",
			issuer: testIssuer("issuer1", "ns1", ca),
			secret: &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{Name: "est-credentials", Namespace: "ns1"},
				Type:       corev1.SecretTypeOpaque,
			},
			bundle:    []*x509.Certificate{ca.cert},
			wantErr:   true,
			wantState: estv1alpha1.IssuerStateUnvalidated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme := newTestScheme(t)
			builder := fake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(tt.issuer).
				WithStatusSubresource(tt.issuer)
			if tt.secret != nil {
				builder = builder.WithObjects(tt.secret)
			}
			fakeClient := builder.Build()

			estClient := &fakeESTClient{
				cacertsFn: func(ctx context.Context) ([]*x509.Certificate, error) {
					return tt.bundle, nil
				},
			}
			reconciler := &IssuerReconciler{
				Client:        fakeClient,
				Kind:          "EstIssuer",
				Scheme:        scheme,
				ClientBuilder: (&countingBuilder{client: estClient}).build,
			}

			key := types.NamespacedName{Name: tt.issuer.Name, Namespace: tt.issuer.Namespace}
			result, err := reconciler.Reconcile(context.TODO(), ctrl.Request{NamespacedName: key})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantRequeue, result.RequeueAfter)
			}

			var reconciled estv1alpha1.EstIssuer
			require.NoError(t, fakeClient.Get(context.TODO(), key, &reconciled))
			assert.Equal(t, tt.wantState, reconciled.Status.State)
			assert.Equal(t, tt.wantReady, reconciled.Status.IsReady())
			_, annotated := reconciled.Annotations[estv1alpha1.PermanentFailureAnnotation]
			assert.Equal(t, tt.wantAnnotation, annotated)
		})
	}
}

func TestIssuerReconcileClusterIssuerSecretNamespace(t *testing.T) {
	ca := newCA(t, "test-root")
	clusterIssuer := &estv1alpha1.EstClusterIssuer{
		ObjectMeta: metav1.ObjectMeta{Name: "cluster-issuer"},
		Spec: estv1alpha1.IssuerSpec{
			Host:      "est.example.com",
			CACert:    ca.pem,
			SecretRef: estv1alpha1.SecretReference{Name: "est-credentials"},
		},
	}

	scheme := newTestScheme(t)
	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(clusterIssuer, testCredentialSecret("est-operator-system")).
		WithStatusSubresource(clusterIssuer).
		Build()

	estClient := &fakeESTClient{
		cacertsFn: func(ctx context.Context) ([]*x509.Certificate, error) {
			return []*x509.Certificate{ca.cert}, nil
		},
	}
	reconciler := &IssuerReconciler{
		Client:                   fakeClient,
		Kind:                     "EstClusterIssuer",
		Scheme:                   scheme,
		ClusterResourceNamespace: "est-operator-system",
		ClientBuilder:            (&countingBuilder{client: estClient}).build,
	}

	key := types.NamespacedName{Name: "cluster-issuer"}
	_, err := reconciler.Reconcile(context.TODO(), ctrl.Request{NamespacedName: key})
	require.NoError(t, err)

	var reconciled estv1alpha1.EstClusterIssuer
	require.NoError(t, fakeClient.Get(context.TODO(), key, &reconciled))
	assert.True(t, reconciled.Status.IsReady())
}

func TestIssuerReconcilePermanentFailureSticks(t *testing.T) {
	ca := newCA(t, "test-root")
	otherCA := newCA(t, "other-root")

	scheme := newTestScheme(t)
	issuer := testIssuer("issuer1", "ns1", ca)
	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(issuer, testCredentialSecret("ns1")).
		WithStatusSubresource(issuer).
		Build()

	estClient := &fakeESTClient{
		cacertsFn: func(ctx context.Context) ([]*x509.Certificate, error) {
			return []*x509.Certificate{otherCA.cert}, nil
		},
	}
	builder := &countingBuilder{client: estClient}
	invalidated := 0
	reconciler := &IssuerReconciler{
		Client:        fakeClient,
		Kind:          "EstIssuer",
		Scheme:        scheme,
		ClientBuilder: builder.build,
		ClientInvalidator: func(config *est.Config) {
			invalidated++
			assert.Equal(t, "est.example.com", config.Host)
		},
	}

	key := types.NamespacedName{Name: "issuer1", Namespace: "ns1"}
	request := ctrl.Request{NamespacedName: key}

	_, err := reconciler.Reconcile(context.TODO(), request)
	require.NoError(t, err)
	assert.Equal(t, 1, builder.calls)
	assert.Equal(t, 1, invalidated)

	// The second pass must observe the sticky annotation and never touch the
	// network.
	_, err = reconciler.Reconcile(context.TODO(), request)
	require.NoError(t, err)
	assert.Equal(t, 1, builder.calls)
	assert.Equal(t, 1, estClient.cacertsCalls)
	assert.Equal(t, 1, invalidated)

	var reconciled estv1alpha1.EstIssuer
	require.NoError(t, fakeClient.Get(context.TODO(), key, &reconciled))
	assert.Equal(t, estv1alpha1.IssuerStatePermanentlyFailed, reconciled.Status.State)
}

func TestIssuerReconcileCustomRevalidationInterval(t *testing.T) {
	ca := newCA(t, "test-root")

	scheme := newTestScheme(t)
	issuer := testIssuer("issuer1", "ns1", ca)
	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(issuer, testCredentialSecret("ns1")).
		WithStatusSubresource(issuer).
		Build()

	estClient := &fakeESTClient{
		cacertsFn: func(ctx context.Context) ([]*x509.Certificate, error) {
			return []*x509.Certificate{ca.cert}, nil
		},
	}
	reconciler := &IssuerReconciler{
		Client:               fakeClient,
		Kind:                 "EstIssuer",
		Scheme:               scheme,
		RevalidationInterval: time.Hour,
		ClientBuilder:        (&countingBuilder{client: estClient}).build,
	}

	result, err := reconciler.Reconcile(context.TODO(), ctrl.Request{
		NamespacedName: types.NamespacedName{Name: "issuer1", Namespace: "ns1"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, result.RequeueAfter)
}
