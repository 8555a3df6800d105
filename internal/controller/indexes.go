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

	cmapi "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	estv1alpha1 "github.com/mitre/est-operator/api/v1alpha1"
)

// Field index names. The index substrate aggregates extractor output into
// multi-valued mappings; lookups list by key and take the first present
// value, tolerating not-yet-converged duplicates.
const (
	// orderOwnerField maps an EstOrder to the name of its controlling
	// CertificateRequest. Namespacing is applied at lookup time, so a request
	// only ever sees orders in its own namespace.
	orderOwnerField = "index.est.mitre.org/order-owner"

	// secretCertificateNameField maps a TLS Secret provisioned for this
	// group's certificates to its cert-manager certificate name, for renewal
	// client-certificate lookup.
	secretCertificateNameField = "index.est.mitre.org/certificate-name"

	// certificateRequestIssuerField maps a CertificateRequest in this group
	// to its issuerRef name, so requests can be requeued when their issuer
	// changes.
	certificateRequestIssuerField = "index.est.mitre.org/issuer-name"
)

// OrderOwnerExtractor derives the owning CertificateRequest name from an
// EstOrder's owner references. Pure function over resource state.
func OrderOwnerExtractor(obj client.Object) []string {
	order, ok := obj.(*estv1alpha1.EstOrder)
	if !ok {
		return nil
	}
	for _, ref := range order.GetOwnerReferences() {
		if ref.Kind == "CertificateRequest" && ref.Controller != nil && *ref.Controller {
			return []string{ref.Name}
		}
	}
	return nil
}

// SecretCertificateNameExtractor derives the cert-manager certificate name
// from a TLS Secret annotated for this issuer group.
func SecretCertificateNameExtractor(obj client.Object) []string {
	secret, ok := obj.(*corev1.Secret)
	if !ok {
		return nil
	}
	if secret.Type != corev1.SecretTypeTLS {
		return nil
	}
	annotations := secret.GetAnnotations()
	if annotations[cmapi.IssuerGroupAnnotationKey] != estv1alpha1.GroupVersion.Group {
		return nil
	}
	name, ok := annotations[cmapi.CertificateNameKey]
	if !ok {
		return nil
	}
	return []string{name}
}

// CertificateRequestIssuerExtractor derives the issuerRef name from a
// CertificateRequest belonging to this group.
func CertificateRequestIssuerExtractor(obj client.Object) []string {
	request, ok := obj.(*cmapi.CertificateRequest)
	if !ok {
		return nil
	}
	if request.Spec.IssuerRef.Group != estv1alpha1.GroupVersion.Group {
		return nil
	}
	return []string{request.Spec.IssuerRef.Name}
}

// SetupIndexes registers the field indexes every reconciler depends on. Must
// be called before the manager starts.
func SetupIndexes(ctx context.Context, indexer client.FieldIndexer) error {
	if err := indexer.IndexField(ctx, &estv1alpha1.EstOrder{}, orderOwnerField, OrderOwnerExtractor); err != nil {
		return err
	}
	if err := indexer.IndexField(ctx, &corev1.Secret{}, secretCertificateNameField, SecretCertificateNameExtractor); err != nil {
		return err
	}
	return indexer.IndexField(ctx, &cmapi.CertificateRequest{}, certificateRequestIssuerField, CertificateRequestIssuerExtractor)
}

// ownedOrderFor returns the EstOrder controlled by the given
// CertificateRequest, or nil if none has converged into the index yet.
func ownedOrderFor(ctx context.Context, c client.Client, request *cmapi.CertificateRequest) (*estv1alpha1.EstOrder, error) {
	var orders estv1alpha1.EstOrderList
	err := c.List(ctx, &orders,
		client.InNamespace(request.Namespace),
		client.MatchingFields{orderOwnerField: request.Name},
	)
	if err != nil {
		return nil, err
	}
	for i := range orders.Items {
		if metaOwnedBy(&orders.Items[i], request.Name) {
			return &orders.Items[i], nil
		}
	}
	return nil, nil
}

func metaOwnedBy(order *estv1alpha1.EstOrder, requestName string) bool {
	for _, ref := range order.GetOwnerReferences() {
		if ref.Kind == "CertificateRequest" && ref.Name == requestName && ref.Controller != nil && *ref.Controller {
			return true
		}
	}
	return false
}

// tlsSecretForCertificate returns the TLS secret indexed under the given
// cert-manager certificate name, or nil while the index has not converged.
func tlsSecretForCertificate(ctx context.Context, c client.Client, namespace, certificateName string) (*corev1.Secret, error) {
	var secrets corev1.SecretList
	err := c.List(ctx, &secrets,
		client.InNamespace(namespace),
		client.MatchingFields{secretCertificateNameField: certificateName},
	)
	if err != nil {
		return nil, err
	}
	if len(secrets.Items) == 0 {
		return nil, nil
	}
	return &secrets.Items[0], nil
}
