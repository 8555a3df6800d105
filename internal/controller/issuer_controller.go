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
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	estv1alpha1 "github.com/mitre/est-operator/api/v1alpha1"
	"github.com/mitre/est-operator/internal/est"
)

// DefaultRevalidationInterval is how often a Ready issuer re-fetches /cacerts
// to confirm its trust anchor is still served.
const DefaultRevalidationInterval = 604800 * time.Second

var (
	errGetAuthSecret         = errors.New("failed to get Secret containing issuer credentials")
	errUnsupportedSecretType = errors.New("issuer credential Secret has unsupported type")
	errClientBuilder         = errors.New("failed to build the EST client")
	errCACertsFetch          = errors.New("failed to fetch CA certificates")
)

// IssuerReconciler reconciles EstIssuer and EstClusterIssuer objects: it
// validates the configured trust anchor against the server's /cacerts bundle
// and keeps the Ready condition current. Validation repeats on spec updates
// and on a fixed revalidation timer; a verification failure is permanent and
// suppressed with a sticky annotation so the server is not hammered.
type IssuerReconciler struct {
	client.Client
	Kind                     string
	Scheme                   *runtime.Scheme
	ClusterResourceNamespace string
	RevalidationInterval     time.Duration
	ClientBuilder            est.ClientBuilder

	// ClientInvalidator releases the cached client for a configuration that
	// failed verification; the permanent-failure gate means it is never
	// requested again.
	ClientInvalidator func(*est.Config)
}

//+kubebuilder:rbac:groups=est.mitre.org,resources=estissuers;estclusterissuers,verbs=get;list;watch;patch
//+kubebuilder:rbac:groups=est.mitre.org,resources=estissuers/status;estclusterissuers/status,verbs=get;update;patch
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch

// newIssuer returns a new EstIssuer or EstClusterIssuer object
func (r *IssuerReconciler) newIssuer() (estv1alpha1.IssuerLike, error) {
	issuerGVK := estv1alpha1.GroupVersion.WithKind(r.Kind)
	ro, err := r.Scheme.New(issuerGVK)
	if err != nil {
		return nil, err
	}
	return ro.(estv1alpha1.IssuerLike), nil
}

// Reconcile validates an issuer's trust anchor and updates its status.
func (r *IssuerReconciler) Reconcile(ctx context.Context, req ctrl.Request) (result ctrl.Result, err error) {
	log := ctrl.LoggerFrom(ctx)

	issuer, err := r.newIssuer()
	if err != nil {
		log.Error(err, "Unrecognized issuer type")
		return ctrl.Result{}, nil
	}
	if err := r.Get(ctx, req.NamespacedName, issuer); err != nil {
		if err := client.IgnoreNotFound(err); err != nil {
			return ctrl.Result{}, fmt.Errorf("unexpected get error: %v", err)
		}
		log.Info(fmt.Sprintf("%s not found. Ignoring.", r.Kind))
		return ctrl.Result{}, nil
	}

	// A permanently failed issuer is never revalidated: re-entering this
	// state must not re-trigger the network exchange.
	if _, failed := issuer.GetAnnotations()[estv1alpha1.PermanentFailureAnnotation]; failed {
		log.Info("Issuer is marked permanently failed. Ignoring.")
		status := issuer.GetStatus()
		if status.State != estv1alpha1.IssuerStatePermanentlyFailed {
			status.State = estv1alpha1.IssuerStatePermanentlyFailed
			status.SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionFalse,
				"PermanentFailure", "Trust anchor verification failed permanently")
			if err := r.Status().Update(ctx, issuer); err != nil {
				return ctrl.Result{}, err
			}
		}
		return ctrl.Result{}, nil
	}

	log.Info(fmt.Sprintf("Starting %s reconciliation run", r.Kind))

	if issuer.GetStatus().State == "" {
		issuer.GetStatus().State = estv1alpha1.IssuerStateUnvalidated
	}

	// Always attempt to update the Ready condition
	defer func() {
		if err != nil {
			issuer.GetStatus().SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionFalse, "Pending", err.Error())
		}
		if updateErr := r.Status().Update(ctx, issuer); updateErr != nil {
			err = utilerrors.NewAggregate([]error{err, updateErr})
			result = ctrl.Result{}
		}
	}()

	// The credential secret must exist and have a usable type before the
	// issuer can serve enrollments. A missing secret is a transient wait.
	secretNamespace := req.Namespace
	if issuer.IsClusterScoped() {
		secretNamespace = r.ClusterResourceNamespace
	}
	var secret corev1.Secret
	err = r.Get(ctx, types.NamespacedName{
		Name:      issuer.GetSpec().SecretRef.Name,
		Namespace: secretNamespace,
	}, &secret)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("%w, secret name: %s, reason: %w", errGetAuthSecret, issuer.GetSpec().SecretRef.Name, err)
	}
	if secret.Type != corev1.SecretTypeBasicAuth && secret.Type != corev1.SecretTypeTLS {
		return ctrl.Result{}, fmt.Errorf("%w: %s", errUnsupportedSecretType, secret.Type)
	}

	estClient, err := r.ClientBuilder(ctx, estConfigFromIssuer(issuer))
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", errClientBuilder, err)
	}

	bundle, err := estClient.CACerts(ctx)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", errCACertsFetch, err)
	}

	mode := est.VerifyBundled
	if issuer.GetSpec().TrustVerification == estv1alpha1.TrustVerificationChain {
		mode = est.VerifyChain
	}
	if verifyErr := est.VerifyAnchor(issuer.GetSpec().CACert, bundle, mode); verifyErr != nil {
		return r.markPermanentlyFailed(ctx, issuer, verifyErr)
	}

	issuer.GetStatus().State = estv1alpha1.IssuerStateReady
	issuer.GetStatus().SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionTrue,
		"Validated", "Trust anchor verified against server bundle")

	return ctrl.Result{RequeueAfter: r.revalidationInterval()}, nil
}

// markPermanentlyFailed flags the issuer so validation is never re-attempted.
// The sticky annotation is patched onto the main resource; the deferred
// status update records the condition.
func (r *IssuerReconciler) markPermanentlyFailed(ctx context.Context, issuer estv1alpha1.IssuerLike, verifyErr error) (ctrl.Result, error) {
	log := ctrl.LoggerFrom(ctx)
	log.Error(verifyErr, "Trust anchor verification failed. Marking issuer permanently failed.")

	patchBase := issuer.DeepCopyObject().(client.Object)
	annotations := issuer.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[estv1alpha1.PermanentFailureAnnotation] = "true"
	issuer.SetAnnotations(annotations)
	if err := r.Patch(ctx, issuer, client.MergeFrom(patchBase)); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to record permanent failure: %w", err)
	}

	if r.ClientInvalidator != nil {
		r.ClientInvalidator(estConfigFromIssuer(issuer))
	}

	issuer.GetStatus().State = estv1alpha1.IssuerStatePermanentlyFailed
	issuer.GetStatus().SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionFalse,
		"VerificationFailed", verifyErr.Error())
	return ctrl.Result{}, nil
}

func (r *IssuerReconciler) revalidationInterval() time.Duration {
	if r.RevalidationInterval == 0 {
		return DefaultRevalidationInterval
	}
	return r.RevalidationInterval
}

// estConfigFromIssuer maps an issuer spec onto an EST client configuration.
func estConfigFromIssuer(issuer estv1alpha1.IssuerLike) *est.Config {
	spec := issuer.GetSpec()
	return &est.Config{
		Host:      spec.Host,
		Port:      spec.Port,
		Label:     spec.Label,
		AnchorPEM: spec.CACert,
	}
}

// SetupWithManager registers the IssuerReconciler with the controller manager.
func (r *IssuerReconciler) SetupWithManager(mgr ctrl.Manager) error {
	issuerType, err := r.newIssuer()
	if err != nil {
		return err
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(issuerType).
		Complete(r)
}
