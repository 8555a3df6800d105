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
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	cmapi "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	estv1alpha1 "github.com/mitre/est-operator/api/v1alpha1"
	"github.com/mitre/est-operator/internal/est"
)

var (
	errGetOwner       = errors.New("error getting owning CertificateRequest")
	errMissingOwner   = errors.New("order has no owning CertificateRequest")
	errRenewalSecret  = errors.New("renewal TLS secret not available")
	errEnrollExchange = errors.New("EST enrollment exchange failed")
	errBadCredential  = errors.New("issuer credential secret is incomplete")
)

// OrderReconciler drives a single EST transaction per EstOrder: it resolves
// the owner chain, authenticates with either the issuer's RA credential or
// the prior TLS client certificate, submits the PKCS#10 request, and records
// the outcome in the order's own status. The 202 accepted-pending path is the
// one place retry timing is dictated by the server rather than fixed backoff.
type OrderReconciler struct {
	client.Client
	Scheme                   *runtime.Scheme
	Recorder                 record.EventRecorder
	ClusterResourceNamespace string
	ClientBuilder            est.ClientBuilder

	// ReenrollAuthFallback permits a renewal rejected with 401/403 under
	// client certificate authentication to be retried once with the issuer's
	// basic auth credential. Off by default: the fallback trades
	// proof-of-possession for a shared RA credential.
	ReenrollAuthFallback bool
}

//+kubebuilder:rbac:groups=est.mitre.org,resources=estorders,verbs=get;list;watch;patch
//+kubebuilder:rbac:groups=est.mitre.org,resources=estorders/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=cert-manager.io,resources=certificaterequests,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch

// Reconcile performs one EST exchange for the order, unless it is already
// terminal.
func (r *OrderReconciler) Reconcile(ctx context.Context, req ctrl.Request) (result ctrl.Result, err error) {
	log := ctrl.LoggerFrom(ctx)

	var order estv1alpha1.EstOrder
	if err := r.Get(ctx, req.NamespacedName, &order); err != nil {
		if err := client.IgnoreNotFound(err); err != nil {
			return ctrl.Result{}, fmt.Errorf("unexpected get error: %v", err)
		}
		log.Info("EstOrder not found. Ignoring.")
		return ctrl.Result{}, nil
	}

	if _, failed := order.Annotations[estv1alpha1.PermanentFailureAnnotation]; failed || order.Status.State == estv1alpha1.OrderStateFailed {
		log.Info("EstOrder is marked permanently failed. Ignoring.")
		return ctrl.Result{}, nil
	}
	if len(order.Status.Certificate) > 0 {
		log.Info("EstOrder already has a certificate. Ignoring.")
		return ctrl.Result{}, nil
	}

	log.Info("Starting EstOrder reconciliation run")

	if order.Status.State == "" {
		order.Status.State = estv1alpha1.OrderStatePending
	}

	// Always attempt to update the Ready condition
	defer func() {
		if err != nil {
			order.Status.SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionFalse, "Pending", err.Error())
		}
		if updateErr := r.Status().Update(ctx, &order); updateErr != nil {
			err = utilerrors.NewAggregate([]error{err, updateErr})
			result = ctrl.Result{}
		}
	}()

	owner, err := r.ownerRequest(ctx, &order)
	if err != nil {
		if errors.Is(err, errMissingOwner) {
			// Contract violation, not a wait: an order is only ever created
			// with its owner reference in place.
			return r.markPermanentlyFailed(ctx, &order, err)
		}
		return ctrl.Result{}, err
	}

	issuer, err := r.issuerFor(&order)
	if err != nil {
		return r.markPermanentlyFailed(ctx, &order, err)
	}
	issuerNamespace := ""
	secretNamespace := r.ClusterResourceNamespace
	if !issuer.IsClusterScoped() {
		issuerNamespace = order.Namespace
		secretNamespace = order.Namespace
	}
	if err := r.Get(ctx, types.NamespacedName{Name: order.Spec.IssuerRef.Name, Namespace: issuerNamespace}, issuer); err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", errGetIssuer, err)
	}
	if !issuer.GetStatus().IsReady() {
		return ctrl.Result{}, errIssuerNotReady
	}

	// Renewal authenticates with the prior client certificate; the RA
	// credential is only needed for initial enrollment and for the opt-in
	// fallback.
	var basic *est.BasicAuth
	if !order.Spec.Renewal || r.ReenrollAuthFallback {
		basic, err = r.basicAuthFor(ctx, issuer, secretNamespace)
		if err != nil {
			return ctrl.Result{}, err
		}
	}

	estClient, err := r.ClientBuilder(ctx, estConfigFromIssuer(issuer))
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", errClientBuilder, err)
	}

	var chain []byte
	if order.Spec.Renewal {
		chain, err = r.reenroll(ctx, estClient, &order, owner, basic)
	} else {
		chain, err = estClient.Enroll(ctx, order.Spec.Request, est.Auth{Basic: basic})
	}
	if err != nil {
		return r.classifyExchangeError(ctx, &order, err)
	}

	order.Status.Certificate = chain
	order.Status.State = estv1alpha1.OrderStateIssued
	order.Status.SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionTrue, "Issued", "Certificate issued")
	r.Recorder.Event(&order, corev1.EventTypeNormal, "Issued", "Certificate issued by EST server")
	return ctrl.Result{}, nil
}

// reenroll submits to /simplereenroll with the prior certificate's TLS
// keypair, falling back to basic auth only when enabled and the server
// rejects the client certificate.
func (r *OrderReconciler) reenroll(ctx context.Context, estClient est.Client, order *estv1alpha1.EstOrder, owner *cmapi.CertificateRequest, basic *est.BasicAuth) ([]byte, error) {
	log := ctrl.LoggerFrom(ctx)

	certificateName := owner.Annotations[cmapi.CertificateNameKey]
	if certificateName == "" {
		return nil, fmt.Errorf("%w: owner has no %s annotation", errRenewalSecret, cmapi.CertificateNameKey)
	}
	secret, err := tlsSecretForCertificate(ctx, r.Client, order.Namespace, certificateName)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: no TLS secret indexed for certificate %s", errRenewalSecret, certificateName)
	}
	keypair, err := tls.X509KeyPair(secret.Data[corev1.TLSCertKey], secret.Data[corev1.TLSPrivateKeyKey])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRenewalSecret, err)
	}

	chain, err := estClient.Reenroll(ctx, order.Spec.Request, est.Auth{Certificate: &keypair})
	if err == nil || !r.ReenrollAuthFallback {
		return chain, err
	}

	var requestErr *est.RequestError
	if errors.As(err, &requestErr) && (requestErr.StatusCode == http.StatusUnauthorized || requestErr.StatusCode == http.StatusForbidden) {
		log.Info("Client certificate rejected, falling back to basic auth for reenrollment", "status", requestErr.StatusCode)
		r.Recorder.Event(order, corev1.EventTypeWarning, "AuthFallback", "Client certificate rejected; retrying reenrollment with RA credential")
		return estClient.Reenroll(ctx, order.Spec.Request, est.Auth{Basic: basic})
	}
	return nil, err
}

// classifyExchangeError translates EST client outcomes into order state and
// scheduler instructions.
func (r *OrderReconciler) classifyExchangeError(ctx context.Context, order *estv1alpha1.EstOrder, exchangeErr error) (ctrl.Result, error) {
	log := ctrl.LoggerFrom(ctx)

	var pendingErr *est.PendingError
	if errors.As(exchangeErr, &pendingErr) {
		// The server dictates the retry delay; resubmit the same CSR so it
		// can match the pending request.
		log.Info("Request accepted pending issuance", "retryAfter", pendingErr.RetryAfter)
		order.Status.State = estv1alpha1.OrderStateAwaiting
		order.Status.SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionFalse, "Pending", "Request accepted pending issuance")
		r.Recorder.Event(order, corev1.EventTypeNormal, "RequestPending", "Request accepted pending issuance")
		return ctrl.Result{RequeueAfter: pendingErr.RetryAfter}, nil
	}

	var requestErr *est.RequestError
	if errors.As(exchangeErr, &requestErr) {
		reason := "RequestProblem"
		if requestErr.ServerProblem() {
			reason = "ServerProblem"
		}
		log.Info("EST exchange rejected, will retry", "status", requestErr.StatusCode, "reason", reason)
		order.Status.State = estv1alpha1.OrderStateSubmitted
		order.Status.SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionFalse, reason, requestErr.Error())
		r.Recorder.Event(order, corev1.EventTypeWarning, reason, requestErr.Error())
		return ctrl.Result{RequeueAfter: est.DefaultRetryDelay}, nil
	}

	return ctrl.Result{}, fmt.Errorf("%w: %w", errEnrollExchange, exchangeErr)
}

// markPermanentlyFailed flags the order so the exchange is never re-attempted.
func (r *OrderReconciler) markPermanentlyFailed(ctx context.Context, order *estv1alpha1.EstOrder, cause error) (ctrl.Result, error) {
	log := ctrl.LoggerFrom(ctx)
	log.Error(cause, "EstOrder failed permanently")

	patchBase := order.DeepCopy()
	if order.Annotations == nil {
		order.Annotations = map[string]string{}
	}
	order.Annotations[estv1alpha1.PermanentFailureAnnotation] = "true"
	if err := r.Patch(ctx, order, client.MergeFrom(patchBase)); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to record permanent failure: %w", err)
	}

	order.Status.State = estv1alpha1.OrderStateFailed
	order.Status.SetCondition(ctx, estv1alpha1.ConditionReady, estv1alpha1.ConditionFalse, "Failed", cause.Error())
	r.Recorder.Event(order, corev1.EventTypeWarning, "Failed", cause.Error())
	return ctrl.Result{}, nil
}

// ownerRequest resolves the CertificateRequest that controls this order.
func (r *OrderReconciler) ownerRequest(ctx context.Context, order *estv1alpha1.EstOrder) (*cmapi.CertificateRequest, error) {
	for _, ref := range order.OwnerReferences {
		if ref.Kind != "CertificateRequest" || ref.Controller == nil || !*ref.Controller {
			continue
		}
		var request cmapi.CertificateRequest
		err := r.Get(ctx, types.NamespacedName{Name: ref.Name, Namespace: order.Namespace}, &request)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errGetOwner, err)
		}
		return &request, nil
	}
	return nil, errMissingOwner
}

// issuerFor instantiates the issuer object named by the order's issuerRef
// kind.
func (r *OrderReconciler) issuerFor(order *estv1alpha1.EstOrder) (estv1alpha1.IssuerLike, error) {
	issuerGVK := estv1alpha1.GroupVersion.WithKind(order.Spec.IssuerRef.Kind)
	issuerRO, err := r.Scheme.New(issuerGVK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errIssuerRef, err)
	}
	issuer, ok := issuerRO.(estv1alpha1.IssuerLike)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected type for issuer object: %T", errIssuerRef, issuerRO)
	}
	return issuer, nil
}

// basicAuthFor reads the issuer's RA credential. The cached index value may
// be stale; an authentication failure surfaces as a transient RequestError
// and is retried with fresh data rather than trusted blindly.
func (r *OrderReconciler) basicAuthFor(ctx context.Context, issuer estv1alpha1.IssuerLike, secretNamespace string) (*est.BasicAuth, error) {
	var secret corev1.Secret
	err := r.Get(ctx, types.NamespacedName{
		Name:      issuer.GetSpec().SecretRef.Name,
		Namespace: secretNamespace,
	}, &secret)
	if err != nil {
		return nil, fmt.Errorf("%w, secret name: %s, reason: %w", errGetAuthSecret, issuer.GetSpec().SecretRef.Name, err)
	}
	username, ok := secret.Data[corev1.BasicAuthUsernameKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing username", errBadCredential)
	}
	password, ok := secret.Data[corev1.BasicAuthPasswordKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing password", errBadCredential)
	}
	return &est.BasicAuth{Username: string(username), Password: string(password)}, nil
}

// SetupWithManager registers the OrderReconciler with the controller manager.
func (r *OrderReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&estv1alpha1.EstOrder{}).
		Complete(r)
}
